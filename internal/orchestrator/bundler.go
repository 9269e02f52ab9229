package orchestrator

import "context"

// BuildRequest names the platform and generation a build is for. The
// bundler echoes Generation in the BuildStarted and BuildDone events it
// publishes.
type BuildRequest struct {
	Platform   string
	Generation uint64
}

// Bundler is the compiler the orchestrator drives.
//
// Build schedules one build and returns without waiting for it; progress is
// reported on the event bus as events.BuildStarted followed by exactly one
// events.BuildDone. An error from Build means the build was never started.
type Bundler interface {
	Build(ctx context.Context, req BuildRequest) error
	Close() error
}
