package events

import (
	"time"

	"git.home.luguber.info/inful/packd/internal/bundle"
)

// Lifecycle is implemented by every build lifecycle event. Subscribing to
// it yields Invalidated, BuildStarted and BuildDone in publish order.
type Lifecycle interface {
	LifecyclePlatform() string
}

// Invalidated reports that source files changed. An empty Platform means
// the change affects every platform.
type Invalidated struct {
	Platform string
	Paths    []string
	At       time.Time
}

// BuildStarted is published by the bundler when it begins compiling a
// platform. Generation echoes the build request; a compiler-initiated
// build carries zero.
type BuildStarted struct {
	Platform   string
	Generation uint64
	At         time.Time
}

// BuildDone is published once per BuildStarted with the build outcome.
type BuildDone struct {
	Platform   string
	Generation uint64
	Result     bundle.Result
	At         time.Time
}

func (e Invalidated) LifecyclePlatform() string  { return e.Platform }
func (e BuildStarted) LifecyclePlatform() string { return e.Platform }
func (e BuildDone) LifecyclePlatform() string    { return e.Platform }
