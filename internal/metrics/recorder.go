package metrics

import "time"

// BuildOutcome labels how a scheduled build ended.
type BuildOutcome string

const (
	BuildSuccess    BuildOutcome = "success"
	BuildFailed     BuildOutcome = "failed"
	BuildSuperseded BuildOutcome = "superseded" // finished after an invalidation
	BuildCanceled   BuildOutcome = "canceled"   // interrupted by shutdown
)

// AssetResult labels the result of an asset lookup.
type AssetResult string

const (
	AssetHit      AssetResult = "hit"
	AssetStale    AssetResult = "stale"
	AssetNotFound AssetResult = "not_found"
	AssetError    AssetResult = "error"
)

// Recorder receives orchestrator metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	IncBuildTrigger(platform string)
	ObserveBuildDuration(platform string, d time.Duration)
	IncBuildOutcome(platform string, outcome BuildOutcome)
	ObserveCoalescedWaiters(platform string, waiters int)
	IncAssetRequest(platform string, result AssetResult)
	SetHMRSubscribers(platform string, n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncBuildTrigger(string)                     {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) IncBuildOutcome(string, BuildOutcome)       {}
func (NoopRecorder) ObserveCoalescedWaiters(string, int)        {}
func (NoopRecorder) IncAssetRequest(string, AssetResult)        {}
func (NoopRecorder) SetHMRSubscribers(string, int)              {}
