package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/packd/internal/bundle"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/logfields"
	"git.home.luguber.info/inful/packd/internal/metrics"
)

// Status is the build state of one platform.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusReady
	StatusInvalidated
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusInvalidated:
		return "invalidated"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TriggerFunc asks the compiler to build one generation. It must not block
// on the build itself.
type TriggerFunc func(generation uint64) error

// GateObserver is told about every state transition of a gate. Calls are
// made with the gate lock held, so for a single platform they arrive in
// transition order and must not call back into the gate.
type GateObserver interface {
	BuildPending(platform string, generation uint64)
	BuildSucceeded(platform string, generation uint64, stats *bundle.Stats, assets []bundle.Asset)
	BuildFailed(platform string, generation uint64, stats *bundle.Stats, err error)
}

// flight is one scheduled build and everybody waiting on it.
type flight struct {
	generation uint64
	external   bool // opened by a compiler-initiated BuildStarted
	opened     time.Time
	waiters    int

	done  chan struct{}
	stats *bundle.Stats
	err   error
}

func newFlight(generation uint64) *flight {
	return &flight{generation: generation, opened: time.Now(), done: make(chan struct{})}
}

func (f *flight) settle(stats *bundle.Stats, err error) {
	f.stats, f.err = stats, err
	close(f.done)
}

// accepts reports whether a lifecycle event for generation belongs to f.
func (f *flight) accepts(generation uint64) bool {
	return generation == f.generation || (f.external && generation == 0)
}

// gate serializes builds of one platform: at most one build runs, and all
// requests made while it runs share its outcome.
type gate struct {
	platform string
	trigger  TriggerFunc
	observer GateObserver
	stats    *statsCache
	recorder metrics.Recorder
	logger   *slog.Logger

	mu         sync.Mutex
	status     Status
	generation uint64
	claimed    bool // generation already belongs to a scheduled build
	current    *flight
	next       *flight // requests made after the running build was superseded
	triggers   uint64
}

func newGate(platform string, trigger TriggerFunc, observer GateObserver, stats *statsCache, recorder metrics.Recorder, logger *slog.Logger) *gate {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &gate{
		platform: platform,
		trigger:  trigger,
		observer: observer,
		stats:    stats,
		recorder: recorder,
		logger:   logger.With(logfields.Platform(platform)),
	}
}

// RequestBuild returns the stats of a build that reflects the current
// generation, scheduling one if needed. Canceling ctx abandons only this
// caller's wait.
func (g *gate) RequestBuild(ctx context.Context) (*bundle.Stats, error) {
	g.mu.Lock()
	var (
		f    *flight
		fire bool
	)
	switch g.status {
	case StatusClosed:
		g.mu.Unlock()
		return nil, closedError(g.platform)
	case StatusReady:
		s := g.stats.Get(g.platform)
		g.mu.Unlock()
		return s, nil
	case StatusIdle, StatusInvalidated:
		f = g.openLocked(false)
		fire = true
	case StatusPending:
		if g.current.generation == g.generation {
			f = g.current
		} else {
			if g.next == nil {
				g.next = newFlight(g.generation)
			}
			f = g.next
		}
	}
	f.waiters++
	g.mu.Unlock()

	if fire {
		g.fire(f)
	}
	return g.await(ctx, f)
}

// claimLocked returns the generation for a newly scheduled build. Every
// build gets its own generation; the first build after an invalidation
// takes the one the invalidation advanced to.
func (g *gate) claimLocked() uint64 {
	if g.claimed {
		g.generation++
	}
	g.claimed = true
	return g.generation
}

// openLocked makes a new running flight with a fresh generation.
func (g *gate) openLocked(external bool) *flight {
	f := newFlight(g.claimLocked())
	f.external = external
	g.current = f
	g.status = StatusPending
	if !external {
		g.triggers++
		g.recorder.IncBuildTrigger(g.platform)
	}
	g.observer.BuildPending(g.platform, f.generation)
	g.logger.Debug("Build scheduled", logfields.Generation(f.generation), slog.Bool("external", external))
	return f
}

// fire calls the trigger outside the lock. A synchronous trigger failure
// fails the flight, which may promote a queued one; keep going until a
// trigger sticks or nothing is left to run.
func (g *gate) fire(f *flight) {
	for f != nil {
		err := g.trigger(f.generation)
		if err == nil {
			return
		}
		g.logger.Error("Build trigger failed", logfields.Generation(f.generation), logfields.Error(err))

		g.mu.Lock()
		if g.current != f {
			g.mu.Unlock()
			return
		}
		stats := bundle.Stats{Name: g.platform}.Normalized()
		f = g.finishLocked(f, &stats, nil, err)
		g.mu.Unlock()
	}
}

func (g *gate) await(ctx context.Context, f *flight) (*bundle.Stats, error) {
	select {
	case <-f.done:
		return f.stats, f.err
	case <-ctx.Done():
		return nil, ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "wait for build canceled").
			WithContext("platform", g.platform).
			Build()
	}
}

// BuildStarted records that the compiler began a build. Without a flight
// in progress the build was initiated by the compiler itself, so a flight
// is opened for requests to join.
func (g *gate) BuildStarted(generation uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.status == StatusClosed:
		return
	case g.current == nil:
		g.openLocked(true)
	case !g.current.accepts(generation):
		g.logger.Debug("Ignoring start of a stale build", logfields.Generation(generation))
	default:
		g.current.opened = time.Now()
	}
}

// BuildDone settles the running flight with the build outcome. Results for
// any other generation are discarded.
func (g *gate) BuildDone(generation uint64, result bundle.Result) {
	g.mu.Lock()
	f := g.current
	if g.status == StatusClosed || f == nil || !f.accepts(generation) {
		g.mu.Unlock()
		g.logger.Debug("Discarding stale build result", logfields.Generation(generation))
		return
	}
	stats := result.Stats.Normalized()
	if stats.Name == "" {
		stats.Name = g.platform
	}
	next := g.finishLocked(f, &stats, result.Assets, result.Err)
	g.mu.Unlock()

	if next != nil {
		g.fire(next)
	}
}

// finishLocked settles f, moves the gate to its next state and, when
// requests queued up behind f, opens their flight and returns it so the
// caller can fire it after unlocking.
func (g *gate) finishLocked(f *flight, stats *bundle.Stats, assets []bundle.Asset, buildErr error) *flight {
	g.current = nil
	superseded := f.generation != g.generation
	elapsed := time.Since(f.opened)
	g.recorder.ObserveBuildDuration(g.platform, elapsed)
	g.recorder.ObserveCoalescedWaiters(g.platform, f.waiters)

	log := g.logger.With(logfields.Generation(f.generation), logfields.Duration(elapsed), logfields.Waiters(f.waiters))
	if buildErr != nil {
		if len(stats.Errors) == 0 {
			stats.Errors = []string{buildErr.Error()}
		}
		err := compileError(g.platform, f.generation, buildErr)
		g.status = StatusInvalidated
		g.recorder.IncBuildOutcome(g.platform, metrics.BuildFailed)
		g.observer.BuildFailed(g.platform, f.generation, stats, err)
		f.settle(nil, err)
		log.Warn("Build failed", logfields.Error(buildErr))
	} else {
		g.stats.Set(g.platform, stats)
		g.observer.BuildSucceeded(g.platform, f.generation, stats, assets)
		f.settle(stats, nil)
		if superseded {
			g.status = StatusInvalidated
			g.recorder.IncBuildOutcome(g.platform, metrics.BuildSuperseded)
			log.Info("Build finished after invalidation", logfields.Hash(stats.Hash))
		} else {
			g.status = StatusReady
			g.recorder.IncBuildOutcome(g.platform, metrics.BuildSuccess)
			log.Info("Build finished", logfields.Hash(stats.Hash))
		}
	}

	if g.next == nil {
		return nil
	}
	queued := g.next
	g.next = nil
	g.openQueuedLocked(queued)
	return queued
}

func (g *gate) openQueuedLocked(f *flight) {
	f.generation = g.claimLocked()
	f.opened = time.Now()
	g.current = f
	g.status = StatusPending
	g.triggers++
	g.recorder.IncBuildTrigger(g.platform)
	g.observer.BuildPending(g.platform, f.generation)
	g.logger.Debug("Queued build scheduled", logfields.Generation(f.generation), logfields.Waiters(f.waiters))
}

// Invalidate marks the platform's output out of date. Nothing is rebuilt
// until the next request.
func (g *gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.status {
	case StatusReady:
		g.status = StatusInvalidated
	case StatusPending:
	default:
		return
	}
	g.generation++
	g.claimed = false
	g.logger.Debug("Build invalidated", logfields.Generation(g.generation), logfields.Status(g.status.String()))
}

// Close rejects every outstanding waiter. Further requests fail.
func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status == StatusClosed {
		return
	}
	g.status = StatusClosed
	for _, f := range []*flight{g.current, g.next} {
		if f != nil {
			g.recorder.IncBuildOutcome(g.platform, metrics.BuildCanceled)
			f.settle(nil, closedError(g.platform))
		}
	}
	g.current, g.next = nil, nil
}

// Triggers is the number of builds this gate has asked the compiler for.
func (g *gate) Triggers() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.triggers
}

func (g *gate) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

func (g *gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}
