package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"git.home.luguber.info/inful/packd/internal/bundle"
	"git.home.luguber.info/inful/packd/internal/events"
)

// fakeBundler publishes lifecycle events like the real bundler. In auto
// mode every build completes after delay; otherwise builds wait in queue
// until the test calls complete.
type fakeBundler struct {
	bus   *events.Bus
	auto  bool
	delay time.Duration

	mu         sync.Mutex
	calls      map[string]int
	gens       map[string][]uint64
	queue      chan BuildRequest
	fail       map[string]error // build result error per platform
	triggerErr error
	closed     int
}

func newFakeBundler(bus *events.Bus, auto bool) *fakeBundler {
	return &fakeBundler{
		bus:   bus,
		auto:  auto,
		delay: 20 * time.Millisecond,
		calls: make(map[string]int),
		gens:  make(map[string][]uint64),
		queue: make(chan BuildRequest, 32),
		fail:  make(map[string]error),
	}
}

func (f *fakeBundler) Build(_ context.Context, req BuildRequest) error {
	f.mu.Lock()
	f.calls[req.Platform]++
	f.gens[req.Platform] = append(f.gens[req.Platform], req.Generation)
	triggerErr := f.triggerErr
	f.mu.Unlock()
	if triggerErr != nil {
		return triggerErr
	}

	if f.auto {
		go f.run(req)
		return nil
	}
	f.queue <- req
	return nil
}

func (f *fakeBundler) run(req BuildRequest) {
	ctx := context.Background()
	_ = f.bus.Publish(ctx, events.BuildStarted{Platform: req.Platform, Generation: req.Generation, At: time.Now()})
	time.Sleep(f.delay)
	_ = f.bus.Publish(ctx, events.BuildDone{Platform: req.Platform, Generation: req.Generation, Result: f.result(req), At: time.Now()})
}

// next returns the oldest queued build request.
func (f *fakeBundler) next(timeout time.Duration) (BuildRequest, bool) {
	select {
	case req := <-f.queue:
		return req, true
	case <-time.After(timeout):
		return BuildRequest{}, false
	}
}

// complete publishes the outcome of req from a separate goroutine.
func (f *fakeBundler) complete(req BuildRequest) {
	go f.run(req)
}

func (f *fakeBundler) setFailure(platform string, err error) {
	f.mu.Lock()
	f.fail[platform] = err
	f.mu.Unlock()
}

func (f *fakeBundler) setTriggerErr(err error) {
	f.mu.Lock()
	f.triggerErr = err
	f.mu.Unlock()
}

func (f *fakeBundler) result(req BuildRequest) bundle.Result {
	f.mu.Lock()
	err := f.fail[req.Platform]
	f.mu.Unlock()

	if err != nil {
		return bundle.Result{
			Stats: bundle.Stats{Name: req.Platform, Errors: []string{"index.js:1:1: " + err.Error()}},
			Err:   err,
		}
	}

	code := append([]byte("var __PLATFORM__ = \""+req.Platform+"\";\n"), bytes.Repeat([]byte("x"), 150_000)...)
	return bundle.Result{
		Stats: bundle.Stats{
			Name:    req.Platform,
			Time:    12,
			Hash:    "hash-" + req.Platform,
			Modules: map[string]string{"0": "./index.js"},
		},
		Assets: []bundle.Asset{
			{Filename: "index.bundle", Contents: code},
			{Filename: "index.bundle.map", Contents: []byte(`{"version":3}`)},
		},
	}
}

func (f *fakeBundler) Calls(platform string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[platform]
}

// Generations lists the generation of every build requested for platform.
func (f *fakeBundler) Generations(platform string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.gens[platform]...)
}

func (f *fakeBundler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

var errSyntax = errors.New("unexpected token")

// recordingNotifier keeps every notification in order.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Building(platform string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, platform+":building")
	n.mu.Unlock()
}

func (n *recordingNotifier) Built(platform string, stats *bundle.Stats) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if stats.HasErrors() {
		n.msgs = append(n.msgs, platform+":built-errors")
		return
	}
	n.msgs = append(n.msgs, platform+":built")
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}
