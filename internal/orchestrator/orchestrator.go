// Package orchestrator builds every configured platform on demand from one
// bundler session.
//
// Each platform has a gate that schedules at most one build at a time and
// lets concurrent requests share its outcome. Build output is cached per
// platform and lifecycle transitions are forwarded to a Notifier (the HMR
// hub). Nothing is built until an asset is requested.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"git.home.luguber.info/inful/packd/internal/bundle"
	"git.home.luguber.info/inful/packd/internal/events"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/logfields"
	"git.home.luguber.info/inful/packd/internal/metrics"
)

// Notifier receives build lifecycle notifications in per-platform order.
// Implementations must not block.
type Notifier interface {
	Building(platform string)
	Built(platform string, stats *bundle.Stats)
}

type noopNotifier struct{}

func (noopNotifier) Building(string)             {}
func (noopNotifier) Built(string, *bundle.Stats) {}

// PlatformState is a point-in-time view of one platform's gate.
type PlatformState struct {
	Platform   string `json:"platform"`
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
	Triggers   uint64 `json:"triggers"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithProjectRoot sets the directory "[projectRoot]" source names resolve against.
func WithProjectRoot(root string) Option {
	return func(o *Orchestrator) { o.projectRoot = root }
}

// WithSourceCacheSize bounds the number of source files kept in memory.
func WithSourceCacheSize(n int) Option {
	return func(o *Orchestrator) { o.sourceCacheSize = n }
}

const eventBuffer = 64

// Orchestrator is the surface the HTTP layer and the symbolication helpers
// talk to.
type Orchestrator struct {
	bundler   Bundler
	bus       *events.Bus
	platforms []string
	gates     map[string]*gate
	assets    *assetCache
	stats     *statsCache
	sources   *sourceReader

	notifier        Notifier
	recorder        metrics.Recorder
	logger          *slog.Logger
	projectRoot     string
	sourceCacheSize int

	started     atomic.Bool
	closed      atomic.Bool
	startMu     sync.Mutex
	buildCtx    context.Context
	cancelBuild context.CancelFunc
	unsubscribe func()
	stop        chan struct{}
	dispatched  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New validates the platform set and wires one gate per platform. Call
// Start before requesting assets.
func New(b Bundler, bus *events.Bus, platforms []string, opts ...Option) (*Orchestrator, error) {
	if b == nil {
		return nil, ferrors.ValidationError("bundler is required").Build()
	}
	if bus == nil {
		return nil, ferrors.ValidationError("event bus is required").Build()
	}
	if len(platforms) == 0 {
		return nil, ferrors.ValidationError("at least one platform is required").Build()
	}

	o := &Orchestrator{
		bundler:     b,
		bus:         bus,
		gates:       make(map[string]*gate, len(platforms)),
		assets:      newAssetCache(),
		stats:       newStatsCache(),
		notifier:    noopNotifier{},
		recorder:    metrics.NoopRecorder{},
		logger:      slog.Default(),
		projectRoot: ".",
		stop:        make(chan struct{}),
		dispatched:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	sources, err := newSourceReader(o.projectRoot, o.sourceCacheSize)
	if err != nil {
		return nil, err
	}
	o.sources = sources

	obs := &cacheObserver{o: o}
	for _, p := range platforms {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, ferrors.ValidationError("platform name cannot be empty").Build()
		}
		if _, dup := o.gates[p]; dup {
			return nil, ferrors.ValidationError("duplicate platform").WithContext("platform", p).Build()
		}
		o.platforms = append(o.platforms, p)
		o.gates[p] = newGate(p, o.triggerFor(p), obs, o.stats, o.recorder, o.logger)
	}
	return o, nil
}

func (o *Orchestrator) triggerFor(platform string) TriggerFunc {
	return func(generation uint64) error {
		return o.bundler.Build(o.buildCtx, BuildRequest{Platform: platform, Generation: generation})
	}
}

// Start subscribes to lifecycle events and begins dispatching them to the
// gates. No platform is built. ctx bounds the builds the orchestrator
// schedules.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if o.closed.Load() {
		return closedError("")
	}
	if o.started.Load() {
		return nil
	}

	o.buildCtx, o.cancelBuild = context.WithCancel(ctx)
	ch, unsubscribe := events.Subscribe[events.Lifecycle](o.bus, eventBuffer)
	o.unsubscribe = unsubscribe
	go o.dispatch(ch)
	o.started.Store(true)

	o.logger.Info("Orchestrator started", slog.Any("platforms", o.platforms))
	return nil
}

func (o *Orchestrator) dispatch(ch <-chan events.Lifecycle) {
	defer close(o.dispatched)
	for {
		select {
		case <-o.stop:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			o.handle(evt)
		}
	}
}

func (o *Orchestrator) handle(evt events.Lifecycle) {
	if e, ok := evt.(events.Invalidated); ok {
		o.invalidate(e.Platform)
		return
	}

	g, ok := o.gates[evt.LifecyclePlatform()]
	if !ok {
		o.logger.Debug("Ignoring event for unknown platform", logfields.Platform(evt.LifecyclePlatform()))
		return
	}
	switch e := evt.(type) {
	case events.BuildStarted:
		g.BuildStarted(e.Generation)
	case events.BuildDone:
		g.BuildDone(e.Generation, e.Result)
	}
}

// Close shuts the orchestrator down: outstanding waiters fail with a closed
// error, the bundler is closed and onClosed runs. Only the first call does
// the work; every call invokes its own onClosed.
func (o *Orchestrator) Close(onClosed func()) error {
	o.closeOnce.Do(func() {
		o.startMu.Lock()
		o.closed.Store(true)
		started := o.started.Load()
		o.startMu.Unlock()

		for _, p := range o.platforms {
			o.gates[p].Close()
		}
		if started {
			close(o.stop)
			o.unsubscribe()
			<-o.dispatched
			o.cancelBuild()
		}
		if err := o.bundler.Close(); err != nil {
			o.closeErr = ferrors.WrapError(err, ferrors.CategoryBundler, "close bundler").Build()
			o.logger.Error("Bundler close failed", logfields.Error(err))
		}
		o.logger.Info("Orchestrator closed")
	})
	if onClosed != nil {
		onClosed()
	}
	return o.closeErr
}

func (o *Orchestrator) gate(platform string) (*gate, error) {
	g, ok := o.gates[platform]
	if !ok {
		return nil, unknownPlatformError(platform)
	}
	return g, nil
}

func (o *Orchestrator) ready() error {
	if o.closed.Load() {
		return closedError("")
	}
	if !o.started.Load() {
		return ferrors.RuntimeError("orchestrator not started").Build()
	}
	return nil
}

// GetAsset returns a build output file for platform, building first when
// the platform's output is missing or out of date. When the build fails
// but an earlier build produced the file, that entry is returned with
// Stale set.
func (o *Orchestrator) GetAsset(ctx context.Context, filename, platform string) (*AssetEntry, error) {
	g, err := o.gate(platform)
	if err != nil {
		return nil, err
	}
	if err := o.ready(); err != nil {
		return nil, err
	}

	name := bundle.NormalizeFilename(filename)
	if _, err := g.RequestBuild(ctx); err != nil {
		if IsCompile(err) {
			if e, ok := o.assets.Lookup(platform, name); ok {
				e.Stale = true
				o.recorder.IncAssetRequest(platform, metrics.AssetStale)
				o.logger.Warn("Serving stale asset after failed build",
					logfields.Platform(platform), logfields.Filename(name))
				return &e, nil
			}
		}
		o.recorder.IncAssetRequest(platform, metrics.AssetError)
		return nil, err
	}

	e, ok := o.assets.Lookup(platform, name)
	if !ok {
		o.recorder.IncAssetRequest(platform, metrics.AssetNotFound)
		return nil, assetNotFoundError(platform, name)
	}
	o.recorder.IncAssetRequest(platform, metrics.AssetHit)
	return &e, nil
}

// GetSource returns the file a symbolication request points at: a project
// file for "[projectRoot]" names, otherwise the built asset.
func (o *Orchestrator) GetSource(ctx context.Context, fileURL string) ([]byte, error) {
	ref, err := parseFileURL(fileURL)
	if err != nil {
		return nil, err
	}
	if data, ok, err := o.sources.Read(ref.Filename); ok {
		return data, err
	}
	e, err := o.GetAsset(ctx, ref.Filename, ref.Platform)
	if err != nil {
		return nil, err
	}
	return e.Contents, nil
}

// GetSourceMap returns the source map of the file fileURL points at.
func (o *Orchestrator) GetSourceMap(ctx context.Context, fileURL string) ([]byte, error) {
	ref, err := parseFileURL(fileURL)
	if err != nil {
		return nil, err
	}
	name := ref.Filename
	if !strings.HasSuffix(name, ".map") {
		name += ".map"
	}
	if data, ok, err := o.sources.Read(name); ok {
		return data, err
	}
	e, err := o.GetAsset(ctx, name, ref.Platform)
	if err != nil {
		return nil, err
	}
	return e.Contents, nil
}

// GetHmrBody returns the latest successful snapshot of platform, or nil
// when it never built.
func (o *Orchestrator) GetHmrBody(platform string) (*bundle.Stats, error) {
	if _, err := o.gate(platform); err != nil {
		return nil, err
	}
	return o.stats.Get(platform), nil
}

// Invalidate marks platform out of date; "" invalidates every platform.
// The next request rebuilds.
func (o *Orchestrator) Invalidate(platform string) error {
	if platform != "" {
		if _, err := o.gate(platform); err != nil {
			return err
		}
	}
	o.invalidate(platform)
	return nil
}

func (o *Orchestrator) invalidate(platform string) {
	o.sources.Purge()
	if platform == "" {
		for _, p := range o.platforms {
			o.gates[p].Invalidate()
		}
		return
	}
	if g, ok := o.gates[platform]; ok {
		g.Invalidate()
	}
}

// Platforms returns the configured platforms in configuration order.
func (o *Orchestrator) Platforms() []string {
	return append([]string(nil), o.platforms...)
}

// Assets lists the cached output of platform without building.
func (o *Orchestrator) Assets(platform string) ([]AssetEntry, error) {
	if _, err := o.gate(platform); err != nil {
		return nil, err
	}
	return o.assets.List(platform), nil
}

// CompilationStats is the latest successful snapshot of platform, nil when
// it never built.
func (o *Orchestrator) CompilationStats(platform string) (*bundle.Stats, error) {
	return o.GetHmrBody(platform)
}

// State reports the gate of platform.
func (o *Orchestrator) State(platform string) (PlatformState, error) {
	g, err := o.gate(platform)
	if err != nil {
		return PlatformState{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return PlatformState{
		Platform:   platform,
		Status:     g.status.String(),
		Generation: g.generation,
		Triggers:   g.triggers,
	}, nil
}

// cacheObserver applies gate transitions to the caches and the notifier.
// It runs under the gate lock, so the cache is filled before waiters wake.
type cacheObserver struct {
	o *Orchestrator
}

func (c *cacheObserver) BuildPending(platform string, _ uint64) {
	c.o.notifier.Building(platform)
}

func (c *cacheObserver) BuildSucceeded(platform string, _ uint64, stats *bundle.Stats, assets []bundle.Asset) {
	c.o.assets.Replace(platform, assets)
	c.o.notifier.Built(platform, stats)
}

func (c *cacheObserver) BuildFailed(platform string, _ uint64, stats *bundle.Stats, _ error) {
	c.o.notifier.Built(platform, stats)
}
