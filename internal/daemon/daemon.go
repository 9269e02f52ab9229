// Package daemon wires the packd dev server together: event bus, esbuild
// bundler, orchestrator, HMR hub, file watcher, build history, scheduler
// and the HTTP server.
package daemon

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/packd/internal/buildlog"
	"git.home.luguber.info/inful/packd/internal/bundler"
	"git.home.luguber.info/inful/packd/internal/config"
	"git.home.luguber.info/inful/packd/internal/events"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/hmr"
	"git.home.luguber.info/inful/packd/internal/logfields"
	"git.home.luguber.info/inful/packd/internal/metrics"
	"git.home.luguber.info/inful/packd/internal/orchestrator"
	"git.home.luguber.info/inful/packd/internal/scheduler"
	"git.home.luguber.info/inful/packd/internal/server"
	"git.home.luguber.info/inful/packd/internal/version"
	"git.home.luguber.info/inful/packd/internal/watch"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Daemon owns every long-running component of the dev server.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	status atomic.Value
	mu     sync.Mutex

	bus       *events.Bus
	registry  *prometheus.Registry
	hub       *hmr.Hub
	sink      *hmr.NATSSink
	bundler   *bundler.Bundler
	orch      *orchestrator.Orchestrator
	history   *buildlog.Store
	watcher   *watch.Watcher
	scheduler *scheduler.Scheduler
	server    *server.Server

	listener  net.Listener
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	serveErr  chan error
}

// New builds every component from cfg without starting anything.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, ferrors.ConfigError("configuration is required").Build()
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger, serveErr: make(chan error, 1)}
	d.status.Store(StatusStopped)

	if err := d.build(); err != nil {
		d.abandon()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	cfg := d.cfg
	d.bus = events.NewBus()

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(d.registry)

	hubOpts := []hmr.Option{
		hmr.WithQueueSize(cfg.HMR.QueueSize),
		hmr.WithRecorder(recorder),
		hmr.WithLogger(d.logger),
	}
	if cfg.Events.NATSURL != "" {
		sink, err := hmr.NewNATSSink(hmr.NATSConfig{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
			KVBucket:      cfg.Events.KVBucket,
		})
		if err != nil {
			return err
		}
		d.sink = sink
		hubOpts = append(hubOpts, hmr.WithSink(sink))
	}
	d.hub = hmr.NewHub(hubOpts...)

	b, err := bundler.New(bundler.Config{
		Root:   cfg.Project.Root,
		Entry:  cfg.Project.Entry,
		OutDir: cfg.Project.OutDir,
		Dev:    cfg.Project.Dev,
		Minify: cfg.Project.Minify,
		Define: cfg.Project.Define,
	}, d.bus, d.logger)
	if err != nil {
		return err
	}
	d.bundler = b

	orch, err := orchestrator.New(b, d.bus, cfg.Project.Platforms,
		orchestrator.WithNotifier(d.hub),
		orchestrator.WithRecorder(recorder),
		orchestrator.WithLogger(d.logger),
		orchestrator.WithProjectRoot(cfg.Project.Root),
		orchestrator.WithSourceCacheSize(cfg.Project.SourceCacheSize))
	if err != nil {
		return err
	}
	d.orch = orch

	if cfg.History.Enabled {
		store, err := buildlog.Open(cfg.History.DSN)
		if err != nil {
			return err
		}
		d.history = store
	}

	sched, err := scheduler.New(d.logger)
	if err != nil {
		return err
	}
	d.scheduler = sched
	if d.history != nil {
		if _, err := sched.ScheduleEvery(scheduler.JobPruneHistory, cfg.History.PruneInterval,
			scheduler.PruneHistory(d.history, cfg.History.Retention, d.logger)); err != nil {
			return err
		}
	}
	if cfg.HMR.SweepInterval > 0 && cfg.HMR.IdleTimeout > 0 {
		if _, err := sched.ScheduleEvery(scheduler.JobSweepClients, cfg.HMR.SweepInterval,
			scheduler.SweepClients(d.hub, cfg.HMR.IdleTimeout, d.logger)); err != nil {
			return err
		}
	}

	srvOpts := []server.Option{server.WithLogger(d.logger)}
	if d.history != nil {
		srvOpts = append(srvOpts, server.WithHistory(d.history))
	}
	if cfg.Server.Metrics {
		srvOpts = append(srvOpts, server.WithMetrics(d.registry))
	}
	d.server = server.New(server.Config{
		Addr:           d.addr(),
		RequestTimeout: cfg.Server.RequestTimeout,
		PingInterval:   cfg.HMR.PingInterval,
		PongWait:       cfg.HMR.IdleTimeout,
	}, d.orch, d.hub, srvOpts...)

	// last: the fsnotify handle is only released by Run
	if cfg.Watch.Enabled {
		w, err := watch.New(watch.Config{
			Root:     cfg.Project.Root,
			Ignore:   append([]string{cfg.Project.OutDir}, cfg.Watch.Ignore...),
			Debounce: cfg.Watch.Debounce,
		}, d.bus, d.logger)
		if err != nil {
			return err
		}
		d.watcher = w
	}
	return nil
}

func (d *Daemon) addr() string {
	return net.JoinHostPort(d.cfg.Server.Host, strconv.Itoa(d.cfg.Server.Port))
}

// Start binds the HTTP listener and starts every component. A Daemon runs
// once; build a new one to start again after Stop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.GetStatus(); s != StatusStopped {
		return ferrors.RuntimeError("daemon is not stopped").WithContext("status", string(s)).Build()
	}
	d.status.Store(StatusStarting)
	d.startTime = time.Now()

	l, err := net.Listen("tcp", d.addr())
	if err != nil {
		d.status.Store(StatusError)
		return ferrors.WrapError(err, ferrors.CategoryTransport, "listen").
			WithContext("addr", d.addr()).
			UserAction().
			Build()
	}
	d.listener = l

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.orch.Start(runCtx); err != nil {
		cancel()
		_ = l.Close()
		d.status.Store(StatusError)
		return err
	}
	if d.history != nil {
		rec := buildlog.NewRecorder(d.history, d.logger)
		d.goRun(func() { rec.Run(runCtx, d.bus) })
	}
	if d.watcher != nil {
		d.goRun(func() {
			if err := d.watcher.Run(runCtx); err != nil {
				d.logger.Error("File watcher stopped", logfields.Error(err))
			}
		})
	}
	d.scheduler.Start(runCtx)
	d.goRun(func() {
		if err := d.server.Serve(l); err != nil {
			d.serveErr <- err
		}
	})

	d.status.Store(StatusRunning)
	d.logger.Info("packd started",
		slog.String("version", version.Version),
		slog.String("addr", l.Addr().String()),
		slog.Any("platforms", d.cfg.Project.Platforms),
		slog.Bool("watch", d.watcher != nil),
		slog.Bool("history", d.history != nil),
		slog.Bool("nats", d.sink != nil))
	return nil
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Run starts the daemon and blocks until ctx is done or the HTTP server
// fails, then stops it within shutdownTimeout.
func (d *Daemon) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-d.serveErr:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop shuts components down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.GetStatus(); s == StatusStopped || s == StatusStopping {
		return nil
	}
	d.status.Store(StatusStopping)
	d.logger.Info("Stopping packd")

	var firstErr error
	keep := func(err error) {
		if err != nil {
			d.logger.Error("Shutdown step failed", logfields.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	keep(d.server.Shutdown(ctx))
	d.hub.Shutdown()
	keep(d.scheduler.Stop(ctx))
	if d.cancel != nil {
		d.cancel()
	}
	keep(d.orch.Close(func() { d.logger.Info("Compiler closed") }))
	d.wg.Wait()
	d.release()

	d.status.Store(StatusStopped)
	d.logger.Info("packd stopped", slog.Duration("uptime", time.Since(d.startTime)))
	return firstErr
}

// abandon tears down a partially built daemon.
func (d *Daemon) abandon() {
	switch {
	case d.orch != nil:
		_ = d.orch.Close(nil)
	case d.bundler != nil:
		_ = d.bundler.Close()
	}
	if d.hub != nil {
		d.hub.Shutdown()
	}
	d.release()
}

// release closes resources that outlive a single Start.
func (d *Daemon) release() {
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.logger.Error("Failed to close build history", logfields.Error(err))
		}
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			d.logger.Error("Failed to close NATS sink", logfields.Error(err))
		}
	}
	if d.bus != nil {
		d.bus.Close()
	}
}

func (d *Daemon) GetStatus() Status {
	s, ok := d.status.Load().(Status)
	if !ok {
		return StatusError
	}
	return s
}

// Addr is the bound listener address once started.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Orchestrator exposes the compiler facade, mainly for tests.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }
