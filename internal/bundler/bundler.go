// Package bundler drives esbuild for the orchestrator: one incremental
// build context per platform, output kept in memory.
package bundler

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"git.home.luguber.info/inful/packd/internal/bundle"
	"git.home.luguber.info/inful/packd/internal/events"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/logfields"
	"git.home.luguber.info/inful/packd/internal/orchestrator"
)

// Config describes the project being bundled.
type Config struct {
	Root   string // project root, absolute or relative to the working directory
	Entry  string // entry point relative to Root
	OutDir string // virtual output directory relative to Root; nothing is written
	Dev    bool
	Minify bool
	Define map[string]string
}

// Bundler implements orchestrator.Bundler with esbuild.
type Bundler struct {
	cfg    Config
	root   string
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	contexts map[string]api.BuildContext
	locks    map[string]*sync.Mutex
	closed   bool
	running  sync.WaitGroup
}

var _ orchestrator.Bundler = (*Bundler)(nil)

// New validates cfg. bus may be nil when only Compile is used.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) (*Bundler, error) {
	if cfg.Entry == "" {
		return nil, ferrors.ConfigError("entry point is required").Build()
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "dist"
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "resolve project root").
			WithContext("root", cfg.Root).
			Build()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundler{
		cfg:      cfg,
		root:     root,
		bus:      bus,
		logger:   logger,
		contexts: make(map[string]api.BuildContext),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Build schedules a build of req.Platform and returns immediately. The
// outcome is published on the bus as BuildStarted then BuildDone.
func (b *Bundler) Build(ctx context.Context, req orchestrator.BuildRequest) error {
	if b.bus == nil {
		return ferrors.InternalError("bundler has no event bus").Build()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ferrors.ClosedError("bundler closed").WithContext("platform", req.Platform).Build()
	}
	lock := b.locks[req.Platform]
	if lock == nil {
		lock = &sync.Mutex{}
		b.locks[req.Platform] = lock
	}
	b.running.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.running.Done()
		lock.Lock()
		defer lock.Unlock()
		b.run(ctx, req)
	}()
	return nil
}

func (b *Bundler) run(ctx context.Context, req orchestrator.BuildRequest) {
	log := b.logger.With(logfields.Platform(req.Platform), logfields.Generation(req.Generation))
	if err := b.bus.Publish(ctx, events.BuildStarted{Platform: req.Platform, Generation: req.Generation, At: time.Now()}); err != nil {
		log.Debug("BuildStarted not delivered", logfields.Error(err))
		return
	}

	result := b.Compile(req.Platform)

	done := events.BuildDone{Platform: req.Platform, Generation: req.Generation, Result: result, At: time.Now()}
	if err := b.bus.Publish(ctx, done); err != nil {
		log.Debug("BuildDone not delivered", logfields.Error(err))
	}
}

// Compile builds platform synchronously, reusing its incremental context.
func (b *Bundler) Compile(platform string) bundle.Result {
	start := time.Now()
	bc, err := b.context(platform)
	if err != nil {
		return bundle.Result{
			Stats: bundle.Stats{Name: platform, Errors: []string{err.Error()}},
			Err:   err,
		}
	}
	res := bc.Rebuild()
	return convertResult(platform, res, b.outDir(), time.Since(start))
}

func (b *Bundler) outDir() string {
	return filepath.Join(b.root, filepath.FromSlash(b.cfg.OutDir))
}

func (b *Bundler) context(platform string) (api.BuildContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ferrors.ClosedError("bundler closed").WithContext("platform", platform).Build()
	}
	if bc, ok := b.contexts[platform]; ok {
		return bc, nil
	}

	bc, ctxErr := api.Context(b.options(platform))
	if ctxErr != nil {
		return nil, ferrors.BundlerError("create build context").
			WithContext("platform", platform).
			WithContext("errors", formatMessages(ctxErr.Errors)).
			Build()
	}
	b.contexts[platform] = bc
	b.logger.Debug("Created esbuild context", logfields.Platform(platform))
	return bc, nil
}

func (b *Bundler) options(platform string) api.BuildOptions {
	nodeEnv := "production"
	if b.cfg.Dev {
		nodeEnv = "development"
	}
	define := map[string]string{
		"__DEV__":              strconv.FormatBool(b.cfg.Dev),
		"process.env.NODE_ENV": strconv.Quote(nodeEnv),
		"__PLATFORM__":         strconv.Quote(platform),
	}
	for k, v := range b.cfg.Define {
		define[k] = v
	}

	return api.BuildOptions{
		EntryPoints:       []string{b.cfg.Entry},
		AbsWorkingDir:     b.root,
		Outdir:            b.outDir(),
		OutExtension:      map[string]string{".js": ".bundle"},
		Bundle:            true,
		Write:             false,
		Metafile:          true,
		Sourcemap:         api.SourceMapLinked,
		Format:            api.FormatIIFE,
		Platform:          api.PlatformBrowser,
		Target:            api.ES2020,
		ResolveExtensions: ResolveExtensions(platform),
		Loader: map[string]api.Loader{
			".js":  api.LoaderJSX,
			".png": api.LoaderFile,
			".jpg": api.LoaderFile,
		},
		Define:            define,
		MinifyWhitespace:  b.cfg.Minify,
		MinifyIdentifiers: b.cfg.Minify,
		MinifySyntax:      b.cfg.Minify,
		LogLevel:          api.LogLevelSilent,
	}
}

// ResolveExtensions orders module resolution so that "./App" prefers
// App.<platform>.js, then App.native.js, then App.js.
func ResolveExtensions(platform string) []string {
	base := []string{".tsx", ".ts", ".jsx", ".js", ".json"}
	out := make([]string, 0, len(base)*3)
	for _, prefix := range []string{"." + platform, ".native", ""} {
		for _, ext := range base {
			if prefix != "" && ext == ".json" {
				continue
			}
			out = append(out, prefix+ext)
		}
	}
	return out
}

// Close waits for running builds and disposes every esbuild context.
func (b *Bundler) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.running.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for platform, bc := range b.contexts {
		bc.Dispose()
		delete(b.contexts, platform)
	}
	return nil
}
