// Package watch turns file system changes under the project root into
// debounced events.Invalidated notifications.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/packd/internal/events"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/logfields"
)

// DefaultDebounce is the quiet period that closes a burst of changes.
const DefaultDebounce = 100 * time.Millisecond

// Config controls what is watched.
type Config struct {
	Root     string
	Ignore   []string // globs matched against the slash path relative to Root and against the base name
	Debounce time.Duration
}

// Watcher publishes one events.Invalidated per burst of changes.
type Watcher struct {
	cfg    Config
	root   string
	bus    *events.Bus
	logger *slog.Logger
	fs     *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	flushCh chan struct{}
}

// New watches every directory under cfg.Root that is not ignored.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "resolve watch root").
			WithContext("root", cfg.Root).
			Build()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryWatcher, "create file watcher").Build()
	}
	w := &Watcher{
		cfg:     cfg,
		root:    root,
		bus:     bus,
		logger:  logger,
		fs:      fsw,
		pending: make(map[string]struct{}),
		flushCh: make(chan struct{}, 1),
	}
	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes file events until ctx is done. Watcher errors are logged
// and never end the loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.fs.Close()
	}()

	w.logger.Info("Watching project for changes", logfields.Path(w.root))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			werr := ferrors.WrapError(err, ferrors.CategoryWatcher, "file watcher error").Warning().Build()
			w.logger.Warn("Watcher error", logfields.Error(werr))
		case <-w.flushCh:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("Watching new directory failed", logfields.Path(ev.Name), logfields.Error(err))
			}
		}
	}
	if ev.Op == fsnotify.Chmod {
		return
	}

	rel := w.rel(ev.Name)
	w.logger.Debug("File change detected", logfields.Path(rel), slog.String("op", ev.Op.String()))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[rel] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, func() {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	if err := w.bus.Publish(ctx, events.Invalidated{Paths: paths, At: time.Now()}); err != nil {
		w.logger.Warn("Publishing invalidation failed", logfields.Error(err))
		return
	}
	w.logger.Info("Sources changed", slog.Int("files", len(paths)))
}

func (w *Watcher) rel(name string) string {
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return filepath.ToSlash(name)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return ferrors.WrapError(err, ferrors.CategoryWatcher, "walk watch root").
					WithContext("path", p).
					Build()
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			w.logger.Warn("Watch add failed", logfields.Path(p), logfields.Error(err))
		}
		return nil
	})
}

// ignored reports whether changes to name never invalidate a build.
func (w *Watcher) ignored(name string) bool {
	base := filepath.Base(name)
	switch {
	case strings.HasPrefix(base, "."),
		strings.HasSuffix(base, "~"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, ".swx"),
		strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#"),
		base == "node_modules",
		base == "Thumbs.db":
		return true
	}
	rel := w.rel(name)
	for _, part := range strings.Split(rel, "/") {
		if part == "node_modules" {
			return true
		}
	}
	for _, pattern := range w.cfg.Ignore {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
