package buildlog

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/packd/internal/events"
	"git.home.luguber.info/inful/packd/internal/logfields"
)

type startKey struct {
	platform   string
	generation uint64
}

// Recorder appends a Record for every events.BuildDone on the bus.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	starts map[startKey]time.Time
}

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, starts: make(map[startKey]time.Time)}
}

// Run consumes lifecycle events until ctx is done or the bus closes.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := events.Subscribe[events.Lifecycle](bus, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ctx, evt)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, evt events.Lifecycle) {
	switch e := evt.(type) {
	case events.BuildStarted:
		r.starts[startKey{e.Platform, e.Generation}] = e.At
	case events.BuildDone:
		key := startKey{e.Platform, e.Generation}
		rec := Record{
			Platform:   e.Platform,
			Generation: e.Generation,
			Hash:       e.Result.Stats.Hash,
			Status:     StatusSuccess,
			DurationMS: e.Result.Stats.Time,
			Warnings:   e.Result.Stats.Warnings,
			Errors:     e.Result.Stats.Errors,
			FinishedAt: e.At,
		}
		if started, ok := r.starts[key]; ok && !e.At.IsZero() {
			rec.DurationMS = e.At.Sub(started).Milliseconds()
		}
		delete(r.starts, key)
		if e.Result.Err != nil {
			rec.Status = StatusFailed
		}
		if _, err := r.store.Append(ctx, rec); err != nil {
			r.logger.Warn("Recording build failed", logfields.Platform(e.Platform), logfields.Error(err))
		}
	}
}
