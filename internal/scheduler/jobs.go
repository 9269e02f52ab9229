package scheduler

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/packd/internal/logfields"
)

// Job names.
const (
	JobPruneHistory = "prune-build-history"
	JobSweepClients = "sweep-hmr-clients"
)

// HistoryPruner drops build records older than a cutoff.
type HistoryPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ClientSweeper disconnects HMR subscribers idle for longer than idle.
type ClientSweeper interface {
	Sweep(idle time.Duration) map[string]int
}

// PruneHistory keeps retention worth of build history.
func PruneHistory(store HistoryPruner, retention time.Duration, logger *slog.Logger) Task {
	return func(ctx context.Context) error {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("Pruned build history", logfields.Job(JobPruneHistory), slog.Int64("records", n))
		}
		return nil
	}
}

// SweepClients drops HMR subscribers that stopped answering.
func SweepClients(hub ClientSweeper, idle time.Duration, logger *slog.Logger) Task {
	return func(context.Context) error {
		for platform, n := range hub.Sweep(idle) {
			logger.Info("Dropped idle HMR clients", logfields.Job(JobSweepClients), logfields.Platform(platform), logfields.Clients(n))
		}
		return nil
	}
}
