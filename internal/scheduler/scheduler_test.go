package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_ScheduleCron(t *testing.T) {
	t.Run("returns job id for valid cron", func(t *testing.T) {
		s, err := New(nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Stop(context.Background()) })

		id, err := s.ScheduleCron("test", "0 */4 * * *", func(context.Context) error { return nil })
		require.NoError(t, err)
		require.NotEmpty(t, id)
	})

	t.Run("rejects invalid cron", func(t *testing.T) {
		s, err := New(nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Stop(context.Background()) })

		_, err = s.ScheduleCron("test", "this is not a cron", func(context.Context) error { return nil })
		require.Error(t, err)
	})
}

func TestScheduler_ScheduleEvery(t *testing.T) {
	t.Run("rejects non-positive interval", func(t *testing.T) {
		s, err := New(nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Stop(context.Background()) })

		_, err = s.ScheduleEvery("test", 0, func(context.Context) error { return nil })
		require.Error(t, err)
	})

	t.Run("runs the task repeatedly", func(t *testing.T) {
		s, err := New(nil)
		require.NoError(t, err)

		var runs atomic.Int32
		_, err = s.ScheduleEvery("tick", 20*time.Millisecond, func(context.Context) error {
			runs.Add(1)
			return errors.New("logged, not fatal")
		})
		require.NoError(t, err)

		s.Start(context.Background())
		require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, s.Stop(context.Background()))
	})
}

type fakePruner struct {
	mu     sync.Mutex
	cutoff time.Time
}

func (f *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	return 3, nil
}

type fakeSweeper struct{ idle time.Duration }

func (f *fakeSweeper) Sweep(idle time.Duration) map[string]int {
	f.idle = idle
	return map[string]int{"ios": 1}
}

func TestJobs(t *testing.T) {
	logger := slog.Default()

	pruner := &fakePruner{}
	before := time.Now()
	require.NoError(t, PruneHistory(pruner, time.Hour, logger)(context.Background()))
	assert.WithinDuration(t, before.Add(-time.Hour), pruner.cutoff, time.Second)

	sweeper := &fakeSweeper{}
	require.NoError(t, SweepClients(sweeper, 90*time.Second, logger)(context.Background()))
	assert.Equal(t, 90*time.Second, sweeper.idle)
}
