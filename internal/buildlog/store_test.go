package buildlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/packd/internal/bundle"
	"git.home.luguber.info/inful/packd/internal/events"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AppendAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Record{Platform: "ios", Generation: 0, Hash: "a", Status: StatusSuccess, DurationMS: 120})
	require.NoError(t, err)
	_, err = s.Append(ctx, Record{Platform: "ios", Generation: 1, Status: StatusFailed, Errors: []string{"index.js:1:1: boom"}})
	require.NoError(t, err)
	_, err = s.Append(ctx, Record{Platform: "android", Generation: 0, Hash: "b", Status: StatusSuccess})
	require.NoError(t, err)

	ios, err := s.List(ctx, "ios", 0)
	require.NoError(t, err)
	require.Len(t, ios, 2)
	assert.Equal(t, StatusFailed, ios[0].Status, "newest first")
	assert.Equal(t, []string{"index.js:1:1: boom"}, ios[0].Errors)
	assert.Equal(t, []string{}, ios[0].Warnings)
	assert.Equal(t, uint64(1), ios[0].Generation)
	assert.Equal(t, int64(120), ios[1].DurationMS)

	limited, err := s.List(ctx, "ios", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.List(ctx, "web", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Prune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Append(ctx, Record{Platform: "ios", Status: StatusSuccess, FinishedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = s.Append(ctx, Record{Platform: "ios", Status: StatusSuccess, FinishedAt: now})
	require.NoError(t, err)

	n, err := s.Prune(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.List(ctx, "ios", 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestStore_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Append(context.Background(), Record{Platform: "ios", Status: StatusSuccess})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	records, err := reopened.List(context.Background(), "ios", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecorder_StoresBuildDone(t *testing.T) {
	s := openStore(t)
	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := NewRecorder(s, nil)
	go rec.Run(ctx, bus)
	require.Eventually(t, func() bool { return events.SubscriberCount[events.Lifecycle](bus) == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, bus.Publish(ctx, events.BuildStarted{Platform: "ios", Generation: 2, At: start}))
	require.NoError(t, bus.Publish(ctx, events.BuildDone{
		Platform:   "ios",
		Generation: 2,
		Result:     bundle.Result{Stats: bundle.Stats{Hash: "h"}},
		At:         start.Add(250 * time.Millisecond),
	}))

	require.Eventually(t, func() bool {
		records, err := s.List(ctx, "ios", 0)
		return err == nil && len(records) == 1
	}, time.Second, 5*time.Millisecond)

	records, err := s.List(ctx, "ios", 0)
	require.NoError(t, err)
	assert.Equal(t, "h", records[0].Hash)
	assert.Equal(t, int64(250), records[0].DurationMS)
	assert.Equal(t, StatusSuccess, records[0].Status)
}
