package feed

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/livesync/internal/protocol"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	s, err := OpenStore(filepath.Join(t.TempDir(), "feed.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func insert(resource string, row map[string]any) Change {
	return Change{Resource: resource, Op: protocol.OpInsert, New: row}
}

func TestStoreAppendAssignsIncreasingIDs(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	ev1, err := s.Append(ctx, insert("messages", map[string]any{"id": 1, "body": "hi"}))
	require.NoError(t, err)
	clk.Advance(time.Second)
	ev2, err := s.Append(ctx, Change{
		Resource: "messages",
		Op:       protocol.OpDelete,
		Old:      map[string]any{"id": 1},
		Actor:    "u1",
	})
	require.NoError(t, err)

	assert.Equal(t, "1", ev1.ID)
	assert.Equal(t, "2", ev2.ID)
	assert.Equal(t, protocol.TypeChange, ev1.Type)
	assert.Equal(t, epoch, ev1.Timestamp)
	assert.Equal(t, epoch.Add(time.Second), ev2.Timestamp)
}

func TestStoreAppendValidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for name, c := range map[string]Change{
		"no resource":   {Op: protocol.OpInsert, New: map[string]any{}},
		"bad op":        {Resource: "m", Op: "UPSERT", New: map[string]any{}},
		"insert no row": {Resource: "m", Op: protocol.OpInsert},
	} {
		_, err := s.Append(ctx, c)
		assert.Error(t, err, name)
	}
}

func TestStoreSince(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		resource := "messages"
		if i%2 == 0 {
			resource = "tasks"
		}
		_, err := s.Append(ctx, insert(resource, map[string]any{"n": i}))
		require.NoError(t, err)
	}

	evs, err := s.Since(ctx, "messages", 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, []string{"1", "3", "5"}, []string{evs[0].ID, evs[1].ID, evs[2].ID})
	assert.Equal(t, float64(3), evs[1].New["n"])
	assert.Nil(t, evs[1].Old)
	assert.Equal(t, epoch, evs[0].Timestamp)

	evs, err = s.Since(ctx, "messages", 3, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "5", evs[0].ID)

	evs, err = s.Since(ctx, "messages", 0, 2)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestStorePruneAdvancesHorizon(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, insert("messages", map[string]any{"n": i}))
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	h, err := s.Horizon(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), h)

	evs, err := s.Since(ctx, "messages", 0, 100)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "8", evs[0].ID)

	n, err = s.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Ids are not reused after pruning.
	ev, err := s.Append(ctx, insert("messages", map[string]any{"n": 10}))
	require.NoError(t, err)
	assert.Equal(t, "11", ev.ID)
}

func TestStoreRange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i, resource := range []string{"messages", "tasks", "messages", "tasks"} {
		_, err := s.Append(ctx, insert(resource, map[string]any{"n": i}))
		require.NoError(t, err)
	}

	evs, err := s.Range(ctx, 1, 3, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "tasks", evs[0].Resource)
	assert.Equal(t, "messages", evs[1].Resource)
	assert.Equal(t, "3", evs[1].ID)
}

func TestStorePruneArchived(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := s.Append(ctx, insert("messages", map[string]any{"n": i}))
		require.NoError(t, err)
	}

	boom := errors.New("archive unavailable")
	_, err := s.PruneArchived(ctx, 2, 2, func(context.Context, []protocol.Event) error { return boom })
	require.ErrorIs(t, err, boom)
	h, err := s.Horizon(ctx)
	require.NoError(t, err)
	assert.Zero(t, h, "failed archive must not prune")

	var batches [][]string
	archive := func(_ context.Context, batch []protocol.Event) error {
		var ids []string
		for _, ev := range batch {
			ids = append(ids, ev.ID)
		}
		batches = append(batches, ids)
		return nil
	}
	n, err := s.PruneArchived(ctx, 2, 2, archive)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}, {"5"}}, batches)

	// The next prune only archives what is newly behind the cutoff.
	batches = nil
	_, err = s.Append(ctx, insert("messages", map[string]any{"n": 7}))
	require.NoError(t, err)
	_, err = s.PruneArchived(ctx, 2, 2, archive)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"6"}}, batches)
}

func TestStoreHead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, insert("tasks", map[string]any{"n": i}))
		require.NoError(t, err)
	}
	head, err = s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	// Pruning everything keeps the head where it was.
	_, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	head, err = s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	ev, err := s.Append(ctx, insert("tasks", nil))
	require.NoError(t, err)
	assert.Equal(t, "4", ev.ID)
}

func TestParseCursor(t *testing.T) {
	id, err := ParseCursor("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "abc", "-1", "1.5"} {
		_, err := ParseCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}
