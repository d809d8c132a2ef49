package archive

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/livesync/internal/protocol"
)

func events(resource string, from, to int) []protocol.Event {
	var out []protocol.Event
	for id := from; id <= to; id++ {
		out = append(out, protocol.Event{
			Type:      protocol.TypeChange,
			ID:        strconv.Itoa(id),
			Resource:  resource,
			Op:        protocol.OpInsert,
			New:       map[string]any{"n": float64(id)},
			Timestamp: time.Date(2026, 1, 1, 0, 0, id, 0, time.UTC),
		})
	}
	return out
}

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(context.Background(), Config{Kind: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSegmentKey(t *testing.T) {
	key := SegmentKey(1, 250)
	assert.Equal(t, "changes/00000000000000000001-00000000000000000250.jsonl", key)

	from, to, ok := ParseSegmentKey(key)
	require.True(t, ok)
	assert.Equal(t, int64(1), from)
	assert.Equal(t, int64(250), to)

	// Zero padding keeps lexical order numeric.
	assert.Less(t, SegmentKey(9, 9), SegmentKey(10, 10))

	for _, bad := range []string{"changes/1.jsonl", "other/1-2.jsonl", "changes/5-2.jsonl", "changes/a-b.jsonl", "changes/1-2.json"} {
		_, _, ok := ParseSegmentKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	a, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = Open(ctx, Config{Kind: "local"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Kind: "tape"})
	assert.ErrorContains(t, err, "unknown backend")

	_, err = Open(ctx, Config{Kind: "s3"})
	assert.ErrorContains(t, err, "bucket name is required")
}

func TestPutAndSegments(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	_, err := a.Put(ctx, nil)
	assert.Error(t, err)

	seg, err := a.Put(ctx, events("tasks", 11, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(11), seg.From)
	assert.Equal(t, int64(20), seg.To)
	assert.Positive(t, seg.Size)

	_, err = a.Put(ctx, events("tasks", 1, 10))
	require.NoError(t, err)

	segs, err := a.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, int64(1), segs[0].From)
	assert.Equal(t, int64(11), segs[1].From)
}

func TestPutKeepsExistingSegment(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocal(dir)
	require.NoError(t, err)
	a := New(b)
	ctx := context.Background()

	first, err := a.Put(ctx, events("tasks", 1, 3))
	require.NoError(t, err)

	// A retried prune archives the same range again.
	again, err := a.Put(ctx, events("notes", 1, 3))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	segs, err := a.Segments(ctx)
	require.NoError(t, err)
	assert.Len(t, segs, 1)

	got, err := New(b).Since(ctx, "tasks", 0, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSince(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	mixed := append(events("tasks", 1, 3), events("messages", 4, 5)...)
	_, err := a.Put(ctx, mixed)
	require.NoError(t, err)
	_, err = a.Put(ctx, events("tasks", 6, 8))
	require.NoError(t, err)

	got, err := a.Since(ctx, "tasks", 2, 7)
	require.NoError(t, err)
	var ids []string
	for _, ev := range got {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"3", "6", "7"}, ids)
	assert.Equal(t, float64(3), got[0].New["n"])
	assert.True(t, got[0].Timestamp.Equal(time.Date(2026, 1, 1, 0, 0, 3, 0, time.UTC)))

	got, err = a.Since(ctx, "messages", 0, 100)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = a.Since(ctx, "tasks", 8, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSinceCachesSegments(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocal(dir)
	require.NoError(t, err)
	a := New(b)
	ctx := context.Background()

	seg, err := a.Put(ctx, events("tasks", 1, 2))
	require.NoError(t, err)
	_, err = a.Since(ctx, "tasks", 0, 2)
	require.NoError(t, err)

	// A corrupted object is not re-read once cached.
	_, err = b.Write(ctx, seg.Key, strings.NewReader("not json\n"), contentType)
	require.NoError(t, err)
	got, err := a.Since(ctx, "tasks", 0, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	fresh := New(b)
	_, err = fresh.Since(ctx, "tasks", 0, 2)
	assert.Error(t, err)
}
