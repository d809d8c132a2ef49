package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.post(func() { got = append(got, i) })
	}
	go l.run(ctx)

	require.NoError(t, l.call(ctx, func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopTasksPostedDuringDrainShareTheTick(t *testing.T) {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var trace []string
	l.afterTick = func() { trace = append(trace, "tick") }

	l.post(func() {
		trace = append(trace, "a")
		l.post(func() { trace = append(trace, "nested") })
	})
	go l.run(ctx)

	require.Eventually(t, func() bool {
		var n int
		_ = l.call(ctx, func() { n = len(trace) })
		return n >= 3
	}, time.Second, 5*time.Millisecond)

	var snapshot []string
	require.NoError(t, l.call(ctx, func() { snapshot = append(snapshot, trace...) }))
	assert.Equal(t, []string{"a", "nested", "tick"}, snapshot[:3])
}

func TestLoopPostAfterStop(t *testing.T) {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.False(t, l.post(func() {}))
	assert.ErrorIs(t, l.call(context.Background(), func() {}), ErrClosed)
}

func TestLoopSettleWaitsForAfterTick(t *testing.T) {
	l := newLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := 0
	l.afterTick = func() { ticks++ }
	go l.run(ctx)

	l.post(func() {})
	require.NoError(t, l.settle(ctx))

	var seen int
	require.NoError(t, l.call(ctx, func() { seen = ticks }))
	assert.GreaterOrEqual(t, seen, 1)
}
