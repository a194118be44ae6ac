package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue_DequeueOrdersByPriorityThenCreatedAt(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	base := time.Now()
	low := &Task{ID: "low", Priority: PriorityLow, CreatedAt: base}
	highLater := &Task{ID: "high-later", Priority: PriorityHigh, CreatedAt: base.Add(time.Second)}
	highEarlier := &Task{ID: "high-earlier", Priority: PriorityHigh, CreatedAt: base}

	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, highLater))
	require.NoError(t, q.Enqueue(ctx, highEarlier))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high-earlier", first.ID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high-later", second.ID)

	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low", third.ID)
}

func TestInMemoryQueue_EnqueueRejectsWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "a", CreatedAt: time.Now()}))

	err := q.Enqueue(ctx, &Task{ID: "b", CreatedAt: time.Now()})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindQueueFull, kind)
}

func TestInMemoryQueue_CancelledTaskHiddenFromPeek(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()
	task := &Task{ID: "a", CreatedAt: time.Now()}
	require.NoError(t, q.Enqueue(ctx, task))

	ok, err := q.Cancel(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	peeked, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, peeked)
}

func TestInMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	resultCh := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		assert.NoError(t, err)
		resultCh <- task
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &Task{ID: "late", CreatedAt: time.Now()}))

	select {
	case task := <-resultCh:
		assert.Equal(t, "late", task.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock")
	}
}

func TestInMemoryQueue_CloseUnblocksDequeue(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on close")
	}
}

func TestPriorityQueue_DrainsHighestLevelFirst(t *testing.T) {
	pq := NewPriorityQueue([]Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}, 0)
	ctx := context.Background()

	require.NoError(t, pq.Enqueue(ctx, &Task{ID: "low", Priority: PriorityLow, CreatedAt: time.Now()}))
	require.NoError(t, pq.Enqueue(ctx, &Task{ID: "critical", Priority: PriorityCritical, CreatedAt: time.Now()}))

	task, err := pq.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "critical", task.ID)
}

func TestPriorityQueue_FallsBackToNearestLevel(t *testing.T) {
	pq := NewPriorityQueue([]Priority{PriorityLow, PriorityHigh}, 0)
	q := pq.queueFor(PriorityNormal)
	assert.NotNil(t, q)
}
