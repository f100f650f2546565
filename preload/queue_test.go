package preload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(4)

	require.True(t, q.Enqueue("a"))
	require.True(t, q.Enqueue("b"))
	require.True(t, q.Enqueue("a"), "duplicates are kept")
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "a"} {
		id, ok := q.Dequeue(context.Background(), time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, want, id)
	}
	assert.Zero(t, q.Len())
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(2)

	assert.True(t, q.Enqueue("a"))
	assert.True(t, q.Enqueue("b"))
	assert.False(t, q.Enqueue("c"))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())
}

func TestQueue_DefaultSize(t *testing.T) {
	assert.Equal(t, DefaultQueueSize, NewQueue(0).Cap())
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := NewQueue(1)

	start := time.Now()
	_, ok := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_DequeueCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Dequeue(ctx, time.Minute)
	assert.False(t, ok)
}

func TestQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := NewQueue(1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue("late")
	}()

	id, ok := q.Dequeue(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", id)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue(1000)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Enqueue("x")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, q.Len())
	assert.False(t, q.Enqueue("overflow"))
}
