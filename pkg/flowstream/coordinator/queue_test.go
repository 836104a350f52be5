package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := newQueue[int]()
	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_SignalCoalesces(t *testing.T) {
	q := newQueue[int]()
	q.Enqueue(1)
	q.Enqueue(2)

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestQueue_Close(t *testing.T) {
	q := newQueue[int]()
	q.Enqueue(1)
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(2))
	_, open := <-q.Wait()
	assert.False(t, open)

	v, ok := q.TryDequeue()
	require.True(t, ok, "items queued before close are still delivered")
	assert.Equal(t, 1, v)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := newQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}
