package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/changewatch/internal/watch"
)

func TestWorkQueue_FIFOAndDedup(t *testing.T) {
	t.Parallel()

	q := NewWorkQueue()
	require.True(t, q.Push("a"))
	require.True(t, q.Push("b"))
	require.False(t, q.Push("a"), "duplicate push rejected")
	require.Equal(t, 2, q.Len())

	id, ok := q.TryDequeue()
	require.True(t, ok)
	require.Equal(t, "a", id)
	require.True(t, q.Contains("a"), "membership held until Done")
	require.False(t, q.Push("a"))

	q.Done("a")
	require.False(t, q.Contains("a"))
	require.True(t, q.Push("a"))

	id, _ = q.TryDequeue()
	require.Equal(t, "b", id)
	id, _ = q.TryDequeue()
	require.Equal(t, "a", id)

	_, ok = q.TryDequeue()
	require.False(t, ok, "empty queue does not block")
}

func TestWorkQueue_ConcurrentPushesDedup(t *testing.T) {
	t.Parallel()

	q := NewWorkQueue()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Push(fmt.Sprintf("id-%d", i%5))
		}(i)
	}
	wg.Wait()
	require.Equal(t, 5, q.Len())
}

func TestNotificationQueue_PushPop(t *testing.T) {
	t.Parallel()

	q := NewNotificationQueue()
	_, ok := q.TryPop()
	require.False(t, ok)

	q.Push(watch.NotificationJob{WatchID: "1"})
	q.Push(watch.NotificationJob{WatchID: "2"})
	require.Equal(t, 2, q.Len())

	job, ok := q.TryPop()
	require.True(t, ok)
	require.Equal(t, "1", job.WatchID)
	job, ok = q.TryPop()
	require.True(t, ok)
	require.Equal(t, "2", job.WatchID)
	require.Equal(t, 0, q.Len())
}
