package admission

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/domain"
)

func req(id string, priority int) domain.Request {
	return domain.Request{ID: id, UserID: "u", Payload: "x", Metadata: domain.Metadata{Priority: priority}}
}

func popIDs(q *Queue[int], now time.Time) []string {
	var ids []string
	for {
		it, _ := q.Pop(now)
		if it == nil {
			return ids
		}
		ids = append(ids, it.Request.ID)
	}
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	q := NewQueue[int](QueueConfig{MaxSize: 10, MaxAge: time.Minute, Priority: true})
	now := time.Now()
	for i, p := range []int{0, 5, 0, 5, 9} {
		_, err := q.Push(req(fmt.Sprintf("r%d", i), p), now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}
	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "r4", head.Request.ID)
	assert.Equal(t, []string{"r4", "r1", "r3", "r0", "r2"}, popIDs(q, now))
}

func TestQueueFIFOWhenPriorityDisabled(t *testing.T) {
	q := NewQueue[int](QueueConfig{MaxSize: 10, MaxAge: time.Minute})
	now := time.Now()
	for i, p := range []int{0, 5, 9} {
		_, err := q.Push(req(fmt.Sprintf("r%d", i), p), now)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"r0", "r1", "r2"}, popIDs(q, now))
}

func TestQueueFull(t *testing.T) {
	q := NewQueue[int](QueueConfig{MaxSize: 2, MaxAge: time.Minute})
	now := time.Now()
	_, err := q.Push(req("a", 0), now)
	require.NoError(t, err)
	_, err = q.Push(req("b", 0), now)
	require.NoError(t, err)
	_, err = q.Push(req("c", 0), now)
	require.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	disabled := NewQueue[int](QueueConfig{})
	_, err = disabled.Push(req("a", 0), now)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestQueuePopSkipsExpired(t *testing.T) {
	q := NewQueue[int](QueueConfig{MaxSize: 10, MaxAge: time.Second})
	t0 := time.Now()
	_, err := q.Push(req("old", 0), t0)
	require.NoError(t, err)
	_, err = q.Push(req("fresh", 0), t0.Add(1500*time.Millisecond))
	require.NoError(t, err)

	next, expired := q.Pop(t0.Add(2 * time.Second))
	require.NotNil(t, next)
	assert.Equal(t, "fresh", next.Request.ID)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].Request.ID)
	assert.Zero(t, q.Len())
}

func TestQueueExpiredKeepsOrder(t *testing.T) {
	q := NewQueue[int](QueueConfig{MaxSize: 10, MaxAge: time.Second, Priority: true})
	t0 := time.Now()
	_, _ = q.Push(req("a", 1), t0)
	_, _ = q.Push(req("b", 3), t0.Add(900*time.Millisecond))
	_, _ = q.Push(req("c", 2), t0)
	_, _ = q.Push(req("d", 5), t0.Add(900*time.Millisecond))

	expired := q.Expired(t0.Add(1500 * time.Millisecond))
	assert.Len(t, expired, 2)
	assert.Equal(t, []string{"d", "b"}, popIDs(q, t0.Add(1500*time.Millisecond)))
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue[int](QueueConfig{MaxSize: 10, MaxAge: time.Minute})
	now := time.Now()
	a, _ := q.Push(req("a", 0), now)
	b, _ := q.Push(req("b", 0), now)
	_, _ = q.Push(req("c", 0), now)

	assert.True(t, q.Remove(b))
	assert.False(t, q.Remove(b))
	assert.Equal(t, []string{"a", "c"}, popIDs(q, now))
	assert.False(t, q.Remove(a))
}

func TestItemSettlesOnce(t *testing.T) {
	q := NewQueue[int](QueueConfig{MaxSize: 1, MaxAge: time.Minute})
	it, err := q.Push(req("a", 0), time.Now())
	require.NoError(t, err)
	assert.False(t, it.Request.EnqueuedAt.IsZero())

	assert.True(t, it.Resolve(7))
	assert.False(t, it.Reject(errors.New("late")))
	assert.False(t, it.Resolve(8))

	out := <-it.Done()
	assert.NoError(t, out.Err)
	assert.Equal(t, 7, out.Value)
}

func TestDrainAll(t *testing.T) {
	q := NewQueue[int](QueueConfig{MaxSize: 5, MaxAge: time.Minute})
	now := time.Now()
	_, _ = q.Push(req("a", 0), now)
	_, _ = q.Push(req("b", 0), now)

	items := q.DrainAll()
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Request.ID)
	assert.Zero(t, q.Len())
	for _, it := range items {
		assert.True(t, it.Reject(domain.ErrShutdown))
	}
}
