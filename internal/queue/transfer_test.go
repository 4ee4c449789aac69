package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/subway/internal/message"
)

var errConnLost = errors.New("connection lost")

// pushFailure fails every transaction that pushes onto key while on is set.
type pushFailure struct {
	key string
	on  atomic.Bool
}

func (h *pushFailure) DialHook(next r.DialHook) r.DialHook { return next }
func (h *pushFailure) ProcessHook(next r.ProcessHook) r.ProcessHook { return next }

func (h *pushFailure) ProcessPipelineHook(next r.ProcessPipelineHook) r.ProcessPipelineHook {
	return func(ctx context.Context, cmds []r.Cmder) error {
		if h.on.Load() {
			for _, cmd := range cmds {
				if args := cmd.Args(); cmd.Name() == "rpush" && len(args) > 1 && args[1] == h.key {
					return errConnLost
				}
			}
		}
		return next(ctx, cmds)
	}
}

func TestDelayedQueue_PopToLive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewDelayed(rdb, keys, WithClock(clock.Now))

	m := scheduled(t, clock.Now().Add(-5*time.Second), "")
	require.NoError(t, q.Put(ctx, m))

	got, err := q.PopToLive(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Nil(t, got.At)

	live := NewLive(rdb, keys, "default")
	listed, err := live.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, m.ID, listed[0].ID)
	assert.False(t, listed[0].Delayed())

	names, err := rdb.SMembers(ctx, keys.Registry()).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, names)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	none, err := q.PopToLive(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDelayedQueue_PopToLiveFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewDelayed(rdb, keys, WithClock(clock.Now))
	live := NewLive(rdb, keys, "default")

	m := scheduled(t, clock.Now().Add(-5*time.Second), "")
	require.NoError(t, q.Put(ctx, m))

	hook := &pushFailure{key: keys.Live("default")}
	hook.on.Store(true)
	rdb.AddHook(hook)

	_, err := q.PopToLive(ctx)
	require.ErrorIs(t, err, errConnLost)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the message stays scheduled")
	n, err = live.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	hook.on.Store(false)
	got, err := q.PopToLive(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	n, err = live.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRepeatingQueue_PopToLive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewRepeating(rdb, keys, WithClock(clock.Now))

	m := scheduled(t, clock.Now().Add(-29*time.Second), "PT10S")
	require.NoError(t, q.Put(ctx, m))

	occurrence, next, err := q.PopToLive(ctx)
	require.NoError(t, err)
	require.NotNil(t, occurrence)
	require.NotNil(t, next)
	assert.NotEqual(t, m.ID, occurrence.ID)
	assert.Nil(t, occurrence.At)
	assert.Empty(t, occurrence.Interval)
	assert.Equal(t, m.ID, next.ID)
	assert.Equal(t, clock.Now().Add(10*time.Second), *next.At)

	listed, err := NewLive(rdb, keys, "default").Messages(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, occurrence.ID, listed[0].ID)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	occurrence, next, err = q.PopToLive(ctx)
	require.NoError(t, err)
	assert.Nil(t, occurrence)
	assert.Nil(t, next)
}

// drainConcurrently runs pop from several goroutines until it reports
// nothing due, retrying on contention, and returns every id it yielded.
func drainConcurrently(t *testing.T, pop func() (*message.Message, error)) []string {
	t.Helper()
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, err := pop()
				if errors.Is(err, ErrContention) {
					continue
				}
				if !assert.NoError(t, err) || m == nil {
					return
				}
				mu.Lock()
				ids = append(ids, m.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return ids
}

func TestDelayedQueue_ConcurrentPop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewDelayed(rdb, keys, WithClock(clock.Now))

	want := make(map[string]bool)
	for i := range 200 {
		m := scheduled(t, clock.Now().Add(-time.Duration(i%20)*time.Second), "")
		require.NoError(t, q.Put(ctx, m))
		want[m.ID] = true
	}

	ids := drainConcurrently(t, func() (*message.Message, error) { return q.PopToLive(ctx) })

	got := make(map[string]bool, len(ids))
	for _, id := range ids {
		assert.False(t, got[id], "popped twice: %s", id)
		got[id] = true
	}
	assert.Equal(t, want, got)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = NewLive(rdb, keys, "default").Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 200, n)
}

func TestRepeatingQueue_ConcurrentPop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewRepeating(rdb, keys, WithClock(clock.Now))

	want := make(map[string]bool)
	for i := range 50 {
		m := scheduled(t, clock.Now().Add(-time.Duration(i%5)*time.Second), "PT1M")
		require.NoError(t, q.Put(ctx, m))
		want[m.ID] = true
	}

	// Each entry is due once before its next occurrence.
	ids := drainConcurrently(t, func() (*message.Message, error) {
		_, next, err := q.PopToLive(ctx)
		return next, err
	})

	got := make(map[string]bool, len(ids))
	for _, id := range ids {
		assert.False(t, got[id], "popped twice: %s", id)
		got[id] = true
	}
	assert.Equal(t, want, got)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)
	n, err = NewLive(rdb, keys, "default").Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)
}
