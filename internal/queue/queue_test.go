package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/subway/internal/message"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testRedis(t *testing.T) r.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func scheduled(t *testing.T, at time.Time, interval string) *message.Message {
	t.Helper()
	m := message.MustNew("default", "NoopJob", message.Args{"hello": "world"})
	m.SetAt(&at)
	require.NoError(t, m.SetInterval(interval))
	return m
}

func TestKeys(t *testing.T) {
	k := NewKeys("")
	assert.Equal(t, "subway:queues", k.Registry())
	assert.Equal(t, "subway:queue:mail", k.Live("mail"))

	k = NewKeys("app:")
	assert.Equal(t, "app:delayed:schedule", k.Schedule(DelayedName))
	assert.Equal(t, "app:delayed:1700000000", k.Bucket(DelayedName, "1700000000"))
	assert.Equal(t, "app:once:mail:abc", k.Once("mail", "abc"))
}

func TestLiveQueue_PutPop(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewLive(rdb, keys, "default")

	empty, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	m := message.MustNew("default", "NoopJob", message.Args{"hello": "world"})
	require.NoError(t, q.Put(ctx, m))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	registered, err := rdb.SIsMember(ctx, keys.Registry(), "default").Result()
	require.NoError(t, err)
	assert.True(t, registered)

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	n, err = q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	registered, err = rdb.SIsMember(ctx, keys.Registry(), "default").Result()
	require.NoError(t, err)
	assert.True(t, registered, "draining keeps the name registered")
}

func TestLiveQueue_FIFOAndMessages(t *testing.T) {
	ctx := context.Background()
	q := NewLive(testRedis(t), NewKeys(""), "default")

	var want []*message.Message
	for i := 0; i < 3; i++ {
		m := message.MustNew("default", "NoopJob", message.Args{"i": json.Number(strconv.Itoa(i))})
		require.NoError(t, q.Put(ctx, m))
		want = append(want, m)
	}

	listed, err := q.Messages(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, listed)

	for _, w := range want {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, w.ID, got.ID)
	}
}

func TestLiveQueue_Clear(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewLive(rdb, keys, "default")

	require.NoError(t, q.Put(ctx, message.MustNew("default", "NoopJob", nil)))
	require.NoError(t, q.Clear(ctx))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	names, err := rdb.SMembers(ctx, keys.Registry()).Result()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLiveQueue_ReserveAckRecover(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewLive(rdb, keys, "default")

	first := message.MustNew("default", "NoopJob", message.Args{"n": 1.0})
	second := message.MustNew("default", "NoopJob", message.Args{"n": 2.0})
	require.NoError(t, q.Put(ctx, first))
	require.NoError(t, q.Put(ctx, second))

	res, err := q.Reserve(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, first.ID, res.Message.ID)

	inflight, err := Inflight(ctx, rdb, keys, "w1")
	require.NoError(t, err)
	require.Len(t, inflight, 1)

	require.NoError(t, Ack(ctx, rdb, keys, "w1", res.Raw))
	inflight, err = Inflight(ctx, rdb, keys, "w1")
	require.NoError(t, err)
	assert.Empty(t, inflight)

	// A crashed worker leaves its reservation behind; Recover returns it
	// to the head of the queue.
	res, err = q.Reserve(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, res.Message.ID)

	n, err := Recover(ctx, rdb, keys, "w2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	none, err := q.Reserve(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDelayedQueue_PastIsEligible(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rdb := testRedis(t)
	q := NewDelayed(rdb, NewKeys(""), WithClock(clock.Now))

	m := scheduled(t, clock.Now().Add(-29*time.Second), "")
	require.NoError(t, q.Put(ctx, m))

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m, got)

	again, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	n, err := rdb.Exists(ctx, NewKeys("").Schedule(DelayedName)).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "empty buckets leave the index")
}

func TestDelayedQueue_FutureWaits(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewDelayed(testRedis(t), NewKeys(""), WithClock(clock.Now))

	m := scheduled(t, clock.Now().Add(30*time.Second), "")
	require.NoError(t, q.Put(ctx, m))

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	clock.Advance(30 * time.Second)
	got, err = q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
}

func TestDelayedQueue_OrderAndCount(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewDelayed(testRedis(t), NewKeys(""), WithClock(clock.Now))

	late := scheduled(t, clock.Now().Add(-10*time.Second), "")
	early := scheduled(t, clock.Now().Add(-20*time.Second), "")
	sameBucket := scheduled(t, clock.Now().Add(-20*time.Second), "")
	future := scheduled(t, clock.Now().Add(time.Hour), "")
	for _, m := range []*message.Message{late, early, sameBucket, future} {
		require.NoError(t, q.Put(ctx, m))
	}

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	listed, err := q.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 4)
	assert.Equal(t, early.ID, listed[0].ID)
	assert.Equal(t, future.ID, listed[3].ID)

	for _, want := range []*message.Message{early, sameBucket, late} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
	}

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err = q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDelayedQueue_RejectsUnscheduled(t *testing.T) {
	q := NewDelayed(testRedis(t), NewKeys(""))
	err := q.Put(context.Background(), message.MustNew("default", "NoopJob", nil))
	assert.ErrorIs(t, err, ErrNotScheduled)
}

func TestDelayedQueue_StaleIndexEntry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewDelayed(rdb, keys, WithClock(clock.Now))

	m := scheduled(t, clock.Now().Add(-5*time.Second), "")
	require.NoError(t, q.Put(ctx, m))

	// Another process emptied the bucket but left the index entry behind.
	ts, err := rdb.ZRange(ctx, keys.Schedule(DelayedName), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, ts, 1)
	require.NoError(t, rdb.Del(ctx, keys.Bucket(DelayedName, ts[0])).Err())

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	card, err := rdb.ZCard(ctx, keys.Schedule(DelayedName)).Result()
	require.NoError(t, err)
	assert.Zero(t, card)
}

func TestDelayedQueue_ClearAndRegistry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rdb := testRedis(t)
	keys := NewKeys("")
	q := NewDelayed(rdb, keys, WithClock(clock.Now))

	require.NoError(t, q.Put(ctx, scheduled(t, clock.Now(), "")))
	require.NoError(t, q.Put(ctx, scheduled(t, clock.Now().Add(time.Minute), "")))

	names, err := rdb.SMembers(ctx, keys.Registry()).Result()
	require.NoError(t, err)
	assert.Empty(t, names, "delayed queue never registers as a live queue")

	require.NoError(t, q.Clear(ctx))
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := rdb.Keys(ctx, "subway:delayed:*").Result()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRepeatingQueue_SelfSustaining(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewRepeating(testRedis(t), NewKeys(""), WithClock(clock.Now))

	m := scheduled(t, clock.Now().Add(-29*time.Second), "PT10S")
	require.NoError(t, q.Put(ctx, m))

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, clock.Now().Add(10*time.Second), *got.At)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	again, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "not eligible before the interval elapses")

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		got, err = q.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, clock.Now().Add(10*time.Second), *got.At)

		n, err = q.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	}
}

func TestRepeatingQueue_EmptyAndValidation(t *testing.T) {
	ctx := context.Background()
	q := NewRepeating(testRedis(t), NewKeys(""))
	assert.Equal(t, RepeatingName, q.Name())

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	at := time.Now()
	delayed := message.MustNew("default", "NoopJob", nil)
	delayed.SetAt(&at)
	assert.ErrorIs(t, q.Put(ctx, delayed), ErrNotRepeating)
}

func TestRepeatingQueue_Clear(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := NewRepeating(testRedis(t), NewKeys(""), WithClock(clock.Now))

	require.NoError(t, q.Put(ctx, scheduled(t, clock.Now(), "PT1M")))
	listed, err := q.Messages(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, q.Clear(ctx))
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

var (
	_ Queue = (*LiveQueue)(nil)
	_ Queue = (*DelayedQueue)(nil)
	_ Queue = (*RepeatingQueue)(nil)
)
