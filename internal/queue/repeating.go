package queue

import (
	"context"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/subway/internal/message"
)

// RepeatingQueue is a delayed queue whose entries put themselves back after
// every pop, one interval after the moment of the pop.
type RepeatingQueue struct {
	delayed *DelayedQueue
}

func NewRepeating(rdb r.UniversalClient, keys Keys, opts ...Option) *RepeatingQueue {
	return &RepeatingQueue{delayed: newScheduled(rdb, keys, RepeatingName, opts)}
}

func (q *RepeatingQueue) Name() string { return q.delayed.Name() }

func (q *RepeatingQueue) Count(ctx context.Context) (int64, error) { return q.delayed.Count(ctx) }

func (q *RepeatingQueue) Messages(ctx context.Context) ([]*message.Message, error) {
	return q.delayed.Messages(ctx)
}

func (q *RepeatingQueue) Clear(ctx context.Context) error { return q.delayed.Clear(ctx) }

// Put requires both At, the first occurrence, and a valid interval.
func (q *RepeatingQueue) Put(ctx context.Context, m *message.Message) error {
	if m.Interval == "" {
		return errors.Wrap(ErrNotRepeating, m.ID)
	}
	if _, err := message.ParseInterval(m.Interval); err != nil {
		return err
	}
	return q.delayed.Put(ctx, m)
}

// Pop takes a due entry and, atomically, files it again at the next
// occurrence after now. The returned message carries that next At; callers
// strip the schedule before running it as a live job.
func (q *RepeatingQueue) Pop(ctx context.Context) (*message.Message, error) {
	_, t, err := q.delayed.pop(ctx, q.plan(false))
	return t.reschedule, err
}

// PopToLive takes a due entry, files it again at its next occurrence and
// appends this occurrence to its live queue under a fresh id, all in one
// transaction. It returns the occurrence and the rescheduled entry.
func (q *RepeatingQueue) PopToLive(ctx context.Context) (occurrence, next *message.Message, err error) {
	_, t, err := q.delayed.pop(ctx, q.plan(true))
	return t.live, t.reschedule, err
}

func (q *RepeatingQueue) plan(live bool) func(*message.Message) (transfer, error) {
	return func(m *message.Message) (transfer, error) {
		at, err := m.Next(q.delayed.now())
		if err != nil {
			return transfer{}, err
		}
		var t transfer
		if live {
			t.live = m.Renew()
			t.live.Unschedule()
		}
		m.SetAt(&at)
		t.reschedule = m
		return t, nil
	}
}
