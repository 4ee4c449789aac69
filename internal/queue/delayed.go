package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/subway/internal/message"
)

// DelayedQueue releases messages once their At has passed. Messages live in
// one list per epoch second, and a sorted set indexes the non-empty buckets.
type DelayedQueue struct {
	rdb  r.UniversalClient
	keys Keys
	kind string
	now  func() time.Time
}

func NewDelayed(rdb r.UniversalClient, keys Keys, opts ...Option) *DelayedQueue {
	return newScheduled(rdb, keys, DelayedName, opts)
}

func newScheduled(rdb r.UniversalClient, keys Keys, kind string, opts []Option) *DelayedQueue {
	o := newOptions(opts)
	return &DelayedQueue{rdb: rdb, keys: keys, kind: kind, now: o.now}
}

func (q *DelayedQueue) Name() string { return q.kind }

func (q *DelayedQueue) schedule() string { return q.keys.Schedule(q.kind) }

func (q *DelayedQueue) bucket(ts string) string { return q.keys.Bucket(q.kind, ts) }

func (q *DelayedQueue) buckets(ctx context.Context) ([]string, error) {
	ts, err := q.rdb.ZRange(ctx, q.schedule(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s schedule", q.kind)
	}
	return ts, nil
}

// Count sums the lengths of every bucket.
func (q *DelayedQueue) Count(ctx context.Context) (int64, error) {
	ts, err := q.buckets(ctx)
	if err != nil || len(ts) == 0 {
		return 0, err
	}
	pipe := q.rdb.Pipeline()
	cmds := make([]*r.IntCmd, len(ts))
	for i, t := range ts {
		cmds[i] = pipe.LLen(ctx, q.bucket(t))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "counting %s queue", q.kind)
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// Messages lists every entry, earliest bucket first.
func (q *DelayedQueue) Messages(ctx context.Context) ([]*message.Message, error) {
	ts, err := q.buckets(ctx)
	if err != nil || len(ts) == 0 {
		return nil, err
	}
	pipe := q.rdb.Pipeline()
	cmds := make([]*r.StringSliceCmd, len(ts))
	for i, t := range ts {
		cmds[i] = pipe.LRange(ctx, q.bucket(t), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "listing %s queue", q.kind)
	}
	var raws []string
	for _, cmd := range cmds {
		raws = append(raws, cmd.Val()...)
	}
	return decodeAll(raws)
}

// Put files the message under the epoch second of its At.
func (q *DelayedQueue) Put(ctx context.Context, m *message.Message) error {
	if m.At == nil {
		return errors.Wrap(ErrNotScheduled, m.ID)
	}
	raw, err := m.Marshal()
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(m.At.Unix(), 10)
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, q.bucket(ts), raw)
	pipe.ZAddNX(ctx, q.schedule(), r.Z{Score: float64(m.At.Unix()), Member: ts})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "pushing to %s queue", q.kind)
	}
	return nil
}

// Pop returns one message from the earliest bucket that is due, or nil.
func (q *DelayedQueue) Pop(ctx context.Context) (*message.Message, error) {
	head, _, err := q.pop(ctx, nil)
	return head, err
}

// PopToLive takes one due message and appends it, unscheduled, to its live
// queue in the same transaction, so the message is always in exactly one
// of the two. It returns the live message or nil when nothing was due.
func (q *DelayedQueue) PopToLive(ctx context.Context) (*message.Message, error) {
	_, t, err := q.pop(ctx, func(m *message.Message) (transfer, error) {
		live := m.Clone()
		live.Unschedule()
		return transfer{live: live}, nil
	})
	return t.live, err
}

// transfer is what a pop files elsewhere alongside removing the head.
type transfer struct {
	// reschedule goes back into this schedule under its At.
	reschedule *message.Message
	// live is appended to the live queue it names.
	live *message.Message
}

// pop runs under WATCH on the index and the chosen bucket. plan, when set,
// decides what is filed in the same MULTI as the removal of the head.
func (q *DelayedQueue) pop(ctx context.Context, plan func(*message.Message) (transfer, error)) (*message.Message, transfer, error) {
	schedule := q.schedule()
	cutoff := strconv.FormatInt(q.now().Unix(), 10)

	var (
		popped *message.Message
		moved  transfer
	)
	txf := func(tx *r.Tx) error {
		popped, moved = nil, transfer{}

		due, err := tx.ZRangeByScore(ctx, schedule, &r.ZRangeBy{Min: "-inf", Max: cutoff, Offset: 0, Count: 1}).Result()
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		ts := due[0]
		bucket := q.bucket(ts)
		if err := tx.Watch(ctx, bucket).Err(); err != nil {
			return err
		}

		length, err := tx.LLen(ctx, bucket).Result()
		if err != nil {
			return err
		}
		if length == 0 {
			// Emptied by someone else; drop the stale index entry.
			_, err := tx.TxPipelined(ctx, func(p r.Pipeliner) error {
				p.ZRem(ctx, schedule, ts)
				return nil
			})
			return err
		}

		raw, err := tx.LIndex(ctx, bucket, 0).Result()
		if err != nil {
			return err
		}
		m, decodeErr := message.Unmarshal(raw)
		if decodeErr != nil {
			// An undecodable head would block the bucket forever.
			_, err := tx.TxPipelined(ctx, func(p r.Pipeliner) error {
				p.LPop(ctx, bucket)
				if length == 1 {
					p.ZRem(ctx, schedule, ts)
				}
				return nil
			})
			if err != nil {
				return err
			}
			return decodeErr
		}

		var t transfer
		if plan != nil {
			if t, err = plan(m); err != nil {
				return err
			}
		}
		var nextRaw, nextTs, liveRaw string
		if t.reschedule != nil {
			if t.reschedule.At == nil {
				return errors.Wrap(ErrNotScheduled, t.reschedule.ID)
			}
			if nextRaw, err = t.reschedule.Marshal(); err != nil {
				return err
			}
			nextTs = strconv.FormatInt(t.reschedule.At.Unix(), 10)
		}
		if t.live != nil {
			if liveRaw, err = t.live.Marshal(); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(p r.Pipeliner) error {
			p.LPop(ctx, bucket)
			if length == 1 {
				p.ZRem(ctx, schedule, ts)
			}
			if nextRaw != "" {
				p.RPush(ctx, q.bucket(nextTs), nextRaw)
				p.ZAddNX(ctx, schedule, r.Z{Score: float64(t.reschedule.At.Unix()), Member: nextTs})
			}
			if liveRaw != "" {
				p.RPush(ctx, q.keys.Live(t.live.Queue), liveRaw)
				p.SAdd(ctx, q.keys.Registry(), t.live.Queue)
			}
			return nil
		})
		if err != nil {
			return err
		}
		popped, moved = m, t
		return nil
	}

	if err := watch(ctx, q.rdb, txf, schedule); err != nil {
		return nil, transfer{}, errors.Wrapf(err, "popping %s queue", q.kind)
	}
	return popped, moved, nil
}

// Clear deletes every bucket and the index.
func (q *DelayedQueue) Clear(ctx context.Context) error {
	ts, err := q.buckets(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ts)+1)
	for _, t := range ts {
		keys = append(keys, q.bucket(t))
	}
	keys = append(keys, q.schedule())
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrapf(err, "clearing %s queue", q.kind)
	}
	return nil
}
