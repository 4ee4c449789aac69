package queue

import (
	"context"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/subway/internal/message"
)

// LiveQueue is a FIFO list of immediately eligible messages.
type LiveQueue struct {
	rdb  r.UniversalClient
	keys Keys
	name string
}

// NewLive returns a handle. Handles are cheap and hold no state; the name is
// registered on the first Put.
func NewLive(rdb r.UniversalClient, keys Keys, name string) *LiveQueue {
	return &LiveQueue{rdb: rdb, keys: keys, name: name}
}

func (q *LiveQueue) Name() string { return q.name }

func (q *LiveQueue) Count(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.keys.Live(q.name)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "counting queue %s", q.name)
	}
	return n, nil
}

// Messages lists pending messages oldest first without removing them.
func (q *LiveQueue) Messages(ctx context.Context) ([]*message.Message, error) {
	raws, err := q.rdb.LRange(ctx, q.keys.Live(q.name), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "listing queue %s", q.name)
	}
	return decodeAll(raws)
}

// Put appends at the tail and registers the queue name.
func (q *LiveQueue) Put(ctx context.Context, m *message.Message) error {
	raw, err := m.Marshal()
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, q.keys.Live(q.name), raw)
	pipe.SAdd(ctx, q.keys.Registry(), q.name)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "pushing to queue %s", q.name)
	}
	return nil
}

// Pop removes and returns the oldest message. The name stays registered
// when the list drains.
func (q *LiveQueue) Pop(ctx context.Context) (*message.Message, error) {
	raw, err := q.rdb.LPop(ctx, q.keys.Live(q.name)).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "popping queue %s", q.name)
	}
	return message.Unmarshal(raw)
}

// Reservation is a message moved into a worker's in-flight list. Raw is the
// stored form needed to acknowledge it.
type Reservation struct {
	Message *message.Message
	Raw     string
}

// Reserve atomically moves the oldest message into the in-flight list of
// worker. The entry stays there until Ack, so a crash between pop and
// execution leads to redelivery through Recover rather than loss.
func (q *LiveQueue) Reserve(ctx context.Context, worker string) (*Reservation, error) {
	raw, err := q.rdb.LMove(ctx, q.keys.Live(q.name), q.keys.WorkerInflight(worker), "LEFT", "RIGHT").Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reserving from queue %s", q.name)
	}
	m, err := message.Unmarshal(raw)
	if err != nil {
		// Undecodable entries can never run; drop them instead of
		// redelivering forever.
		_ = Ack(ctx, q.rdb, q.keys, worker, raw)
		return nil, err
	}
	return &Reservation{Message: m, Raw: raw}, nil
}

// Clear removes every pending message and deregisters the name.
func (q *LiveQueue) Clear(ctx context.Context) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, q.keys.Live(q.name))
	pipe.SRem(ctx, q.keys.Registry(), q.name)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "clearing queue %s", q.name)
	}
	return nil
}

// Ack drops a finished reservation from the worker's in-flight list.
func Ack(ctx context.Context, rdb r.UniversalClient, keys Keys, worker, raw string) error {
	if err := rdb.LRem(ctx, keys.WorkerInflight(worker), 1, raw).Err(); err != nil {
		return errors.Wrapf(err, "acknowledging reservation of %s", worker)
	}
	return nil
}

// Release hands a reservation back to the head of its queue.
func Release(ctx context.Context, rdb r.UniversalClient, keys Keys, worker string, res *Reservation) error {
	pipe := rdb.TxPipeline()
	pipe.LRem(ctx, keys.WorkerInflight(worker), 1, res.Raw)
	pipe.LPush(ctx, keys.Live(res.Message.Queue), res.Raw)
	pipe.SAdd(ctx, keys.Registry(), res.Message.Queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "releasing reservation of %s", worker)
	}
	return nil
}

// Inflight lists the reservations held by worker.
func Inflight(ctx context.Context, rdb r.UniversalClient, keys Keys, worker string) ([]*message.Message, error) {
	raws, err := rdb.LRange(ctx, keys.WorkerInflight(worker), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "listing reservations of %s", worker)
	}
	return decodeAll(raws)
}

// Recover returns every reservation of worker to the head of its queue,
// newest first so the original order is kept, and reports how many were
// moved.
func Recover(ctx context.Context, rdb r.UniversalClient, keys Keys, worker string) (int, error) {
	inflight := keys.WorkerInflight(worker)
	moved := 0
	for {
		done := false
		err := rdb.Watch(ctx, func(tx *r.Tx) error {
			raw, err := tx.LIndex(ctx, inflight, -1).Result()
			if err == r.Nil {
				done = true
				return nil
			}
			if err != nil {
				return err
			}
			m, decodeErr := message.Unmarshal(raw)
			_, err = tx.TxPipelined(ctx, func(p r.Pipeliner) error {
				p.RPop(ctx, inflight)
				if decodeErr == nil {
					p.LPush(ctx, keys.Live(m.Queue), raw)
					p.SAdd(ctx, keys.Registry(), m.Queue)
				}
				return nil
			})
			return err
		}, inflight)
		if err == r.TxFailedErr {
			continue
		}
		if err != nil {
			return moved, errors.Wrapf(err, "recovering reservations of %s", worker)
		}
		if done {
			return moved, nil
		}
		moved++
	}
}
