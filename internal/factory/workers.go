package factory

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/subway/internal/domain"
	"github.com/SirClappington/subway/internal/message"
	"github.com/SirClappington/subway/internal/queue"
)

func (f *Factory) RegisterWorker(ctx context.Context, id string) error {
	pipe := f.rdb.TxPipeline()
	pipe.SAdd(ctx, f.keys.Workers(), id)
	pipe.Set(ctx, f.keys.WorkerStarted(id), f.now().UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "registering worker %s", id)
	}
	return nil
}

// UnregisterWorker removes the worker and its counters.
func (f *Factory) UnregisterWorker(ctx context.Context, id string) error {
	pipe := f.rdb.TxPipeline()
	pipe.SRem(ctx, f.keys.Workers(), id)
	pipe.Del(ctx,
		f.keys.WorkerStarted(id),
		f.keys.WorkerProcessed(id),
		f.keys.WorkerFailed(id),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "unregistering worker %s", id)
	}
	return nil
}

func (f *Factory) Workers(ctx context.Context) ([]string, error) {
	ids, err := f.rdb.SMembers(ctx, f.keys.Workers()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading worker registry")
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *Factory) WorkerStarted(ctx context.Context, id string) (time.Time, error) {
	v, err := f.rdb.Get(ctx, f.keys.WorkerStarted(id)).Result()
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "reading start time of %s", id)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "decoding start time of %s", id)
	}
	return t, nil
}

// Reserve moves the head of queue name into the worker's in-flight list.
func (f *Factory) Reserve(ctx context.Context, name, worker string) (*queue.Reservation, error) {
	return f.Queue(name).Reserve(ctx, worker)
}

func (f *Factory) Ack(ctx context.Context, worker, raw string) error {
	return queue.Ack(ctx, f.rdb, f.keys, worker, raw)
}

// Release returns an undispatched reservation to its queue.
func (f *Factory) Release(ctx context.Context, worker string, res *queue.Reservation) error {
	return queue.Release(ctx, f.rdb, f.keys, worker, res)
}

func (f *Factory) Inflight(ctx context.Context, worker string) ([]*message.Message, error) {
	return queue.Inflight(ctx, f.rdb, f.keys, worker)
}

// Recover requeues the reservations a dead worker left behind.
func (f *Factory) Recover(ctx context.Context, worker string) (int, error) {
	return queue.Recover(ctx, f.rdb, f.keys, worker)
}

func (f *Factory) IncrProcessed(ctx context.Context, worker string) error {
	return f.incr(ctx, f.keys.Processed(), f.keys.WorkerProcessed(worker))
}

func (f *Factory) IncrFailed(ctx context.Context, worker string) error {
	return f.incr(ctx, f.keys.Failed(), f.keys.WorkerFailed(worker))
}

func (f *Factory) incr(ctx context.Context, global, perWorker string) error {
	pipe := f.rdb.Pipeline()
	pipe.IncrBy(ctx, global, 1)
	pipe.IncrBy(ctx, perWorker, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "incrementing stats")
	}
	return nil
}

// Stats returns the global counters, or one worker's when worker is set.
func (f *Factory) Stats(ctx context.Context, worker string) (domain.Stats, error) {
	processed, failed := f.keys.Processed(), f.keys.Failed()
	if worker != "" {
		processed, failed = f.keys.WorkerProcessed(worker), f.keys.WorkerFailed(worker)
	}
	vals, err := f.rdb.MGet(ctx, processed, failed).Result()
	if err != nil {
		return domain.Stats{}, errors.Wrap(err, "reading stats")
	}
	return domain.Stats{Processed: toInt(vals[0]), Failed: toInt(vals[1])}, nil
}

func toInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// RecordFailure appends to the failure log. The log is never pruned.
func (f *Factory) RecordFailure(ctx context.Context, failure domain.Failure) error {
	if failure.FailedAt.IsZero() {
		failure.FailedAt = f.now().UTC()
	}
	data, err := json.Marshal(failure)
	if err != nil {
		return errors.Wrap(err, "encoding failure")
	}
	if err := f.rdb.RPush(ctx, f.keys.FailureLog(), data).Err(); err != nil {
		return errors.Wrap(err, "appending failure")
	}
	return nil
}

// Failures pages through the failure log, oldest first.
func (f *Factory) Failures(ctx context.Context, offset, limit int64) ([]domain.Failure, error) {
	if limit <= 0 {
		return nil, nil
	}
	raws, err := f.rdb.LRange(ctx, f.keys.FailureLog(), offset, offset+limit-1).Result()
	if err != nil && err != r.Nil {
		return nil, errors.Wrap(err, "reading failures")
	}
	out := make([]domain.Failure, 0, len(raws))
	for _, raw := range raws {
		var fl domain.Failure
		if err := json.Unmarshal([]byte(raw), &fl); err != nil {
			return nil, errors.Wrap(err, "decoding failure")
		}
		out = append(out, fl)
	}
	return out, nil
}

func (f *Factory) FailureCount(ctx context.Context) (int64, error) {
	n, err := f.rdb.LLen(ctx, f.keys.FailureLog()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "counting failures")
	}
	return n, nil
}
