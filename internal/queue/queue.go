// Package queue implements the three queue kinds on top of Redis: live FIFO
// lists, the delayed queue of time buckets and the self-rescheduling
// repeating queue.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/SirClappington/subway/internal/message"
)

const (
	DelayedName   = "delayed"
	RepeatingName = "repeating"

	// txRetries bounds optimistic transaction retries on contention, each
	// one after a jittered exponential pause capped at txMaxBackoff.
	txRetries    = 10
	txBackoff    = 2 * time.Millisecond
	txMaxBackoff = 50 * time.Millisecond
)

var (
	// ErrNotScheduled is returned when a message without At is put into a
	// delayed or repeating queue.
	ErrNotScheduled = errors.New("subway: message has no schedule")

	// ErrNotRepeating is returned when a message without an interval is put
	// into the repeating queue.
	ErrNotRepeating = errors.New("subway: message has no interval")

	// ErrContention is returned when a transaction keeps being aborted by
	// concurrent writers.
	ErrContention = errors.New("subway: too much contention on queue")
)

// Queue is the contract shared by every queue kind. Pop returns nil, nil
// when nothing is eligible.
type Queue interface {
	Name() string
	Count(ctx context.Context) (int64, error)
	Messages(ctx context.Context) ([]*message.Message, error)
	Put(ctx context.Context, m *message.Message) error
	Pop(ctx context.Context) (*message.Message, error)
	Clear(ctx context.Context) error
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock replaces time.Now for eligibility decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func decodeAll(raws []string) ([]*message.Message, error) {
	out := make([]*message.Message, 0, len(raws))
	for _, raw := range raws {
		m, err := message.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// watch runs txf under WATCH on keys, retrying while the transaction is
// aborted by a concurrent writer.
func watch(ctx context.Context, rdb r.UniversalClient, txf func(*r.Tx) error, keys ...string) error {
	b := retry.NewExponential(txBackoff)
	b = retry.WithCappedDuration(txMaxBackoff, b)
	b = retry.WithJitterPercent(50, b)
	b = retry.WithMaxRetries(txRetries, b)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := rdb.Watch(ctx, txf, keys...); err != nil {
			if errors.Is(err, r.TxFailedErr) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if errors.Is(err, r.TxFailedErr) {
		return ErrContention
	}
	return err
}
