// Package factory is the entry point producers and workers share: it routes
// messages to the right queue kind and owns job status, worker registration,
// statistics and the failure log.
package factory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/domain"
	"github.com/SirClappington/subway/internal/events"
	"github.com/SirClappington/subway/internal/message"
	"github.com/SirClappington/subway/internal/queue"
)

const defaultStatusRetention = 5 * 24 * time.Hour

var (
	// ErrStatusNotFound is returned when no status record exists for an id.
	ErrStatusNotFound = errors.New("subway: job status not found")

	// ErrNilMessage is returned when enqueueing nothing.
	ErrNilMessage = errors.New("subway: nil message")
)

type Factory struct {
	rdb       r.UniversalClient
	keys      queue.Keys
	logger    *zap.Logger
	events    *events.Dispatcher
	now       func() time.Time
	retention time.Duration
}

type Option func(*Factory)

func WithPrefix(prefix string) Option {
	return func(f *Factory) { f.keys = queue.NewKeys(prefix) }
}

func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithDispatcher(d *events.Dispatcher) Option {
	return func(f *Factory) {
		if d != nil {
			f.events = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Factory) {
		if now != nil {
			f.now = now
		}
	}
}

// WithStatusRetention sets how long a complete status record is kept.
func WithStatusRetention(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.retention = d
		}
	}
}

// New wraps a Redis client. The factory holds no other state, so any number
// of them may share one store.
func New(rdb r.UniversalClient, opts ...Option) *Factory {
	f := &Factory{
		rdb:       rdb,
		keys:      queue.NewKeys(queue.DefaultPrefix),
		logger:    zap.NewNop(),
		now:       time.Now,
		retention: defaultStatusRetention,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.events == nil {
		f.events = events.NewDispatcher(f.logger)
	}
	return f
}

func (f *Factory) Redis() r.UniversalClient { return f.rdb }
func (f *Factory) Keys() queue.Keys { return f.keys }
func (f *Factory) Events() *events.Dispatcher { return f.events }
func (f *Factory) Logger() *zap.Logger { return f.logger }
func (f *Factory) Now() time.Time { return f.now() }

func (f *Factory) Queue(name string) *queue.LiveQueue {
	return queue.NewLive(f.rdb, f.keys, name)
}

func (f *Factory) DelayedQueue() *queue.DelayedQueue {
	return queue.NewDelayed(f.rdb, f.keys, queue.WithClock(f.now))
}

func (f *Factory) RepeatingQueue() *queue.RepeatingQueue {
	return queue.NewRepeating(f.rdb, f.keys, queue.WithClock(f.now))
}

// QueueNames returns the registered live queue names sorted, which is the
// order workers poll them in.
func (f *Factory) QueueNames(ctx context.Context) ([]string, error) {
	names, err := f.rdb.SMembers(ctx, f.keys.Registry()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading queue registry")
	}
	sort.Strings(names)
	return names, nil
}

// Queues returns handles for the selected names, or for every registered
// queue when none are selected.
func (f *Factory) Queues(ctx context.Context, selected ...string) ([]*queue.LiveQueue, error) {
	names := selected
	if len(names) == 0 {
		var err error
		if names, err = f.QueueNames(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]*queue.LiveQueue, 0, len(names))
	for _, name := range names {
		out = append(out, f.Queue(name))
	}
	return out, nil
}

// target picks the queue by the message schedule.
func (f *Factory) target(m *message.Message) queue.Queue {
	switch {
	case m.Repeating():
		return f.RepeatingQueue()
	case m.Delayed():
		return f.DelayedQueue()
	default:
		return f.Queue(m.Queue)
	}
}

// Enqueue stores the message in the queue its schedule calls for and marks
// it waiting.
func (f *Factory) Enqueue(ctx context.Context, m *message.Message) (string, error) {
	if m == nil {
		return "", ErrNilMessage
	}
	q := f.target(m)
	if err := q.Put(ctx, m); err != nil {
		f.logger.Error("enqueue failed", zap.String("job_id", m.ID), zap.String("queue", m.Queue), zap.Error(err))
		return "", err
	}
	return m.ID, f.Track(ctx, m, q.Name())
}

// Track marks a message already stored in the queue named via as waiting
// and announces it. The scheduler calls it after moving a due message onto
// its live queue.
func (f *Factory) Track(ctx context.Context, m *message.Message, via string) error {
	if err := f.UpdateStatus(ctx, m, domain.Waiting); err != nil {
		return err
	}
	f.events.Dispatch(ctx, events.EnqueueEvent{Msg: m})

	fields := []zap.Field{
		zap.String("job_id", m.ID),
		zap.String("queue", m.Queue),
		zap.String("class", m.Class),
		zap.Any("args", m.Args),
		zap.String("via", via),
	}
	if m.At != nil {
		fields = append(fields, zap.Time("at", *m.At))
	}
	if m.Interval != "" {
		fields = append(fields, zap.String("interval", m.Interval))
	}
	f.logger.Info("job enqueued", fields...)
	return nil
}

// EnqueueOnce enqueues unless a message with the same queue, class and args
// is already tracked, in which case the tracked id is returned. The run-once
// key is claimed with SET NX before the enqueue, so a job that finishes
// immediately still releases it, and it expires with the status retention.
func (f *Factory) EnqueueOnce(ctx context.Context, m *message.Message) (string, error) {
	if m == nil {
		return "", ErrNilMessage
	}
	key := f.keys.Once(m.Queue, m.Hash())
	for {
		claimed, err := f.rdb.SetNX(ctx, key, m.ID, f.retention).Result()
		if err != nil {
			return "", errors.Wrap(err, "claiming run-once key")
		}
		if claimed {
			break
		}
		existing, err := f.rdb.Get(ctx, key).Result()
		if err == r.Nil {
			// Released between the two commands.
			continue
		}
		if err != nil {
			return "", errors.Wrap(err, "reading run-once key")
		}
		f.logger.Debug("duplicate enqueue suppressed", zap.String("job_id", existing), zap.String("queue", m.Queue))
		return existing, nil
	}

	id, err := f.Enqueue(ctx, m)
	if err != nil && id == "" {
		if rerr := f.releaseOnce(ctx, m); rerr != nil {
			f.logger.Error("run-once release failed", zap.String("job_id", m.ID), zap.Error(rerr))
		}
	}
	return id, err
}

// releaseOnce drops the run-once mapping when it still points at m.
func (f *Factory) releaseOnce(ctx context.Context, m *message.Message) error {
	key := f.keys.Once(m.Queue, m.Hash())
	err := f.rdb.Watch(ctx, func(tx *r.Tx) error {
		id, err := tx.Get(ctx, key).Result()
		if err == r.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if id != m.ID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p r.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil && err != r.TxFailedErr {
		return errors.Wrap(err, "releasing run-once key")
	}
	return nil
}

// UpdateStatus writes the status record of m. Complete records expire after
// the retention period.
func (f *Factory) UpdateStatus(ctx context.Context, m *message.Message, status domain.Status) error {
	data, err := json.Marshal(domain.StatusRecord{Status: status, UpdatedAt: f.now().Unix()})
	if err != nil {
		return errors.Wrap(err, "encoding status")
	}
	var ttl time.Duration
	if status == domain.Complete {
		ttl = f.retention
	}
	if err := f.rdb.Set(ctx, f.keys.Status(m.ID), data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "writing status of %s", m.ID)
	}
	if status.Terminal() {
		if err := f.releaseOnce(ctx, m); err != nil {
			f.logger.Error("run-once release failed", zap.String("job_id", m.ID), zap.Error(err))
		}
	}
	f.events.Dispatch(ctx, events.StatusEvent{Msg: m, Status: status})
	return nil
}

func (f *Factory) Status(ctx context.Context, id string) (*domain.StatusRecord, error) {
	data, err := f.rdb.Get(ctx, f.keys.Status(id)).Bytes()
	if err == r.Nil {
		return nil, errors.Wrap(ErrStatusNotFound, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading status of %s", id)
	}
	var rec domain.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "decoding status of %s", id)
	}
	return &rec, nil
}

// Clear empties every known queue, both schedules and the registry.
func (f *Factory) Clear(ctx context.Context) error {
	queues, err := f.Queues(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if err := q.Clear(ctx); err != nil {
			return err
		}
	}
	if err := f.DelayedQueue().Clear(ctx); err != nil {
		return err
	}
	if err := f.RepeatingQueue().Clear(ctx); err != nil {
		return err
	}
	if err := f.rdb.Del(ctx, f.keys.Registry()).Err(); err != nil {
		return errors.Wrap(err, "deleting queue registry")
	}
	f.logger.Info("database cleared", zap.Int("queues", len(queues)))
	return nil
}

// QueueSizes reports pending counts per live queue; the delayed and
// repeating queues appear only when non-empty.
func (f *Factory) QueueSizes(ctx context.Context) (map[string]int64, error) {
	queues, err := f.Queues(ctx)
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int64, len(queues)+2)
	for _, q := range queues {
		n, err := q.Count(ctx)
		if err != nil {
			return nil, err
		}
		sizes[q.Name()] = n
	}
	for _, q := range []queue.Queue{f.DelayedQueue(), f.RepeatingQueue()} {
		n, err := q.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			sizes[q.Name()] = n
		}
	}
	return sizes, nil
}
