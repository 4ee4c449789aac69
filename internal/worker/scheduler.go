package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/factory"
	"github.com/SirClappington/subway/internal/message"
	"github.com/SirClappington/subway/internal/queue"
)

// Scheduler moves eligible delayed and repeating messages onto their live
// queues, one message per drain.
type Scheduler struct {
	f        *factory.Factory
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(f *factory.Factory, interval time.Duration) *Scheduler {
	return &Scheduler{f: f, interval: interval, logger: f.Logger().With(zap.String("component", "scheduler"))}
}

// DrainDelayed moves one eligible delayed message onto its live queue under
// its own id. It returns nil when nothing was due. The move is a single
// transaction; only the status write follows it.
func (s *Scheduler) DrainDelayed(ctx context.Context) (*message.Message, error) {
	m, err := s.f.DelayedQueue().PopToLive(ctx)
	if err != nil || m == nil {
		return nil, err
	}
	if err := s.f.Track(ctx, m, queue.DelayedName); err != nil {
		return m, errors.Wrapf(err, "tracking delayed job %s", m.ShortID())
	}
	return m, nil
}

// DrainRepeating moves one due repeating occurrence onto its live queue as
// a separate job with a fresh id, rescheduling the entry in the same
// transaction.
func (s *Scheduler) DrainRepeating(ctx context.Context) (*message.Message, error) {
	occurrence, next, err := s.f.RepeatingQueue().PopToLive(ctx)
	if err != nil || occurrence == nil {
		return nil, err
	}
	if err := s.f.Track(ctx, occurrence, queue.RepeatingName); err != nil {
		return occurrence, errors.Wrapf(err, "tracking repeating job %s", occurrence.ShortID())
	}
	s.logger.Debug("repeating job rescheduled", zap.String("job_id", next.ShortID()), zap.Time("next", *next.At))
	return occurrence, nil
}

// Run drains both schedules every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	delayed := time.NewTicker(s.interval)
	defer delayed.Stop()
	repeating := time.NewTicker(s.interval)
	defer repeating.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-delayed.C:
			if _, err := s.DrainDelayed(ctx); err != nil {
				s.logger.Error("delayed drain failed", zap.Error(err))
			}
		case <-repeating.C:
			if _, err := s.DrainRepeating(ctx); err != nil {
				s.logger.Error("repeating drain failed", zap.Error(err))
			}
		}
	}
}
