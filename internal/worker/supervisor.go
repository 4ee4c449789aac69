// Package worker runs jobs: the supervisor loop that polls queues and
// dispatches execution units, the units themselves, and the scheduler that
// turns due delayed and repeating messages into live jobs.
package worker

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/subway/internal/domain"
	"github.com/SirClappington/subway/internal/factory"
	"github.com/SirClappington/subway/internal/job"
	"github.com/SirClappington/subway/internal/queue"
)

type State int32

const (
	Idle State = iota
	Polling
	Dispatching
	Waiting
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Dispatching:
		return "dispatching"
	case Waiting:
		return "waiting"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

type Options struct {
	// Queues to poll; empty means every registered queue.
	Queues       []string
	Interval     time.Duration
	ReapInterval time.Duration
	Concurrency  int

	// Host and PID make up the worker id. They default to the current
	// process.
	Host string
	PID  int
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Second
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.Host == "" {
		o.Host, _ = os.Hostname()
	}
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
}

// UnitInfo describes a running execution unit.
type UnitInfo struct {
	Unit    string    `json:"unit"`
	JobID   string    `json:"job_id"`
	Queue   string    `json:"queue"`
	Class   string    `json:"class"`
	Started time.Time `json:"started"`
}

type tracked struct {
	unit Unit
	res  *queue.Reservation
}

// Supervisor polls queues and keeps at most Concurrency execution units
// alive. All scheduling decisions happen on the goroutine running Run.
type Supervisor struct {
	f     *factory.Factory
	reg   *job.Registry
	exec  Executor
	sched *Scheduler
	opts  Options
	id    string

	logger *zap.Logger
	state  atomic.Int32

	mu      sync.Mutex
	running map[string]*tracked

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewSupervisor(f *factory.Factory, reg *job.Registry, exec Executor, opts Options) *Supervisor {
	opts.defaults()
	id := domain.WorkerID{Host: opts.Host, PID: opts.PID, Queues: opts.Queues}.String()
	return &Supervisor{
		f:       f,
		reg:     reg,
		exec:    exec,
		sched:   NewScheduler(f, opts.Interval),
		opts:    opts,
		id:      id,
		logger:  f.Logger().With(zap.String("worker", id)),
		running: make(map[string]*tracked),
	}
}

func (s *Supervisor) ID() string { return s.id }

func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) { s.state.Store(int32(st)) }

// Running lists the live execution units, oldest first.
func (s *Supervisor) Running() []UnitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UnitInfo, 0, len(s.running))
	for _, t := range s.running {
		m := t.unit.Message()
		out = append(out, UnitInfo{Unit: t.unit.ID(), JobID: m.ID, Queue: m.Queue, Class: m.Class, Started: t.unit.Started()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (s *Supervisor) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Run registers the worker and loops until ctx is cancelled, then drains.
func (s *Supervisor) Run(ctx context.Context) error {
	s.recoverDead(ctx)

	if err := s.f.RegisterWorker(ctx, s.id); err != nil {
		return err
	}
	s.setState(Waiting)
	s.logger.Info("worker ready",
		zap.Strings("queues", s.opts.Queues),
		zap.Int("concurrency", s.opts.Concurrency),
		zap.Duration("interval", s.opts.Interval),
	)

	dispatch := time.NewTicker(s.opts.Interval)
	defer dispatch.Stop()
	reap := time.NewTicker(s.opts.ReapInterval)
	defer reap.Stop()
	delayed := time.NewTicker(s.opts.Interval)
	defer delayed.Stop()
	repeating := time.NewTicker(s.opts.Interval)
	defer repeating.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Shutdown(context.WithoutCancel(ctx))
		case <-dispatch.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("dispatch tick aborted", zap.Error(err))
			}
		case <-reap.C:
			s.Reap(ctx)
		case <-delayed.C:
			if _, err := s.sched.DrainDelayed(ctx); err != nil {
				s.logger.Error("delayed drain failed", zap.Error(err))
			}
		case <-repeating.C:
			if _, err := s.sched.DrainRepeating(ctx); err != nil {
				s.logger.Error("repeating drain failed", zap.Error(err))
			}
		}
	}
}

// Tick reaps finished units and then reserves at most one message per
// eligible queue, in registry order, until the concurrency ceiling is hit.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.Reap(ctx)
	s.setState(Polling)
	defer s.setState(Waiting)

	queues, err := s.f.Queues(ctx, s.opts.Queues...)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if s.live() >= s.opts.Concurrency {
			return nil
		}
		res, err := q.Reserve(ctx, s.id)
		if err != nil {
			return err
		}
		if res == nil {
			continue
		}
		s.setState(Dispatching)
		if err := s.dispatch(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) dispatch(ctx context.Context, res *queue.Reservation) error {
	m := res.Message
	logger := s.logger.With(zap.String("job_id", m.ShortID()), zap.String("queue", m.Queue), zap.String("class", m.Class))

	// Resolve here as well as in the unit so an unknown class never costs a
	// process. The failure log doubles as the dead-letter record.
	if _, err := m.Resolve(s.reg); err != nil {
		logger.Error("job class not resolvable, dropping", zap.Error(err))
		return multierr.Combine(
			Fail(ctx, s.f, s.id, m, err),
			s.f.Ack(ctx, s.id, res.Raw),
		)
	}

	u, err := s.exec.Start(ctx, s.id, m)
	if err != nil {
		logger.Error("could not start execution unit", zap.Error(err))
		if rerr := s.f.Release(ctx, s.id, res); rerr != nil {
			logger.Error("could not release reservation", zap.Error(rerr))
		}
		return err
	}

	s.mu.Lock()
	s.running[u.ID()] = &tracked{unit: u, res: res}
	s.mu.Unlock()
	logger.Info("starting job", zap.String("unit", u.ID()))
	return nil
}

// Reap collects every unit that has terminated without blocking on the
// others.
func (s *Supervisor) Reap(ctx context.Context) {
	s.mu.Lock()
	var done []*tracked
	for id, t := range s.running {
		select {
		case <-t.unit.Done():
			done = append(done, t)
			delete(s.running, id)
		default:
		}
	}
	s.mu.Unlock()

	for _, t := range done {
		if err := s.finish(ctx, t); err != nil {
			s.logger.Error("reaping execution unit failed", zap.String("unit", t.unit.ID()), zap.Error(err))
		}
	}
}

// finish acknowledges the reservation of a terminated unit. A unit that died
// without recording an outcome has its job failed on its behalf.
func (s *Supervisor) finish(ctx context.Context, t *tracked) error {
	m := t.unit.Message()
	var errs error
	if uerr := t.unit.Wait(); uerr != nil {
		s.logger.Error("execution unit terminated abnormally", zap.String("job_id", m.ShortID()), zap.Error(uerr))
		rec, err := s.f.Status(ctx, m.ID)
		if err != nil && errors.Cause(err) != factory.ErrStatusNotFound {
			errs = multierr.Append(errs, err)
		}
		if rec == nil || !rec.Status.Terminal() {
			errs = multierr.Append(errs, Fail(ctx, s.f, s.id, m, uerr))
		}
	}
	return multierr.Append(errs, s.f.Ack(ctx, s.id, t.res.Raw))
}

// Shutdown waits for every running unit, without killing any, and then
// unregisters the worker. Only the first call does anything.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.setState(Draining)

		s.mu.Lock()
		pending := make([]*tracked, 0, len(s.running))
		for id, t := range s.running {
			pending = append(pending, t)
			delete(s.running, id)
		}
		s.mu.Unlock()
		s.logger.Info("shutting down, waiting for running jobs", zap.Int("running", len(pending)))

		var g errgroup.Group
		for _, t := range pending {
			g.Go(func() error { return s.finish(ctx, t) })
		}
		s.shutdownErr = multierr.Combine(g.Wait(), s.f.UnregisterWorker(ctx, s.id))

		s.setState(Stopped)
		s.logger.Info("worker stopped")
	})
	return s.shutdownErr
}

// recoverDead requeues the reservations of workers on this host whose
// process is gone. It runs before registration, so an entry carrying our own
// pid is a previous incarnation (a restarted container is pid 1 again).
func (s *Supervisor) recoverDead(ctx context.Context) {
	ids, err := s.f.Workers(ctx)
	if err != nil {
		s.logger.Warn("could not list workers for recovery", zap.Error(err))
		return
	}
	for _, id := range ids {
		w, err := domain.ParseWorkerID(id)
		if err != nil || w.Host != s.opts.Host || (w.PID != s.opts.PID && processAlive(w.PID)) {
			continue
		}
		n, err := s.f.Recover(ctx, id)
		if err != nil {
			s.logger.Warn("could not recover dead worker", zap.String("dead", id), zap.Error(err))
			continue
		}
		if err := s.f.UnregisterWorker(ctx, id); err != nil {
			s.logger.Warn("could not unregister dead worker", zap.String("dead", id), zap.Error(err))
		}
		s.logger.Info("recovered dead worker", zap.String("dead", id), zap.Int("requeued", n))
	}
}
