package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/factory"
	"github.com/SirClappington/subway/internal/job"
	"github.com/SirClappington/subway/internal/message"
)

const (
	// PerformCommand is the hidden subcommand a child process is started with.
	PerformCommand = "perform"

	// EnvWorkerID carries the supervisor id into the child process.
	EnvWorkerID = "SUBWAY_WORKER_ID"
)

// Unit is one running job. It is never cancelled: the only way out is the
// job returning or the process dying.
type Unit interface {
	ID() string
	Message() *message.Message
	Started() time.Time
	// Done is closed once the unit has terminated.
	Done() <-chan struct{}
	// Wait blocks until Done and reports abnormal termination. A job that
	// failed normally is not an error here.
	Wait() error
}

type Executor interface {
	Start(ctx context.Context, worker string, m *message.Message) (Unit, error)
}

type unit struct {
	id      string
	msg     *message.Message
	started time.Time
	done    chan struct{}

	once sync.Once
	err  error
}

func newUnit(id string, m *message.Message) *unit {
	return &unit{id: id, msg: m, started: time.Now(), done: make(chan struct{})}
}

func (u *unit) ID() string { return u.id }
func (u *unit) Message() *message.Message { return u.msg }
func (u *unit) Started() time.Time { return u.started }
func (u *unit) Done() <-chan struct{} { return u.done }

func (u *unit) Wait() error {
	<-u.done
	return u.err
}

func (u *unit) finish(err error) {
	u.once.Do(func() {
		u.err = err
		close(u.done)
	})
}

// ProcessExecutor runs every job in a fresh child process: the current
// binary re-executed with the perform command, the message on stdin. A job
// that crashes or hangs takes only its own process with it.
type ProcessExecutor struct {
	// Path defaults to the running executable.
	Path string
	// Args default to the perform command.
	Args []string
	// Env is appended to the parent environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

func (e *ProcessExecutor) Start(_ context.Context, worker string, m *message.Message) (Unit, error) {
	raw, err := m.Marshal()
	if err != nil {
		return nil, err
	}

	path := e.Path
	if path == "" {
		if path, err = os.Executable(); err != nil {
			return nil, errors.Wrap(err, "locating executable")
		}
	}
	args := e.Args
	if len(args) == 0 {
		args = []string{PerformCommand}
	}

	// Not CommandContext: shutting the supervisor down must not kill jobs.
	cmd := exec.Command(path, args...)
	cmd.Stdin = strings.NewReader(raw)
	cmd.Env = append(append(os.Environ(), e.Env...), EnvWorkerID+"="+worker)
	cmd.Stdout = e.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting execution unit for %s", m.ShortID())
	}

	u := newUnit(strconv.Itoa(cmd.Process.Pid), m)
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("unit", u.id), zap.String("job_id", m.ShortID()))
	logger.Debug("execution unit started", zap.String("path", path))
	go func() {
		err := cmd.Wait()
		if err != nil {
			err = errors.Wrapf(err, "execution unit %s", u.id)
		}
		logger.Debug("execution unit exited", zap.Int("exit_code", cmd.ProcessState.ExitCode()), zap.Duration("elapsed", time.Since(u.started)))
		u.finish(err)
	}()
	return u, nil
}

// InlineExecutor runs jobs on goroutines inside the supervisor process.
// Panics are recovered but a hung job still holds a slot forever, so it is
// meant for tests and embedding rather than production workers.
type InlineExecutor struct {
	Factory  *factory.Factory
	Registry *job.Registry

	mu  sync.Mutex
	seq int
}

func (e *InlineExecutor) Start(ctx context.Context, worker string, m *message.Message) (Unit, error) {
	e.mu.Lock()
	e.seq++
	id := fmt.Sprintf("inline-%d", e.seq)
	e.mu.Unlock()

	u := newUnit(id, m)
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		var err error
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("execution unit %s panicked: %v", id, rec)
			}
			u.finish(err)
		}()
		_, err = Perform(jobCtx, e.Factory, e.Registry, worker, m)
	}()
	return u, nil
}
