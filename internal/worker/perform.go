package worker

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/domain"
	"github.com/SirClappington/subway/internal/factory"
	"github.com/SirClappington/subway/internal/job"
	"github.com/SirClappington/subway/internal/message"
)

// PanicError is a job panic converted into a failure.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }

// Perform is the body of an execution unit. It returns the final status of
// the job; the error is reserved for store failures, job errors end up in
// the failure log instead.
func Perform(ctx context.Context, f *factory.Factory, reg *job.Registry, worker string, m *message.Message) (domain.Status, error) {
	logger := f.Logger().With(
		zap.String("job_id", m.ShortID()),
		zap.String("queue", m.Queue),
		zap.String("class", m.Class),
		zap.String("worker", worker),
	)

	j, err := m.Resolve(reg)
	if err != nil {
		logger.Error("job class not resolvable", zap.Error(err))
		return domain.Failed, Fail(ctx, f, worker, m, err)
	}

	if err := f.UpdateStatus(ctx, m, domain.Running); err != nil {
		return domain.Waiting, err
	}

	start := time.Now()
	if err := run(ctx, j, m.Args); err != nil {
		logger.Error("job execution failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return domain.Failed, Fail(ctx, f, worker, m, err)
	}

	if err := f.UpdateStatus(ctx, m, domain.Complete); err != nil {
		return domain.Running, err
	}
	logger.Info("job finished successfully",
		zap.String("name", job.DisplayName(j, m.Class)),
		zap.Duration("duration", time.Since(start)),
	)
	return domain.Complete, f.IncrProcessed(ctx, worker)
}

// PerformFrom decodes one message from r and performs it; it is what the
// perform command runs inside a child process.
func PerformFrom(ctx context.Context, r io.Reader, f *factory.Factory, reg *job.Registry, worker string) (domain.Status, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrap(err, "reading message")
	}
	m, err := message.Unmarshal(string(data))
	if err != nil {
		return "", err
	}
	return Perform(ctx, f, reg, worker, m)
}

func run(ctx context.Context, j job.Job, args message.Args) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return j.Perform(ctx, args)
}

// Fail marks m failed, appends to the failure log and counts the failure.
func Fail(ctx context.Context, f *factory.Factory, worker string, m *message.Message, cause error) error {
	return multierr.Combine(
		f.UpdateStatus(ctx, m, domain.Failed),
		f.RecordFailure(ctx, failureOf(worker, m, cause, f.Now())),
		f.IncrFailed(ctx, worker),
	)
}

func failureOf(worker string, m *message.Message, err error, now time.Time) domain.Failure {
	cause := errors.Cause(err)

	var trace string
	if pe, ok := cause.(*PanicError); ok {
		trace = string(pe.Stack)
	} else {
		trace = fmt.Sprintf("%+v", err)
	}

	return domain.Failure{
		FailedAt:  now.UTC(),
		Payload:   m.ToMap(),
		Exception: fmt.Sprintf("%T", cause),
		Error:     err.Error(),
		Backtrace: strings.Split(strings.TrimSpace(trace), "\n"),
		Worker:    worker,
		Queue:     m.Queue,
	}
}
