package job

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Class names of the jobs shipped with the subway binary.
const (
	NoopClass    = "NoopJob"
	Md5Class     = "Md5Job"
	FailingClass = "FailingJob"
	SleepClass   = "SleepJob"
)

// md5Rounds is the CPU workload of the sample job.
const md5Rounds = 200000

// RegisterBuiltins adds the sample jobs to r.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(NoopClass, func() Job { return noopJob{} })
	r.MustRegister(Md5Class, func() Job { return md5Job{} })
	r.MustRegister(FailingClass, func() Job { return failingJob{} })
	r.MustRegister(SleepClass, func() Job { return sleepJob{} })
}

type noopJob struct{}

func (noopJob) Perform(context.Context, map[string]any) error { return nil }

func (noopJob) Name() string { return "noop" }

type md5Job struct{}

func (md5Job) Perform(ctx context.Context, _ map[string]any) error {
	var sum [md5.Size]byte
	for i := 0; i < md5Rounds; i++ {
		if i%10000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		sum = md5.Sum([]byte(strconv.Itoa(i)))
	}
	_ = hex.EncodeToString(sum[:])
	return nil
}

type failingJob struct{}

func (failingJob) Perform(_ context.Context, args map[string]any) error {
	msg := "failing job"
	if v, ok := args["message"].(string); ok && v != "" {
		msg = v
	}
	return errors.New(msg)
}

type sleepJob struct{}

func (sleepJob) Perform(ctx context.Context, args map[string]any) error {
	var d time.Duration
	switch v := args["seconds"].(type) {
	case json.Number:
		secs, err := v.Float64()
		if err != nil {
			return errors.Wrap(err, "sleep job: seconds")
		}
		d = time.Duration(secs * float64(time.Second))
	case float64:
		d = time.Duration(v * float64(time.Second))
	case int:
		d = time.Duration(v) * time.Second
	case string:
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "sleep job: seconds")
		}
		d = time.Duration(secs * float64(time.Second))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
