package factory

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/subway/internal/domain"
)

type WorkerSummary struct {
	ID      string       `json:"id"`
	Started time.Time    `json:"started"`
	Stats   domain.Stats `json:"stats"`
}

// Summary is the snapshot printed by `subway status` and served by the API.
type Summary struct {
	Queues   map[string]int64 `json:"queues"`
	Workers  []WorkerSummary  `json:"workers"`
	Stats    domain.Stats     `json:"stats"`
	Failures int64            `json:"failures"`
}

func (f *Factory) Summary(ctx context.Context) (*Summary, error) {
	sizes, err := f.QueueSizes(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := f.Stats(ctx, "")
	if err != nil {
		return nil, err
	}
	failures, err := f.FailureCount(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := f.Workers(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{Queues: sizes, Workers: make([]WorkerSummary, 0, len(ids)), Stats: stats, Failures: failures}
	for _, id := range ids {
		w := WorkerSummary{ID: id}
		// A worker unregistering concurrently leaves no start time.
		if w.Started, err = f.WorkerStarted(ctx, id); err != nil && !errors.Is(err, r.Nil) {
			return nil, err
		}
		if w.Stats, err = f.Stats(ctx, id); err != nil {
			return nil, err
		}
		s.Workers = append(s.Workers, w)
	}
	return s, nil
}
