// Package storage archives job lifecycle events in Postgres. Redis holds the
// live state and expires complete statuses; the archive keeps the history.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/domain"
	"github.com/SirClappington/subway/internal/events"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Connect opens a pool and checks it answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}
	return pool, nil
}

// Event is one archived transition of a job.
type Event struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Queue     string          `json:"queue"`
	Class     string          `json:"class"`
	Kind      string          `json:"kind"`
	Status    domain.Status   `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type RecordEventParams struct {
	JobID, Queue, Class string
	Kind                events.Kind
	Status              domain.Status
	Payload             []byte
	At                  time.Time
}

// RecordEvent persists one event and returns its id.
func (s *Store) RecordEvent(ctx context.Context, p *RecordEventParams) (string, error) {
	id := uuid.NewString()
	var status *string
	if p.Status != "" {
		v := string(p.Status)
		status = &v
	}
	_, err := s.db.Exec(ctx, `insert into job_events(
id, job_id, queue, class, kind, status, payload, created_at
) values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, p.JobID, p.Queue, p.Class, string(p.Kind), status, p.Payload, p.At,
	)
	if err != nil {
		return "", errors.Wrapf(err, "archiving %s event of %s", p.Kind, p.JobID)
	}
	return id, nil
}

// History returns the events of one job in the order they were recorded.
func (s *Store) History(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := s.db.Query(ctx, `select id, job_id, queue, class, kind, coalesce(status, ''), payload, created_at
  from job_events
 where job_id = $1
 order by seq`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying history of %s", jobID)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var status string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Queue, &e.Class, &e.Kind, &status, &e.Payload, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning job event")
		}
		e.Status = domain.Status(status)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "reading job events")
}

// paramsFor maps a dispatched event onto an archive row.
func paramsFor(e events.Event, now time.Time) (*RecordEventParams, error) {
	m := e.Message()
	if m == nil {
		return nil, errors.New("event without message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encoding event payload")
	}
	p := &RecordEventParams{
		JobID:   m.ID,
		Queue:   m.Queue,
		Class:   m.Class,
		Kind:    e.Kind(),
		Payload: payload,
		At:      now.UTC(),
	}
	if se, ok := e.(events.StatusEvent); ok {
		p.Status = se.Status
	}
	return p, nil
}

// Subscriber archives every dispatched event. Failures surface through the
// dispatcher log and never block the job.
func (s *Store) Subscriber(logger *zap.Logger) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		p, err := paramsFor(e, time.Now())
		if err != nil {
			return err
		}
		id, err := s.RecordEvent(ctx, p)
		if err != nil {
			return err
		}
		logger.Debug("event archived", zap.String("event_id", id), zap.String("job_id", p.JobID), zap.String("kind", string(p.Kind)))
		return nil
	}
}
