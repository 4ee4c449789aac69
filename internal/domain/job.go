package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	Waiting  Status = "waiting"
	Running  Status = "running"
	Failed   Status = "failed"
	Complete Status = "complete"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool { return s == Failed || s == Complete }

func (s Status) Valid() bool {
	switch s {
	case Waiting, Running, Failed, Complete:
		return true
	}
	return false
}

// StatusRecord is stored per message id.
type StatusRecord struct {
	Status    Status `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

func (r StatusRecord) Time() time.Time { return time.Unix(r.UpdatedAt, 0).UTC() }

// Failure is one entry of the append-only failure log.
type Failure struct {
	FailedAt  time.Time      `json:"failed_at"`
	Payload   map[string]any `json:"payload"`
	Exception string         `json:"exception"`
	Error     string         `json:"error"`
	Backtrace []string       `json:"backtrace,omitempty"`
	Worker    string         `json:"worker"`
	Queue     string         `json:"queue"`
}

// Stats are the processed/failed counters, globally or for one worker.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// AllQueues marks a worker that polls every registered queue.
const AllQueues = "*"

// WorkerID identifies a supervisor process as host:pid:queues.
type WorkerID struct {
	Host   string
	PID    int
	Queues []string
}

func (w WorkerID) String() string {
	queues := AllQueues
	if len(w.Queues) > 0 {
		queues = strings.Join(w.Queues, ",")
	}
	return fmt.Sprintf("%s:%d:%s", w.Host, w.PID, queues)
}

func ParseWorkerID(s string) (WorkerID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return WorkerID{}, fmt.Errorf("malformed worker id %q", s)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return WorkerID{}, fmt.Errorf("malformed worker pid in %q: %w", s, err)
	}
	id := WorkerID{Host: parts[0], PID: pid}
	if parts[2] != AllQueues && parts[2] != "" {
		id.Queues = strings.Split(parts[2], ",")
	}
	return id, nil
}
