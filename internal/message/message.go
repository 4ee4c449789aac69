// Package message holds the unit of work passed between producers, queues
// and workers, and its wire representation.
package message

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/subway/internal/job"
)

var safeNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

const maxQueueName = 128

// Args is the argument mapping handed to a job. Decoded numbers are kept
// as json.Number, so integer ids beyond 2^53 reach the job intact.
type Args map[string]any

func (a *Args) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return errors.Wrap(err, "decoding message args")
	}
	*a = m
	return nil
}

type Message struct {
	ID       string
	Queue    string
	Class    string
	Args     Args
	At       *time.Time
	Interval string
}

// New builds a message with a fresh id. Two messages built from the same
// triple share Hash but never ID.
func New(queue, class string, args Args) (*Message, error) {
	if err := validateQueue(queue); err != nil {
		return nil, err
	}
	if class == "" {
		return nil, &ValidationError{Field: "class", Reason: "must not be empty"}
	}
	if args == nil {
		args = Args{}
	}
	m := &Message{Queue: queue, Class: class, Args: args}
	m.ID = m.newID()
	return m, nil
}

// MustNew is New for literals known to be valid.
func MustNew(queue, class string, args Args) *Message {
	m, err := New(queue, class, args)
	if err != nil {
		panic(err)
	}
	return m
}

func validateQueue(queue string) error {
	if queue == "" {
		return &ValidationError{Field: "queue", Reason: "must not be empty"}
	}
	if len(queue) > maxQueueName || !safeNameRe.MatchString(queue) {
		return &ValidationError{Field: "queue", Reason: "only alphanumeric, hyphen, underscore and dot allowed (max 128 chars)"}
	}
	return nil
}

func (m *Message) newID() string {
	sum := sha1.Sum([]byte(uuid.NewString() + m.Hash()))
	return hex.EncodeToString(sum[:])
}

// Hash digests (queue, class, args). It is the dedup key of EnqueueOnce.
func (m *Message) Hash() string {
	args := m.Args
	if args == nil {
		args = Args{}
	}
	data, err := json.Marshal([]any{m.Queue, m.Class, args})
	if err != nil {
		// Args that cannot be encoded cannot be stored either; hash the
		// identity only so callers still get a stable key.
		data = []byte(m.Queue + "\x00" + m.Class)
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ShortID is the log-friendly prefix of the id.
func (m *Message) ShortID() string {
	if len(m.ID) <= 7 {
		return m.ID
	}
	return m.ID[:7]
}

// SetAt sets the earliest execution time, kept in UTC at second precision.
func (m *Message) SetAt(at *time.Time) {
	if at == nil {
		m.At = nil
		return
	}
	t := at.UTC().Truncate(time.Second)
	m.At = &t
}

// SetInterval sets the repeat period. A repeating message always has an
// anchor, so an unset At becomes now. An empty string clears the interval.
func (m *Message) SetInterval(raw string) error {
	if raw == "" {
		m.Interval = ""
		return nil
	}
	if _, err := ParseInterval(raw); err != nil {
		return err
	}
	if m.At == nil {
		now := time.Now()
		m.SetAt(&now)
	}
	m.Interval = raw
	return nil
}

func (m *Message) Delayed() bool { return m.At != nil && m.Interval == "" }
func (m *Message) Repeating() bool { return m.At != nil && m.Interval != "" }

// Unschedule strips At and Interval, turning the message into a live job.
func (m *Message) Unschedule() {
	m.At = nil
	m.Interval = ""
}

// Next computes the occurrence following now from the message interval.
func (m *Message) Next(now time.Time) (time.Time, error) {
	in, err := ParseInterval(m.Interval)
	if err != nil {
		return time.Time{}, err
	}
	return in.Next(now).UTC().Truncate(time.Second), nil
}

func (m *Message) Clone() *Message {
	c := *m
	if m.Args != nil {
		c.Args = make(Args, len(m.Args))
		for k, v := range m.Args {
			c.Args[k] = v
		}
	}
	if m.At != nil {
		at := *m.At
		c.At = &at
	}
	return &c
}

// Renew returns a copy carrying a fresh id.
func (m *Message) Renew() *Message {
	c := m.Clone()
	c.ID = c.newID()
	return c
}

// Resolve looks the class up in the registry.
func (m *Message) Resolve(r *job.Registry) (job.Job, error) {
	return r.Resolve(m.Class)
}

type wire struct {
	ID       string `json:"id"`
	Queue    string `json:"queue"`
	Class    string `json:"class"`
	Args     Args   `json:"args"`
	At       string `json:"at,omitempty"`
	Interval string `json:"interval,omitempty"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	w := wire{ID: m.ID, Queue: m.Queue, Class: m.Class, Args: m.Args, Interval: m.Interval}
	if w.Args == nil {
		w.Args = Args{}
	}
	if m.At != nil {
		w.At = m.At.UTC().Format(time.RFC3339)
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{ID: w.ID, Queue: w.Queue, Class: w.Class, Args: w.Args, Interval: w.Interval}
	if m.Args == nil {
		m.Args = Args{}
	}
	if w.At != "" {
		at, err := time.Parse(time.RFC3339, w.At)
		if err != nil {
			return errors.Wrap(err, "decoding message at")
		}
		m.SetAt(&at)
	}
	return nil
}

// Marshal encodes the message for queue storage.
func (m *Message) Marshal() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrapf(err, "encoding message %s", m.ID)
	}
	return string(data), nil
}

// Unmarshal decodes a stored message.
func Unmarshal(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errors.Wrap(err, "decoding message")
	}
	return &m, nil
}

// ToMap is the wire mapping, used for failure records.
func (m *Message) ToMap() map[string]any {
	out := map[string]any{
		"id":    m.ID,
		"queue": m.Queue,
		"class": m.Class,
		"args":  map[string]any(m.Args),
	}
	if m.At != nil {
		out["at"] = m.At.UTC().Format(time.RFC3339)
	}
	if m.Interval != "" {
		out["interval"] = m.Interval
	}
	return out
}
