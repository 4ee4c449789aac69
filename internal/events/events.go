// Package events delivers enqueue and status notifications to in-process
// subscribers.
package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/SirClappington/subway/internal/domain"
	"github.com/SirClappington/subway/internal/message"
)

type Kind string

const (
	KindEnqueue Kind = "enqueue"
	KindStatus  Kind = "status"
)

type Event interface {
	Kind() Kind
	Message() *message.Message
}

type EnqueueEvent struct {
	Msg *message.Message
}

func (EnqueueEvent) Kind() Kind { return KindEnqueue }
func (e EnqueueEvent) Message() *message.Message { return e.Msg }

type StatusEvent struct {
	Msg    *message.Message
	Status domain.Status
}

func (StatusEvent) Kind() Kind { return KindStatus }
func (e StatusEvent) Message() *message.Message { return e.Msg }

// Handler receives every dispatched event.
type Handler func(ctx context.Context, e Event) error

// Dispatcher fans events out synchronously. A failing or panicking handler
// is logged and never interrupts the caller or the remaining handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger.With(zap.String("component", "events"))}
}

func (d *Dispatcher) Subscribe(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// On subscribes h to events of one kind only.
func (d *Dispatcher) On(kind Kind, h Handler) {
	d.Subscribe(func(ctx context.Context, e Event) error {
		if e.Kind() != kind {
			return nil
		}
		return h(ctx, e)
	})
}

func (d *Dispatcher) Dispatch(ctx context.Context, e Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		if err := d.call(ctx, h, e); err != nil {
			fields := []zap.Field{zap.String("event", string(e.Kind())), zap.Error(err)}
			if m := e.Message(); m != nil {
				fields = append(fields, zap.String("job_id", m.ID))
			}
			d.logger.Error("event subscriber failed", fields...)
		}
	}
}

func (d *Dispatcher) call(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panic: %v", rec)
		}
	}()
	return h(ctx, e)
}
