// Package notify fans engine events out to observers. Publishing never blocks
// the caller and never fails it: a full buffer drops the event and sink errors
// are logged and swallowed.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names an engine event
type EventType string

const (
	EventJobStarted   EventType = "job_started"
	EventJobCompleted EventType = "job_completed"
	EventActionTaken  EventType = "action_taken"
	EventTaskProgress EventType = "task_progress"
	EventError        EventType = "error"
)

// Event is one notification
type Event struct {
	Type      EventType      `json:"type"`
	TenantID  string         `json:"tenantId"`
	JobKind   string         `json:"jobKind,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier accepts events
type Notifier interface {
	Publish(Event)
}

// Nop discards every event
type Nop struct{}

// Publish implements Notifier
func (Nop) Publish(Event) {}

// Sink receives dispatched events
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Dispatcher delivers events to sinks from a single background goroutine
type Dispatcher struct {
	events chan Event
	sinks  []Sink
	logger *zerolog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with a buffer of the given size
func NewDispatcher(buffer int, logger *zerolog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "notify").Logger()
	return &Dispatcher{
		events: make(chan Event, buffer),
		sinks:  sinks,
		logger: &l,
		done:   make(chan struct{}),
	}
}

// Start runs the delivery loop until Close drains the buffer
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for ev := range d.events {
			d.deliver(ctx, ev)
		}
	}()
}

// Publish queues ev without blocking
func (d *Dispatcher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		droppedEvents.WithLabelValues(string(ev.Type)).Inc()
		d.logger.Warn().Str("event", string(ev.Type)).Str("tenant_id", ev.TenantID).Msg("Event buffer full, dropping event")
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to expire
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.events)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, sink := range d.sinks {
		if err := safeHandle(ctx, sink, ev); err != nil {
			sinkErrors.WithLabelValues(sink.Name()).Inc()
			d.logger.Warn().Err(err).Str("sink", sink.Name()).Str("event", string(ev.Type)).Msg("Sink failed")
		}
	}
}

func safeHandle(ctx context.Context, sink Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Handle(ctx, ev)
}
