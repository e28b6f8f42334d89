// Package taskqueue provides the durable task queue behind the pipeline.
//
// Producers enqueue typed tasks; a worker pool dequeues and dispatches
// them to registered handlers with retry and backoff. Two backends exist:
// an in-process queue for tests and single-node deployments, and a Redis
// queue that survives restarts and spreads work across replicas.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of queued work.
type Task struct {
	ID      uuid.UUID       `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`

	// Attempt counts deliveries, starting at 1 on first dequeue.
	Attempt    int           `json:"attempt"`
	MaxRetries int           `json:"maxRetries"`
	Backoff    time.Duration `json:"backoff"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Unmarshal decodes the task payload into v.
func (t Task) Unmarshal(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Options control delivery of one enqueued task.
type Options struct {
	// MaxRetries is the number of redeliveries after a failed attempt.
	MaxRetries int
	// Backoff is the delay before each redelivery.
	Backoff time.Duration
	// Delay postpones the first delivery.
	Delay time.Duration
}

// Queue is the producer and consumer surface of a task backend.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload any, opts Options) error
	// Requeue puts a delivered task back for another attempt, preserving
	// its attempt count.
	Requeue(ctx context.Context, task Task, delay time.Duration) error
	// Dequeue blocks until a task is available or the context ends.
	Dequeue(ctx context.Context) (Task, error)
	Close() error
}

// ErrClosed is returned by Dequeue after the queue shuts down.
var ErrClosed = errors.New("task queue closed")

// Handler processes one task delivery.
type Handler func(ctx context.Context, task Task) error

// Mux routes tasks to handlers by kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers the handler for a task kind. Panics on duplicates so
// wiring mistakes surface at startup.
func (m *Mux) Handle(kind string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[kind]; ok {
		panic(fmt.Sprintf("taskqueue: duplicate handler for %q", kind))
	}
	m.handlers[kind] = h
}

// Dispatch runs the handler registered for the task's kind.
func (m *Mux) Dispatch(ctx context.Context, task Task) error {
	m.mu.RLock()
	h, ok := m.handlers[task.Kind]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for task kind %q", task.Kind)
	}
	return h(ctx, task)
}

// newTask builds a Task from producer input.
func newTask(kind string, payload any, opts Options) (Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Task{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    body,
		MaxRetries: opts.MaxRetries,
		Backoff:    opts.Backoff,
		EnqueuedAt: time.Now(),
	}, nil
}
