package taskqueue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process queue backed by a buffered channel. Delayed
// tasks sit on a timer until due. Not durable; restarts drop queued work.
type Memory struct {
	tasks chan Task
	done  chan struct{}

	mu     sync.Mutex
	timers []*time.Timer
	closed bool
}

func NewMemory(buffer int) *Memory {
	if buffer < 1 {
		buffer = 256
	}
	return &Memory{
		tasks: make(chan Task, buffer),
		done:  make(chan struct{}),
	}
}

func (q *Memory) Enqueue(ctx context.Context, kind string, payload any, opts Options) error {
	task, err := newTask(kind, payload, opts)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if opts.Delay > 0 {
		timer := time.AfterFunc(opts.Delay, func() { q.push(task) })
		q.timers = append(q.timers, timer)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requeue schedules a delivered task for another attempt, keeping its
// attempt count.
func (q *Memory) Requeue(_ context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if delay > 0 {
		timer := time.AfterFunc(delay, func() { q.push(task) })
		q.timers = append(q.timers, timer)
		return nil
	}
	go q.push(task)
	return nil
}

// push delivers a deferred task once its timer fires.
func (q *Memory) push(task Task) {
	select {
	case q.tasks <- task:
	case <-q.done:
	}
}

func (q *Memory) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-q.done:
		return Task{}, ErrClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	close(q.done)
	return nil
}
