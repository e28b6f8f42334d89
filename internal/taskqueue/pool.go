package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// PoolObserver receives pool lifecycle events, normally the metrics
// package.
type PoolObserver interface {
	TaskDone(kind string, outcome string, elapsed time.Duration)
}

type nopPoolObserver struct{}

func (nopPoolObserver) TaskDone(string, string, time.Duration) {}

// Pool runs a fixed set of workers draining one queue through a mux.
// Failed tasks are requeued with their configured backoff until the retry
// budget runs out; exhausted tasks are logged and dropped.
type Pool struct {
	queue    Queue
	mux      *Mux
	log      *slog.Logger
	workers  int
	observer PoolObserver

	wg sync.WaitGroup
}

func NewPool(queue Queue, mux *Mux, log *slog.Logger, workers int, observer PoolObserver) *Pool {
	if workers < 1 {
		workers = 1
	}
	if observer == nil {
		observer = nopPoolObserver{}
	}
	return &Pool{
		queue:    queue,
		mux:      mux,
		log:      log,
		workers:  workers,
		observer: observer,
	}
}

// Start launches the workers. They run until the context is canceled or
// the queue closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.log.With("worker", id)
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.ErrorContext(ctx, "dequeue failed", "error", err)
			continue
		}
		p.handle(ctx, log, task)
	}
}

func (p *Pool) handle(ctx context.Context, log *slog.Logger, task Task) {
	task.Attempt++
	start := time.Now()

	err := p.dispatch(ctx, task)
	if err == nil {
		p.observer.TaskDone(task.Kind, "ok", time.Since(start))
		return
	}

	if task.Attempt > task.MaxRetries {
		log.ErrorContext(ctx, "task exhausted its retries",
			"kind", task.Kind, "task_id", task.ID, "attempts", task.Attempt, "error", err)
		p.observer.TaskDone(task.Kind, "exhausted", time.Since(start))
		return
	}

	delay := retryDelay(task.Backoff, task.Attempt)
	log.WarnContext(ctx, "task failed, retrying",
		"kind", task.Kind, "task_id", task.ID, "attempt", task.Attempt,
		"backoff", delay, "error", err)
	p.observer.TaskDone(task.Kind, "retry", time.Since(start))

	if rerr := p.queue.Requeue(ctx, task, delay); rerr != nil {
		log.ErrorContext(ctx, "requeue failed", "kind", task.Kind, "task_id", task.ID, "error", rerr)
	}
}

// maxRetryDelay bounds the exponential growth of retry delays.
const maxRetryDelay = 10 * time.Minute

// retryDelay doubles the base delay for each completed attempt, capped at
// maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return base
}

// dispatch isolates handler panics so one bad task cannot kill a worker.
func (p *Pool) dispatch(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task handler panicked")
			p.log.ErrorContext(ctx, "task handler panicked",
				"kind", task.Kind, "task_id", task.ID, "panic", r)
		}
	}()
	return p.mux.Dispatch(ctx, task)
}
