package taskqueue

import (
	"context"
	"time"
)

// Sync executes every task inline at enqueue time, retrying immediately
// without backoff. It exists for tests and for the vaultctl commands,
// where deferred execution would only obscure the outcome.
type Sync struct {
	Mux *Mux
}

func NewSync(mux *Mux) *Sync {
	return &Sync{Mux: mux}
}

func (s *Sync) Enqueue(ctx context.Context, kind string, payload any, opts Options) error {
	task, err := newTask(kind, payload, opts)
	if err != nil {
		return err
	}
	for {
		task.Attempt++
		err = s.Mux.Dispatch(ctx, task)
		if err == nil || task.Attempt > task.MaxRetries {
			return err
		}
	}
}

func (s *Sync) Requeue(ctx context.Context, task Task, _ time.Duration) error {
	return s.Mux.Dispatch(ctx, task)
}

func (s *Sync) Dequeue(ctx context.Context) (Task, error) {
	<-ctx.Done()
	return Task{}, ctx.Err()
}

func (s *Sync) Close() error { return nil }
