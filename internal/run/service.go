// Package run owns the validation run lifecycle.
//
// A run moves pending → running → completed | failed. Terminal states are
// absorbing: the only way forward from one is a reset, which reuses the
// run's identity rather than allocating a new row. Aggregate counters are
// always derived from the stored variables, never incremented in place,
// so recovery and repeated finalization converge on the same numbers.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cohortvault/internal/metrics"
	"cohortvault/internal/model"
	"cohortvault/internal/store"
	"cohortvault/internal/taskqueue"
)

// TaskFinalize is enqueued after a run reaches a terminal status. The
// pipeline's handler advances the owning table and schedules PHI cleanup.
// State is committed before the task goes out; a crash between the two
// loses only the follow-up, which the next poll or sweep repairs.
const TaskFinalize = "run.finalize"

// FinalizePayload is the body of a TaskFinalize task.
type FinalizePayload struct {
	RunID uuid.UUID `json:"runId"`
}

// Service drives run state transitions.
type Service struct {
	stores store.Stores
	queue  taskqueue.Queue
	log    *slog.Logger
	now    func() time.Time
}

func NewService(stores store.Stores, queue taskqueue.Queue, log *slog.Logger) *Service {
	return &Service{stores: stores, queue: queue, log: log, now: time.Now}
}

// Ensure returns the owner's current run, creating or resetting as needed.
// The same owner always gets the same run ID back.
func (s *Service) Ensure(ctx context.Context, owner model.RunOwner) (model.ValidationRun, bool, error) {
	run, reset, err := s.stores.Runs.EnsureRun(ctx, owner)
	if err != nil {
		return model.ValidationRun{}, false, fmt.Errorf("ensure run: %w", err)
	}
	if reset {
		s.log.InfoContext(ctx, "validation run reset",
			"run_id", run.ID, "owner_kind", owner.Kind, "owner_id", owner.ID)
	} else {
		s.log.InfoContext(ctx, "validation run created",
			"run_id", run.ID, "owner_kind", owner.Kind, "owner_id", owner.ID)
	}
	return run, reset, nil
}

// Begin moves a run to running once its columnar store is ready.
func (s *Service) Begin(ctx context.Context, runID uuid.UUID, storePath string) error {
	if err := s.stores.Runs.StartRun(ctx, runID, storePath, s.now()); err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// Complete finalizes a run whose variables have all been evaluated. The
// aggregates are recomputed from the stored variables; a run with
// error-severity findings still completes. Data problems belong to the
// submitter, failures to the pipeline.
func (s *Service) Complete(ctx context.Context, runID uuid.UUID) (model.ValidationRun, error) {
	run, err := s.stores.Runs.RecomputeAggregates(ctx, runID)
	if err != nil {
		return model.ValidationRun{}, fmt.Errorf("recompute aggregates: %w", err)
	}

	message := fmt.Sprintf("%d of %d variables evaluated", run.CompletedVariables, run.TotalVariables)
	switch {
	case run.ErrorVariables > 0:
		message += fmt.Sprintf(", %d with errors", run.ErrorVariables)
	case run.WarningVariables > 0:
		message += fmt.Sprintf(", %d with warnings", run.WarningVariables)
	}

	if err := s.stores.Runs.FinishRun(ctx, runID, model.StatusCompleted, message, s.now()); err != nil {
		return model.ValidationRun{}, fmt.Errorf("finish run: %w", err)
	}
	run.Status = model.StatusCompleted
	run.Message = message

	metrics.RunsFinished.WithLabelValues(string(model.StatusCompleted)).Inc()
	s.log.InfoContext(ctx, "validation run completed",
		"run_id", runID, "variables", run.TotalVariables,
		"errors", run.ErrorVariables, "warnings", run.WarningVariables)

	s.enqueueFinalize(ctx, runID)
	return run, nil
}

// Fail moves a run to failed with a coarse operator-safe message.
func (s *Service) Fail(ctx context.Context, runID uuid.UUID, message string) error {
	if _, err := s.stores.Runs.RecomputeAggregates(ctx, runID); err != nil {
		s.log.WarnContext(ctx, "recompute before fail", "run_id", runID, "error", err)
	}
	if err := s.stores.Runs.FinishRun(ctx, runID, model.StatusFailed, message, s.now()); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	metrics.RunsFinished.WithLabelValues(string(model.StatusFailed)).Inc()
	s.log.WarnContext(ctx, "validation run failed", "run_id", runID, "message", message)

	s.enqueueFinalize(ctx, runID)
	return nil
}

// enqueueFinalize schedules the post-terminal follow-up after the state
// change is durable.
func (s *Service) enqueueFinalize(ctx context.Context, runID uuid.UUID) {
	err := s.queue.Enqueue(ctx, TaskFinalize, FinalizePayload{RunID: runID}, taskqueue.Options{
		MaxRetries: 3,
		Backoff:    10 * time.Second,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "enqueue run finalize", "run_id", runID, "error", err)
	}
}

// Progress is the polling view of a run: coarse status plus per-variable
// detail, with no cell values anywhere.
type Progress struct {
	Run       model.ValidationRun
	Variables []model.ValidationVariable
}

// GetProgress loads the current state of a run for status polling.
func (s *Service) GetProgress(ctx context.Context, runID uuid.UUID) (Progress, error) {
	run, err := s.stores.Runs.GetRun(ctx, runID)
	if err != nil {
		return Progress{}, err
	}
	vars, err := s.stores.Runs.ListVariables(ctx, runID)
	if err != nil {
		return Progress{}, fmt.Errorf("list variables: %w", err)
	}
	return Progress{Run: run, Variables: vars}, nil
}

// AdvanceTable derives the owning table's status from its files' runs.
// Called from the finalize handler after each terminal transition.
func (s *Service) AdvanceTable(ctx context.Context, tableID uuid.UUID) (model.TableStatus, error) {
	files, err := s.stores.Files.ListFilesByTable(ctx, tableID)
	if err != nil {
		return "", fmt.Errorf("list table files: %w", err)
	}
	if len(files) == 0 {
		return model.TableAwaitingFiles, s.stores.Files.UpdateTableStatus(ctx, tableID, model.TableAwaitingFiles)
	}

	status := model.TableValidated
	for _, f := range files {
		run, err := s.stores.Runs.GetRunByOwner(ctx, model.RunOwner{Kind: model.OwnerSubmissionFile, ID: f.ID})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				status = model.TableProcessing
				break
			}
			return "", fmt.Errorf("load run for file %s: %w", f.ID, err)
		}
		switch {
		case run.Status == model.StatusFailed:
			return model.TableFailed, s.stores.Files.UpdateTableStatus(ctx, tableID, model.TableFailed)
		case !run.Status.Terminal():
			status = model.TableProcessing
		case run.ErrorVariables > 0 && status != model.TableProcessing:
			status = model.TableHasErrors
		}
	}
	return status, s.stores.Files.UpdateTableStatus(ctx, tableID, status)
}
