package pipeline

import (
	"github.com/google/uuid"

	"cohortvault/internal/definition"
	"cohortvault/internal/model"
)

// WorkflowContext carries one file's pipeline state from stage to stage.
// Durable facts live in the stores; the context only holds what the next
// stage needs, loaded once at chain start and enriched as stages run.
type WorkflowContext struct {
	File       model.SubmissionFile
	Table      model.DataTable
	Submission model.Submission
	Definition definition.TableType

	// Integrity facts measured during diagnosis, persisted by the stamp
	// stage. Carried in the task payload so a retried chain does not
	// depend on an earlier stage's write.
	Checksum  string
	SizeBytes int64
	RowCount  int

	// Deferrals mirrors the payload's deferral count for the start gate.
	Deferrals int

	Run model.ValidationRun

	StorePath   string
	StoreReused bool
	Store       ColumnStore

	// SourceAbs maps a store's source_file value (absolute path) back to
	// the submission file it came from.
	SourceAbs map[string]uuid.UUID

	stopped    bool
	stopReason string
}

// Stop short-circuits the remaining stages. Later stages run no side
// effects for a stopped context.
func (w *WorkflowContext) Stop(reason string) {
	w.stopped = true
	w.stopReason = reason
}

// Stopped reports whether a stage ended the chain early.
func (w *WorkflowContext) Stopped() bool { return w.stopped }

// StopReason returns why the chain was stopped, empty when it was not.
func (w *WorkflowContext) StopReason() string { return w.stopReason }

func (w *WorkflowContext) closeStore() {
	if w.Store != nil {
		_ = w.Store.Close()
		w.Store = nil
	}
}
