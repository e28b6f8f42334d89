// Package store defines the persistence contracts for submissions, runs,
// patient identities, and PHI tracking records. Each contract has an
// in-memory implementation for tests and single-node use and a Postgres
// implementation for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"cohortvault/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with existing state.
	ErrConflict = errors.New("conflict")
)

// Stores bundles the persistence contracts a service needs.
type Stores struct {
	Files      FileStore
	Runs       RunStore
	Identities IdentityStore
	PHI        PHIStore
}

// FileStore persists submissions, data tables, and submitted files.
type FileStore interface {
	CreateSubmission(ctx context.Context, sub model.Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (model.Submission, error)

	CreateTable(ctx context.Context, table model.DataTable) error
	GetTable(ctx context.Context, id uuid.UUID) (model.DataTable, error)
	ListTables(ctx context.Context, submissionID uuid.UUID) ([]model.DataTable, error)
	UpdateTableStatus(ctx context.Context, id uuid.UUID, status model.TableStatus) error
	SetTableStorePath(ctx context.Context, id uuid.UUID, path string) error

	CreateFile(ctx context.Context, file model.SubmissionFile) error
	GetFile(ctx context.Context, id uuid.UUID) (model.SubmissionFile, error)
	ListFilesByTable(ctx context.Context, tableID uuid.UUID) ([]model.SubmissionFile, error)
	UpdateFileStatus(ctx context.Context, id uuid.UUID, status model.FileStatus, reason string) error
	// StampFile records the integrity facts measured during diagnostics.
	StampFile(ctx context.Context, id uuid.UUID, checksum string, sizeBytes int64, rowCount int) error
	DeleteFile(ctx context.Context, id uuid.UUID) error
}

// RunStore persists validation runs, their variables, and their checks.
type RunStore interface {
	// EnsureRun returns the current run for the owner, creating it when
	// absent. When a run already exists it is reset in place: same run ID,
	// pending status, variables and checks cleared, aggregates zeroed.
	// reset reports whether an existing run was reset rather than created.
	EnsureRun(ctx context.Context, owner model.RunOwner) (run model.ValidationRun, reset bool, err error)
	GetRun(ctx context.Context, id uuid.UUID) (model.ValidationRun, error)
	GetRunByOwner(ctx context.Context, owner model.RunOwner) (model.ValidationRun, error)

	StartRun(ctx context.Context, id uuid.UUID, storePath string, startedAt time.Time) error
	// FinishRun moves a run to a terminal status. Finishing an already
	// terminal run with a different status returns ErrConflict.
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, message string, completedAt time.Time) error

	ReplaceVariables(ctx context.Context, runID uuid.UUID, vars []model.ValidationVariable) error
	UpdateVariable(ctx context.Context, v model.ValidationVariable) error
	ListVariables(ctx context.Context, runID uuid.UUID) ([]model.ValidationVariable, error)

	// ReplaceChecks swaps the full check set of one variable.
	ReplaceChecks(ctx context.Context, variableID uuid.UUID, checks []model.ValidationCheck) error
	ListChecks(ctx context.Context, variableID uuid.UUID) ([]model.ValidationCheck, error)

	// RecomputeAggregates derives the run's rollup counters from a full
	// re-read of its variables and stores the result. Safe to call any
	// number of times; the outcome depends only on current child state.
	RecomputeAggregates(ctx context.Context, runID uuid.UUID) (model.ValidationRun, error)
}

// IdentityStore persists the submission patient universe and per-file
// identity cross-validation results.
type IdentityStore interface {
	// ReplaceUniverse swaps the submission's patient universe wholesale
	// and resets every file identity record of the submission to pending.
	ReplaceUniverse(ctx context.Context, set model.PatientIdentitySet) error
	GetUniverse(ctx context.Context, submissionID uuid.UUID) (model.PatientIdentitySet, error)
	// ClearUniverse removes the submission's patient universe and resets
	// every remaining file identity record of the submission to pending.
	// Used when the authoritative patient file is deleted.
	ClearUniverse(ctx context.Context, submissionID uuid.UUID) error

	UpsertFileIdentities(ctx context.Context, fi model.FilePatientIdentities) error
	DeleteFileIdentities(ctx context.Context, fileID uuid.UUID) error
	GetFileIdentities(ctx context.Context, fileID uuid.UUID) (model.FilePatientIdentities, error)
	ListFileIdentities(ctx context.Context, submissionID uuid.UUID) ([]model.FilePatientIdentities, error)
}

// PHIStore is the append-only ledger of PHI file materializations and
// deletions. Records are never updated or removed.
type PHIStore interface {
	Append(ctx context.Context, rec model.PHIFileTrackingRecord) error
	ListByCohort(ctx context.Context, cohortID uuid.UUID) ([]model.PHIFileTrackingRecord, error)
	// ListUncleaned returns materialized records with no paired deletion
	// record whose cleanup deadline is at or before now.
	ListUncleaned(ctx context.Context, now time.Time) ([]model.PHIFileTrackingRecord, error)
}
