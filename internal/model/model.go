// Package model defines the durable records of the validation pipeline.
//
// Everything here is persistence-shaped: these structs map 1:1 onto rows in
// the relational store and carry no behavior beyond small derivations. The
// services in internal/run, internal/identity and internal/phi own the
// lifecycle rules; the stores in internal/store own durability.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a validation run or variable.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is one of the two end states.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OwnerKind identifies what a validation run validates.
// The set is closed: a run belongs to a submission file or to a precheck.
type OwnerKind string

const (
	OwnerSubmissionFile OwnerKind = "submission_file"
	OwnerPrecheck       OwnerKind = "precheck"
)

// RunOwner is the tagged reference from a run to the entity it validates.
type RunOwner struct {
	Kind OwnerKind
	ID   uuid.UUID
}

// ValidationRun is one validation attempt for a file or precheck.
// A file has at most one current run; re-validation resets the existing
// run in place instead of allocating a new one.
type ValidationRun struct {
	ID        uuid.UUID
	Owner     RunOwner
	Status    RunStatus
	StorePath string // columnar store backing this run, empty until converted
	Message   string // coarse user-visible message, never a stack trace

	TotalVariables     int
	CompletedVariables int
	WarningVariables   int
	ErrorVariables     int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ValidationVariable is one column of one run.
// Unique per (run, column name).
type ValidationVariable struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	ColumnName string
	ColumnType string
	Label      string
	Status     RunStatus
	Summary    string

	TotalCount   int
	NullCount    int
	EmptyCount   int
	ValidCount   int
	InvalidCount int
	WarningCount int
	ErrorCount   int
}

// CheckSeverity classifies a failed check outcome.
type CheckSeverity string

const (
	SeverityWarning CheckSeverity = "warning"
	SeverityError   CheckSeverity = "error"
)

// RowRef locates an affected row without exposing cell values.
// File plus row token is safe to surface to the uploader; raw identifier
// values never leave the pipeline.
type RowRef struct {
	FileID uuid.UUID `json:"fileId"`
	Row    int       `json:"row"`
}

// ValidationCheck is one rule outcome for one variable.
// Re-running a variable replaces its full check set.
type ValidationCheck struct {
	ID           uuid.UUID
	VariableID   uuid.UUID
	RuleKey      string
	Params       map[string]any
	Passed       bool
	Severity     CheckSeverity
	Message      string
	AffectedRows int
	RowRefs      []RowRef // capped sample; AffectedRows holds the exact count
}

// IdentityStatus is the cross-validation state of a file's identifiers.
type IdentityStatus string

const (
	IdentityPending IdentityStatus = "pending"
	IdentityValid   IdentityStatus = "valid"
	IdentityInvalid IdentityStatus = "invalid"
)

// PatientIdentitySet is the submission-wide identifier universe, sourced
// from the authoritative patient file. Replaced wholesale, never patched.
type PatientIdentitySet struct {
	SubmissionID uuid.UUID
	SourceFileID uuid.UUID
	Identifiers  []string
	UpdatedAt    time.Time
}

// FilePatientIdentities holds one file's extracted identifiers and their
// validation against the submission universe.
type FilePatientIdentities struct {
	FileID       uuid.UUID
	SubmissionID uuid.UUID
	Status       IdentityStatus

	// ColumnMatch records how the identifier column was located: exact,
	// alias, fuzzy, or none. A fuzzy match validates but signals a naming
	// mismatch the submitter should fix.
	ColumnMatch string

	Identifiers    []string
	ValidCount     int
	InvalidCount   int
	DuplicateCount int
	MissingCount   int
	InvalidSample  []string // capped for display; InvalidCount is exact

	UpdatedAt time.Time
}

// Coverage returns valid identifiers as a fraction of the universe size.
func (f FilePatientIdentities) Coverage(universeSize int) float64 {
	if universeSize == 0 {
		return 0
	}
	return float64(f.ValidCount) / float64(universeSize)
}

// PHIAction is the kind of event recorded in the PHI tracking log.
type PHIAction string

const (
	PHIMaterialized PHIAction = "materialized"
	PHIDeleted      PHIAction = "deleted"
)

// PHIFileTrackingRecord is one entry in the append-only PHI lifecycle log.
// A deletion entry references its materialization via RelatedID. The log
// is never edited or pruned; reconciliation verifies pairing after the
// fact rather than enforcing it at write time.
type PHIFileTrackingRecord struct {
	ID              uuid.UUID
	CohortID        uuid.UUID
	UserID          string
	Action          PHIAction
	Path            string
	RelatedID       *uuid.UUID // set on deleted records
	CleanupDeadline *time.Time // set on materialized records
	CreatedAt       time.Time
}

// Overdue reports whether a materialization record has passed its cleanup
// deadline at the given instant.
func (r PHIFileTrackingRecord) Overdue(now time.Time) bool {
	return r.Action == PHIMaterialized && r.CleanupDeadline != nil && now.After(*r.CleanupDeadline)
}
