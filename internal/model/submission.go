package model

import (
	"time"

	"github.com/google/uuid"
)

// TableStatus is the coarse per-table state surfaced to the portal.
// Validation errors surface here but do not block advancement.
type TableStatus string

const (
	TableAwaitingFiles TableStatus = "awaiting_files"
	TableProcessing    TableStatus = "processing"
	TableValidated     TableStatus = "validated"
	TableHasErrors     TableStatus = "has_errors"
	TableFailed        TableStatus = "failed"
)

// Submission is one cohort's data package for one protocol year.
type Submission struct {
	ID           uuid.UUID
	CohortID     uuid.UUID
	ProtocolYear int
	CreatedAt    time.Time
}

// DataTable is the per-file-type container within a submission, e.g. the
// "diagnosis" table. Multi-file tables share one combined columnar store.
type DataTable struct {
	ID           uuid.UUID
	SubmissionID uuid.UUID
	TableType    string // definition key, e.g. "diagnosis"
	Status       TableStatus
	StorePath    string // combined columnar store, empty until converted
}

// FileStatus tracks an uploaded file through the pipeline.
type FileStatus string

const (
	FileUploaded   FileStatus = "uploaded"
	FileDiagnosing FileStatus = "diagnosing"
	FileGated      FileStatus = "gated" // integrity warnings pending resolution
	FileRejected   FileStatus = "rejected"
	FileConverted  FileStatus = "converted"
	FileValidating FileStatus = "validating"
	FileValidated  FileStatus = "validated"
	FileFailed     FileStatus = "failed"
)

// SubmissionFile is one uploaded tabular file.
type SubmissionFile struct {
	ID           uuid.UUID
	TableID      uuid.UUID
	SubmissionID uuid.UUID
	FileName     string
	StoragePath  string
	Status       FileStatus
	StatusReason string

	// Integrity stamp, written after diagnostics succeed.
	Checksum  string
	SizeBytes int64
	RowCount  int

	UploadedAt time.Time
}
