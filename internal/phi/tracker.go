// Package phi tracks the lifecycle of files containing protected health
// information.
//
// Every materialization of patient data outside the system of record (a
// columnar store, a temp extract) is logged with a cleanup deadline, and
// every deletion is logged against its materialization. The ledger is
// append-only; a periodic reconciliation sweep catches anything the
// pipeline failed to clean up inline.
package phi

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"cohortvault/internal/metrics"
	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// Tracker writes the PHI lifecycle ledger.
//
// Ledger writes never fail the pipeline: losing a run over a bookkeeping
// write would leave MORE patient data on disk, not less. Failures are
// logged, counted, and left for the reconciliation sweep.
type Tracker struct {
	phi store.PHIStore
	log *slog.Logger
	now func() time.Time
}

func NewTracker(phi store.PHIStore, log *slog.Logger) *Tracker {
	return &Tracker{phi: phi, log: log, now: time.Now}
}

// RecordMaterialized logs that a PHI file now exists at path, due for
// cleanup after deadline. Returns the record for later pairing; the zero
// record when the write failed.
func (t *Tracker) RecordMaterialized(ctx context.Context, cohortID uuid.UUID, userID, path string, deadline time.Time) model.PHIFileTrackingRecord {
	rec := model.PHIFileTrackingRecord{
		ID:              uuid.New(),
		CohortID:        cohortID,
		UserID:          userID,
		Action:          model.PHIMaterialized,
		Path:            path,
		CleanupDeadline: &deadline,
		CreatedAt:       t.now(),
	}
	if err := t.phi.Append(ctx, rec); err != nil {
		t.warn(ctx, "materialized", path, err)
		return model.PHIFileTrackingRecord{}
	}
	return rec
}

// RecordDeleted logs that the file behind a materialization record is
// gone. relatedID pairs the deletion with its materialization.
func (t *Tracker) RecordDeleted(ctx context.Context, cohortID uuid.UUID, userID, path string, relatedID uuid.UUID) {
	rec := model.PHIFileTrackingRecord{
		ID:        uuid.New(),
		CohortID:  cohortID,
		UserID:    userID,
		Action:    model.PHIDeleted,
		Path:      path,
		CreatedAt: t.now(),
	}
	if relatedID != uuid.Nil {
		rec.RelatedID = &relatedID
	}
	if err := t.phi.Append(ctx, rec); err != nil {
		t.warn(ctx, "deleted", path, err)
	}
}

func (t *Tracker) warn(ctx context.Context, action, path string, err error) {
	metrics.PHITrackingWriteFailures.Inc()
	t.log.WarnContext(ctx, "phi tracking write failed",
		"action", action, "path", path, "error", err)
}

// CleanupFile removes a PHI file from disk and records the deletion.
// A file that is already gone still gets its deletion record, so the
// ledger converges even when cleanup raced an earlier attempt.
func (t *Tracker) CleanupFile(ctx context.Context, rec model.PHIFileTrackingRecord, userID string) error {
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	t.RecordDeleted(ctx, rec.CohortID, userID, rec.Path, rec.ID)
	return nil
}
