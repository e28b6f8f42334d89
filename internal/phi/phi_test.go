package phi

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"cohortvault/internal/model"
	"cohortvault/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTrackerPairsRecords(t *testing.T) {
	phiStore := memory.NewPHIStore()
	tracker := NewTracker(phiStore, testLogger())
	ctx := context.Background()
	cohortID := uuid.New()

	rec := tracker.RecordMaterialized(ctx, cohortID, "pipeline", "/stores/x.duckdb", time.Now().Add(time.Hour))
	if rec.ID == uuid.Nil {
		t.Fatal("materialization record not written")
	}
	tracker.RecordDeleted(ctx, cohortID, "pipeline", "/stores/x.duckdb", rec.ID)

	records, err := phiStore.ListByCohort(ctx, cohortID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want materialized + deleted", len(records))
	}

	var deleted *model.PHIFileTrackingRecord
	for i := range records {
		if records[i].Action == model.PHIDeleted {
			deleted = &records[i]
		}
	}
	if deleted == nil || deleted.RelatedID == nil || *deleted.RelatedID != rec.ID {
		t.Error("deletion record not paired with its materialization")
	}
}

// failingPHIStore rejects every append.
type failingPHIStore struct {
	memory.PHIStore
}

func (f *failingPHIStore) Append(context.Context, model.PHIFileTrackingRecord) error {
	return errors.New("ledger unavailable")
}

func TestTrackerWriteFailureDoesNotPropagate(t *testing.T) {
	tracker := NewTracker(&failingPHIStore{}, testLogger())
	rec := tracker.RecordMaterialized(context.Background(), uuid.New(), "pipeline", "/x", time.Now())
	if rec.ID != uuid.Nil {
		t.Error("failed write should yield the zero record, not an error")
	}
	// RecordDeleted must be equally silent.
	tracker.RecordDeleted(context.Background(), uuid.New(), "pipeline", "/x", uuid.New())
}

func TestSweepFindsAndCleansOverdue(t *testing.T) {
	phiStore := memory.NewPHIStore()
	tracker := NewTracker(phiStore, testLogger())
	sweeper := NewSweeper(phiStore, tracker, testLogger())
	ctx := context.Background()
	cohortID := uuid.New()

	dir := t.TempDir()
	overduePath := filepath.Join(dir, "overdue.duckdb")
	if err := os.WriteFile(overduePath, []byte("phi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	rec := model.PHIFileTrackingRecord{
		ID:              uuid.New(),
		CohortID:        cohortID,
		UserID:          "pipeline",
		Action:          model.PHIMaterialized,
		Path:            overduePath,
		CleanupDeadline: &past,
		CreatedAt:       time.Now().Add(-2 * time.Hour),
	}
	if err := phiStore.Append(ctx, rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	// Report-only sweep leaves the file alone.
	n, err := sweeper.Sweep(ctx, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("overdue = %d, want 1", n)
	}
	if _, err := os.Stat(overduePath); err != nil {
		t.Fatal("report-only sweep must not delete files")
	}

	// Forced sweep deletes and records the deletion.
	if _, err := sweeper.Sweep(ctx, true); err != nil {
		t.Fatalf("forced sweep: %v", err)
	}
	if _, err := os.Stat(overduePath); !os.IsNotExist(err) {
		t.Error("forced sweep did not delete the overdue file")
	}

	n, err = sweeper.Sweep(ctx, false)
	if err != nil {
		t.Fatalf("third sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("overdue after cleanup = %d, want 0", n)
	}
}
