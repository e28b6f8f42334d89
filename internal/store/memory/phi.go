package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// PHIStore is the in-memory append-only PHI tracking ledger.
type PHIStore struct {
	mu      sync.RWMutex
	records []model.PHIFileTrackingRecord
}

func NewPHIStore() *PHIStore {
	return &PHIStore{}
}

func (s *PHIStore) Append(_ context.Context, rec model.PHIFileTrackingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.ID == rec.ID {
			return store.ErrConflict
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *PHIStore) ListByCohort(_ context.Context, cohortID uuid.UUID) ([]model.PHIFileTrackingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PHIFileTrackingRecord
	for _, rec := range s.records {
		if rec.CohortID == cohortID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *PHIStore) ListUncleaned(_ context.Context, now time.Time) ([]model.PHIFileTrackingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cleaned := make(map[uuid.UUID]bool)
	for _, rec := range s.records {
		if rec.Action == model.PHIDeleted && rec.RelatedID != nil {
			cleaned[*rec.RelatedID] = true
		}
	}

	var out []model.PHIFileTrackingRecord
	for _, rec := range s.records {
		if rec.Overdue(now) && !cleaned[rec.ID] {
			out = append(out, rec)
		}
	}
	return out, nil
}
