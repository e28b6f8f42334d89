package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// IdentityStore holds the patient universe and per-file identity results
// in process memory.
type IdentityStore struct {
	mu        sync.RWMutex
	universes map[uuid.UUID]model.PatientIdentitySet    // by submission
	files     map[uuid.UUID]model.FilePatientIdentities // by file
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		universes: make(map[uuid.UUID]model.PatientIdentitySet),
		files:     make(map[uuid.UUID]model.FilePatientIdentities),
	}
}

func (s *IdentityStore) ReplaceUniverse(_ context.Context, set model.PatientIdentitySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set.Identifiers = append([]string{}, set.Identifiers...)
	s.universes[set.SubmissionID] = set
	for id, fi := range s.files {
		if fi.SubmissionID == set.SubmissionID {
			fi.Status = model.IdentityPending
			s.files[id] = fi
		}
	}
	return nil
}

func (s *IdentityStore) ClearUniverse(_ context.Context, submissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.universes, submissionID)
	for id, fi := range s.files {
		if fi.SubmissionID == submissionID {
			fi.Status = model.IdentityPending
			s.files[id] = fi
		}
	}
	return nil
}

func (s *IdentityStore) GetUniverse(_ context.Context, submissionID uuid.UUID) (model.PatientIdentitySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.universes[submissionID]
	if !ok {
		return model.PatientIdentitySet{}, store.ErrNotFound
	}
	return set, nil
}

func (s *IdentityStore) UpsertFileIdentities(_ context.Context, fi model.FilePatientIdentities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi.Identifiers = append([]string{}, fi.Identifiers...)
	fi.InvalidSample = append([]string{}, fi.InvalidSample...)
	s.files[fi.FileID] = fi
	return nil
}

func (s *IdentityStore) DeleteFileIdentities(_ context.Context, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileID)
	return nil
}

func (s *IdentityStore) GetFileIdentities(_ context.Context, fileID uuid.UUID) (model.FilePatientIdentities, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fi, ok := s.files[fileID]
	if !ok {
		return model.FilePatientIdentities{}, store.ErrNotFound
	}
	return fi, nil
}

func (s *IdentityStore) ListFileIdentities(_ context.Context, submissionID uuid.UUID) ([]model.FilePatientIdentities, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FilePatientIdentities
	for _, fi := range s.files {
		if fi.SubmissionID == submissionID {
			out = append(out, fi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID.String() < out[j].FileID.String() })
	return out, nil
}
