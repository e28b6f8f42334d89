package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// RunStore holds validation runs, variables, and checks in process memory.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]model.ValidationRun
	byOwner map[model.RunOwner]uuid.UUID
	vars    map[uuid.UUID]model.ValidationVariable
	checks  map[uuid.UUID][]model.ValidationCheck // keyed by variable ID

	now func() time.Time
}

func NewRunStore() *RunStore {
	return &RunStore{
		runs:    make(map[uuid.UUID]model.ValidationRun),
		byOwner: make(map[model.RunOwner]uuid.UUID),
		vars:    make(map[uuid.UUID]model.ValidationVariable),
		checks:  make(map[uuid.UUID][]model.ValidationCheck),
		now:     time.Now,
	}
}

func (s *RunStore) EnsureRun(_ context.Context, owner model.RunOwner) (model.ValidationRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byOwner[owner]; ok {
		run := s.runs[id]
		run.Status = model.StatusPending
		run.Message = ""
		run.StorePath = ""
		run.TotalVariables = 0
		run.CompletedVariables = 0
		run.WarningVariables = 0
		run.ErrorVariables = 0
		run.StartedAt = nil
		run.CompletedAt = nil
		s.runs[id] = run
		s.dropVariablesLocked(id)
		return run, true, nil
	}

	run := model.ValidationRun{
		ID:        uuid.New(),
		Owner:     owner,
		Status:    model.StatusPending,
		CreatedAt: s.now(),
	}
	s.runs[run.ID] = run
	s.byOwner[owner] = run.ID
	return run, false, nil
}

func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (model.ValidationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return model.ValidationRun{}, store.ErrNotFound
	}
	return run, nil
}

func (s *RunStore) GetRunByOwner(_ context.Context, owner model.RunOwner) (model.ValidationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOwner[owner]
	if !ok {
		return model.ValidationRun{}, store.ErrNotFound
	}
	return s.runs[id], nil
}

func (s *RunStore) StartRun(_ context.Context, id uuid.UUID, storePath string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = model.StatusRunning
	run.StorePath = storePath
	run.StartedAt = &startedAt
	s.runs[id] = run
	return nil
}

func (s *RunStore) FinishRun(_ context.Context, id uuid.UUID, status model.RunStatus, message string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status.Terminal() && run.Status != status {
		return store.ErrConflict
	}
	run.Status = status
	run.Message = message
	run.CompletedAt = &completedAt
	s.runs[id] = run
	return nil
}

func (s *RunStore) ReplaceVariables(_ context.Context, runID uuid.UUID, vars []model.ValidationVariable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return store.ErrNotFound
	}
	s.dropVariablesLocked(runID)
	for _, v := range vars {
		v.RunID = runID
		s.vars[v.ID] = v
	}
	run := s.runs[runID]
	run.TotalVariables = len(vars)
	s.runs[runID] = run
	return nil
}

func (s *RunStore) UpdateVariable(_ context.Context, v model.ValidationVariable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[v.ID]; !ok {
		return store.ErrNotFound
	}
	s.vars[v.ID] = v
	return nil
}

func (s *RunStore) ListVariables(_ context.Context, runID uuid.UUID) ([]model.ValidationVariable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ValidationVariable
	for _, v := range s.vars {
		if v.RunID == runID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ColumnName < out[j].ColumnName })
	return out, nil
}

func (s *RunStore) ReplaceChecks(_ context.Context, variableID uuid.UUID, checks []model.ValidationCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[variableID]; !ok {
		return store.ErrNotFound
	}
	out := make([]model.ValidationCheck, len(checks))
	for i, c := range checks {
		c.VariableID = variableID
		out[i] = c
	}
	s.checks[variableID] = out
	return nil
}

func (s *RunStore) ListChecks(_ context.Context, variableID uuid.UUID) ([]model.ValidationCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ValidationCheck{}, s.checks[variableID]...), nil
}

func (s *RunStore) RecomputeAggregates(_ context.Context, runID uuid.UUID) (model.ValidationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return model.ValidationRun{}, store.ErrNotFound
	}

	var total, completed, warning, errored int
	for _, v := range s.vars {
		if v.RunID != runID {
			continue
		}
		total++
		if v.Status.Terminal() {
			completed++
		}
		if v.WarningCount > 0 {
			warning++
		}
		if v.ErrorCount > 0 || v.Status == model.StatusFailed {
			errored++
		}
	}
	run.TotalVariables = total
	run.CompletedVariables = completed
	run.WarningVariables = warning
	run.ErrorVariables = errored
	s.runs[runID] = run
	return run, nil
}

func (s *RunStore) dropVariablesLocked(runID uuid.UUID) {
	for id, v := range s.vars {
		if v.RunID == runID {
			delete(s.vars, id)
			delete(s.checks, id)
		}
	}
}
