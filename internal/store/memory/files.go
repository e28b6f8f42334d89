// Package memory provides in-memory store implementations. They back the
// test suites and single-node deployments; the postgres package is the
// production counterpart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// FileStore holds submissions, tables, and files in process memory.
type FileStore struct {
	mu          sync.RWMutex
	submissions map[uuid.UUID]model.Submission
	tables      map[uuid.UUID]model.DataTable
	files       map[uuid.UUID]model.SubmissionFile
}

func NewFileStore() *FileStore {
	return &FileStore{
		submissions: make(map[uuid.UUID]model.Submission),
		tables:      make(map[uuid.UUID]model.DataTable),
		files:       make(map[uuid.UUID]model.SubmissionFile),
	}
}

func (s *FileStore) CreateSubmission(_ context.Context, sub model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[sub.ID]; ok {
		return store.ErrConflict
	}
	s.submissions[sub.ID] = sub
	return nil
}

func (s *FileStore) GetSubmission(_ context.Context, id uuid.UUID) (model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return model.Submission{}, store.ErrNotFound
	}
	return sub, nil
}

func (s *FileStore) CreateTable(_ context.Context, table model.DataTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table.ID]; ok {
		return store.ErrConflict
	}
	s.tables[table.ID] = table
	return nil
}

func (s *FileStore) GetTable(_ context.Context, id uuid.UUID) (model.DataTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table, ok := s.tables[id]
	if !ok {
		return model.DataTable{}, store.ErrNotFound
	}
	return table, nil
}

func (s *FileStore) ListTables(_ context.Context, submissionID uuid.UUID) ([]model.DataTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DataTable
	for _, t := range s.tables {
		if t.SubmissionID == submissionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableType < out[j].TableType })
	return out, nil
}

func (s *FileStore) UpdateTableStatus(_ context.Context, id uuid.UUID, status model.TableStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[id]
	if !ok {
		return store.ErrNotFound
	}
	table.Status = status
	s.tables[id] = table
	return nil
}

func (s *FileStore) SetTableStorePath(_ context.Context, id uuid.UUID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[id]
	if !ok {
		return store.ErrNotFound
	}
	table.StorePath = path
	s.tables[id] = table
	return nil
}

func (s *FileStore) CreateFile(_ context.Context, file model.SubmissionFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[file.ID]; ok {
		return store.ErrConflict
	}
	s.files[file.ID] = file
	return nil
}

func (s *FileStore) GetFile(_ context.Context, id uuid.UUID) (model.SubmissionFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.files[id]
	if !ok {
		return model.SubmissionFile{}, store.ErrNotFound
	}
	return file, nil
}

func (s *FileStore) ListFilesByTable(_ context.Context, tableID uuid.UUID) ([]model.SubmissionFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.SubmissionFile
	for _, f := range s.files {
		if f.TableID == tableID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (s *FileStore) UpdateFileStatus(_ context.Context, id uuid.UUID, status model.FileStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return store.ErrNotFound
	}
	file.Status = status
	file.StatusReason = reason
	s.files[id] = file
	return nil
}

func (s *FileStore) StampFile(_ context.Context, id uuid.UUID, checksum string, sizeBytes int64, rowCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return store.ErrNotFound
	}
	file.Checksum = checksum
	file.SizeBytes = sizeBytes
	file.RowCount = rowCount
	s.files[id] = file
	return nil
}

func (s *FileStore) DeleteFile(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.files, id)
	return nil
}
