package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// FileStore persists submissions, tables, and files in PostgreSQL.
type FileStore struct {
	pool *pgxpool.Pool
}

func NewFileStore(pool *pgxpool.Pool) *FileStore {
	return &FileStore{pool: pool}
}

func (s *FileStore) CreateSubmission(ctx context.Context, sub model.Submission) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO submissions (id, cohort_id, protocol_year, created_at)
		 VALUES ($1, $2, $3, $4)`,
		sub.ID, sub.CohortID, sub.ProtocolYear, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *FileStore) GetSubmission(ctx context.Context, id uuid.UUID) (model.Submission, error) {
	var sub model.Submission
	err := s.pool.QueryRow(ctx,
		`SELECT id, cohort_id, protocol_year, created_at FROM submissions WHERE id = $1`, id).
		Scan(&sub.ID, &sub.CohortID, &sub.ProtocolYear, &sub.CreatedAt)
	if err != nil {
		return model.Submission{}, mapErr(err, "get submission")
	}
	return sub, nil
}

func (s *FileStore) CreateTable(ctx context.Context, table model.DataTable) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO data_tables (id, submission_id, table_type, status, store_path)
		 VALUES ($1, $2, $3, $4, $5)`,
		table.ID, table.SubmissionID, table.TableType, table.Status, table.StorePath)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func (s *FileStore) GetTable(ctx context.Context, id uuid.UUID) (model.DataTable, error) {
	var t model.DataTable
	err := s.pool.QueryRow(ctx,
		`SELECT id, submission_id, table_type, status, store_path FROM data_tables WHERE id = $1`, id).
		Scan(&t.ID, &t.SubmissionID, &t.TableType, &t.Status, &t.StorePath)
	if err != nil {
		return model.DataTable{}, mapErr(err, "get table")
	}
	return t, nil
}

func (s *FileStore) ListTables(ctx context.Context, submissionID uuid.UUID) ([]model.DataTable, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, table_type, status, store_path
		 FROM data_tables WHERE submission_id = $1 ORDER BY table_type`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []model.DataTable
	for rows.Next() {
		var t model.DataTable
		if err := rows.Scan(&t.ID, &t.SubmissionID, &t.TableType, &t.Status, &t.StorePath); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *FileStore) UpdateTableStatus(ctx context.Context, id uuid.UUID, status model.TableStatus) error {
	return s.exec(ctx, "update table status",
		`UPDATE data_tables SET status = $2 WHERE id = $1`, id, status)
}

func (s *FileStore) SetTableStorePath(ctx context.Context, id uuid.UUID, path string) error {
	return s.exec(ctx, "set table store path",
		`UPDATE data_tables SET store_path = $2 WHERE id = $1`, id, path)
}

func (s *FileStore) CreateFile(ctx context.Context, file model.SubmissionFile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO submission_files
		   (id, table_id, submission_id, file_name, storage_path, status, status_reason,
		    checksum, size_bytes, row_count, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		file.ID, file.TableID, file.SubmissionID, file.FileName, file.StoragePath,
		file.Status, file.StatusReason, file.Checksum, file.SizeBytes, file.RowCount, file.UploadedAt)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

func (s *FileStore) GetFile(ctx context.Context, id uuid.UUID) (model.SubmissionFile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, table_id, submission_id, file_name, storage_path, status, status_reason,
		        checksum, size_bytes, row_count, uploaded_at
		 FROM submission_files WHERE id = $1`, id)
	return scanFile(row)
}

func (s *FileStore) ListFilesByTable(ctx context.Context, tableID uuid.UUID) ([]model.SubmissionFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, table_id, submission_id, file_name, storage_path, status, status_reason,
		        checksum, size_bytes, row_count, uploaded_at
		 FROM submission_files WHERE table_id = $1 ORDER BY uploaded_at`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []model.SubmissionFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *FileStore) UpdateFileStatus(ctx context.Context, id uuid.UUID, status model.FileStatus, reason string) error {
	return s.exec(ctx, "update file status",
		`UPDATE submission_files SET status = $2, status_reason = $3 WHERE id = $1`,
		id, status, reason)
}

func (s *FileStore) StampFile(ctx context.Context, id uuid.UUID, checksum string, sizeBytes int64, rowCount int) error {
	return s.exec(ctx, "stamp file",
		`UPDATE submission_files SET checksum = $2, size_bytes = $3, row_count = $4 WHERE id = $1`,
		id, checksum, sizeBytes, rowCount)
}

func (s *FileStore) DeleteFile(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "delete file",
		`DELETE FROM submission_files WHERE id = $1`, id)
}

func (s *FileStore) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanFile(row pgx.Row) (model.SubmissionFile, error) {
	var f model.SubmissionFile
	err := row.Scan(&f.ID, &f.TableID, &f.SubmissionID, &f.FileName, &f.StoragePath,
		&f.Status, &f.StatusReason, &f.Checksum, &f.SizeBytes, &f.RowCount, &f.UploadedAt)
	if err != nil {
		return model.SubmissionFile{}, mapErr(err, "scan file")
	}
	return f, nil
}
