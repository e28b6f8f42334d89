package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohortvault/internal/model"
)

// IdentityStore persists the patient universe and per-file identity
// results in PostgreSQL.
type IdentityStore struct {
	pool *pgxpool.Pool
}

func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

func (s *IdentityStore) ReplaceUniverse(ctx context.Context, set model.PatientIdentitySet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace universe: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO patient_identity_sets (submission_id, source_file_id, identifiers, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (submission_id) DO UPDATE SET
		   source_file_id = EXCLUDED.source_file_id,
		   identifiers    = EXCLUDED.identifiers,
		   updated_at     = EXCLUDED.updated_at`,
		set.SubmissionID, set.SourceFileID, set.Identifiers, set.UpdatedAt); err != nil {
		return fmt.Errorf("replace universe: %w", err)
	}

	// A new universe invalidates every prior cross-validation result.
	if _, err := tx.Exec(ctx,
		`UPDATE file_patient_identities SET status = 'pending' WHERE submission_id = $1`,
		set.SubmissionID); err != nil {
		return fmt.Errorf("reset file identities: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *IdentityStore) ClearUniverse(ctx context.Context, submissionID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin clear universe: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM patient_identity_sets WHERE submission_id = $1`, submissionID); err != nil {
		return fmt.Errorf("clear universe: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE file_patient_identities SET status = 'pending' WHERE submission_id = $1`,
		submissionID); err != nil {
		return fmt.Errorf("reset file identities: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *IdentityStore) GetUniverse(ctx context.Context, submissionID uuid.UUID) (model.PatientIdentitySet, error) {
	var set model.PatientIdentitySet
	err := s.pool.QueryRow(ctx,
		`SELECT submission_id, source_file_id, identifiers, updated_at
		 FROM patient_identity_sets WHERE submission_id = $1`, submissionID).
		Scan(&set.SubmissionID, &set.SourceFileID, &set.Identifiers, &set.UpdatedAt)
	if err != nil {
		return model.PatientIdentitySet{}, mapErr(err, "get universe")
	}
	return set, nil
}

func (s *IdentityStore) UpsertFileIdentities(ctx context.Context, fi model.FilePatientIdentities) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_patient_identities
		   (file_id, submission_id, status, column_match, identifiers, valid_count,
		    invalid_count, duplicate_count, missing_count, invalid_sample, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (file_id) DO UPDATE SET
		   status          = EXCLUDED.status,
		   column_match    = EXCLUDED.column_match,
		   identifiers     = EXCLUDED.identifiers,
		   valid_count     = EXCLUDED.valid_count,
		   invalid_count   = EXCLUDED.invalid_count,
		   duplicate_count = EXCLUDED.duplicate_count,
		   missing_count   = EXCLUDED.missing_count,
		   invalid_sample  = EXCLUDED.invalid_sample,
		   updated_at      = EXCLUDED.updated_at`,
		fi.FileID, fi.SubmissionID, fi.Status, fi.ColumnMatch, fi.Identifiers, fi.ValidCount,
		fi.InvalidCount, fi.DuplicateCount, fi.MissingCount, fi.InvalidSample, fi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert file identities: %w", err)
	}
	return nil
}

func (s *IdentityStore) DeleteFileIdentities(ctx context.Context, fileID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM file_patient_identities WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete file identities: %w", err)
	}
	return nil
}

func (s *IdentityStore) GetFileIdentities(ctx context.Context, fileID uuid.UUID) (model.FilePatientIdentities, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT file_id, submission_id, status, column_match, identifiers, valid_count,
		        invalid_count, duplicate_count, missing_count, invalid_sample, updated_at
		 FROM file_patient_identities WHERE file_id = $1`, fileID)
	return scanFileIdentities(row)
}

func (s *IdentityStore) ListFileIdentities(ctx context.Context, submissionID uuid.UUID) ([]model.FilePatientIdentities, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT file_id, submission_id, status, column_match, identifiers, valid_count,
		        invalid_count, duplicate_count, missing_count, invalid_sample, updated_at
		 FROM file_patient_identities WHERE submission_id = $1 ORDER BY file_id`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list file identities: %w", err)
	}
	defer rows.Close()

	var out []model.FilePatientIdentities
	for rows.Next() {
		fi, err := scanFileIdentities(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

func scanFileIdentities(row pgx.Row) (model.FilePatientIdentities, error) {
	var fi model.FilePatientIdentities
	err := row.Scan(&fi.FileID, &fi.SubmissionID, &fi.Status, &fi.ColumnMatch,
		&fi.Identifiers, &fi.ValidCount, &fi.InvalidCount, &fi.DuplicateCount,
		&fi.MissingCount, &fi.InvalidSample, &fi.UpdatedAt)
	if err != nil {
		return model.FilePatientIdentities{}, mapErr(err, "scan file identities")
	}
	return fi, nil
}
