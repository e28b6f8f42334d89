package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohortvault/internal/model"
)

// PHIStore is the PostgreSQL append-only PHI tracking ledger. Only INSERT
// and SELECT are ever issued against the backing table.
type PHIStore struct {
	pool *pgxpool.Pool
}

func NewPHIStore(pool *pgxpool.Pool) *PHIStore {
	return &PHIStore{pool: pool}
}

func (s *PHIStore) Append(ctx context.Context, rec model.PHIFileTrackingRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO phi_file_tracking
		   (id, cohort_id, user_id, action, path, related_id, cleanup_deadline, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.CohortID, rec.UserID, rec.Action, rec.Path,
		rec.RelatedID, rec.CleanupDeadline, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append phi record: %w", err)
	}
	return nil
}

func (s *PHIStore) ListByCohort(ctx context.Context, cohortID uuid.UUID) ([]model.PHIFileTrackingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cohort_id, user_id, action, path, related_id, cleanup_deadline, created_at
		 FROM phi_file_tracking WHERE cohort_id = $1 ORDER BY created_at`, cohortID)
	if err != nil {
		return nil, fmt.Errorf("list phi records: %w", err)
	}
	defer rows.Close()
	return scanPHIRecords(rows)
}

func (s *PHIStore) ListUncleaned(ctx context.Context, now time.Time) ([]model.PHIFileTrackingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.cohort_id, m.user_id, m.action, m.path, m.related_id,
		        m.cleanup_deadline, m.created_at
		 FROM phi_file_tracking m
		 LEFT JOIN phi_file_tracking d
		        ON d.action = 'deleted' AND d.related_id = m.id
		 WHERE m.action = 'materialized'
		   AND m.cleanup_deadline < $1
		   AND d.id IS NULL
		 ORDER BY m.cleanup_deadline`, now)
	if err != nil {
		return nil, fmt.Errorf("list uncleaned phi records: %w", err)
	}
	defer rows.Close()
	return scanPHIRecords(rows)
}

func scanPHIRecords(rows pgx.Rows) ([]model.PHIFileTrackingRecord, error) {
	var out []model.PHIFileTrackingRecord
	for rows.Next() {
		var rec model.PHIFileTrackingRecord
		if err := rows.Scan(&rec.ID, &rec.CohortID, &rec.UserID, &rec.Action, &rec.Path,
			&rec.RelatedID, &rec.CleanupDeadline, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan phi record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
