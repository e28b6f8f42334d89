package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohortvault/internal/model"
	"cohortvault/internal/store"
)

// RunStore persists validation runs, variables, and checks in PostgreSQL.
type RunStore struct {
	pool *pgxpool.Pool
}

func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `id, owner_kind, owner_id, status, store_path, message,
	total_variables, completed_variables, warning_variables, error_variables,
	created_at, started_at, completed_at`

func (s *RunStore) EnsureRun(ctx context.Context, owner model.RunOwner) (model.ValidationRun, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.ValidationRun{}, false, fmt.Errorf("begin ensure run: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM validation_runs WHERE owner_kind = $1 AND owner_id = $2 FOR UPDATE`,
		owner.Kind, owner.ID).Scan(&existingID)

	var run model.ValidationRun
	var reset bool
	switch {
	case err == nil:
		reset = true
		// Variables (and checks via cascade) go with the reset.
		if _, err := tx.Exec(ctx,
			`DELETE FROM validation_variables WHERE run_id = $1`, existingID); err != nil {
			return model.ValidationRun{}, false, fmt.Errorf("clear variables: %w", err)
		}
		row := tx.QueryRow(ctx,
			`UPDATE validation_runs SET
			   status = 'pending', store_path = '', message = '',
			   total_variables = 0, completed_variables = 0,
			   warning_variables = 0, error_variables = 0,
			   started_at = NULL, completed_at = NULL
			 WHERE id = $1
			 RETURNING `+runColumns, existingID)
		run, err = scanRun(row)
		if err != nil {
			return model.ValidationRun{}, false, err
		}
	case err == pgx.ErrNoRows:
		row := tx.QueryRow(ctx,
			`INSERT INTO validation_runs (id, owner_kind, owner_id, status, created_at)
			 VALUES ($1, $2, $3, 'pending', $4)
			 RETURNING `+runColumns,
			uuid.New(), owner.Kind, owner.ID, time.Now())
		run, err = scanRun(row)
		if err != nil {
			return model.ValidationRun{}, false, err
		}
	default:
		return model.ValidationRun{}, false, fmt.Errorf("lookup run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ValidationRun{}, false, fmt.Errorf("commit ensure run: %w", err)
	}
	return run, reset, nil
}

func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (model.ValidationRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM validation_runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *RunStore) GetRunByOwner(ctx context.Context, owner model.RunOwner) (model.ValidationRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM validation_runs WHERE owner_kind = $1 AND owner_id = $2`,
		owner.Kind, owner.ID)
	return scanRun(row)
}

func (s *RunStore) StartRun(ctx context.Context, id uuid.UUID, storePath string, startedAt time.Time) error {
	return s.exec(ctx, "start run",
		`UPDATE validation_runs SET status = 'running', store_path = $2, started_at = $3 WHERE id = $1`,
		id, storePath, startedAt)
}

func (s *RunStore) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, message string, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_runs SET status = $2, message = $3, completed_at = $4
		 WHERE id = $1 AND (status NOT IN ('completed', 'failed') OR status = $2)`,
		id, status, message, completedAt)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either absent or already terminal with a different status.
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}

func (s *RunStore) ReplaceVariables(ctx context.Context, runID uuid.UUID, vars []model.ValidationVariable) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace variables: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM validation_runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM validation_variables WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear variables: %w", err)
	}
	for _, v := range vars {
		if _, err := tx.Exec(ctx,
			`INSERT INTO validation_variables
			   (id, run_id, column_name, column_type, label, status, summary,
			    total_count, null_count, empty_count, valid_count, invalid_count,
			    warning_count, error_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			v.ID, runID, v.ColumnName, v.ColumnType, v.Label, v.Status, v.Summary,
			v.TotalCount, v.NullCount, v.EmptyCount, v.ValidCount, v.InvalidCount,
			v.WarningCount, v.ErrorCount); err != nil {
			return fmt.Errorf("insert variable %s: %w", v.ColumnName, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE validation_runs SET total_variables = $2 WHERE id = $1`,
		runID, len(vars)); err != nil {
		return fmt.Errorf("update total: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *RunStore) UpdateVariable(ctx context.Context, v model.ValidationVariable) error {
	return s.exec(ctx, "update variable",
		`UPDATE validation_variables SET
		   status = $2, summary = $3, total_count = $4, null_count = $5,
		   empty_count = $6, valid_count = $7, invalid_count = $8,
		   warning_count = $9, error_count = $10
		 WHERE id = $1`,
		v.ID, v.Status, v.Summary, v.TotalCount, v.NullCount,
		v.EmptyCount, v.ValidCount, v.InvalidCount, v.WarningCount, v.ErrorCount)
}

func (s *RunStore) ListVariables(ctx context.Context, runID uuid.UUID) ([]model.ValidationVariable, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, column_name, column_type, label, status, summary,
		        total_count, null_count, empty_count, valid_count, invalid_count,
		        warning_count, error_count
		 FROM validation_variables WHERE run_id = $1 ORDER BY column_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer rows.Close()

	var out []model.ValidationVariable
	for rows.Next() {
		var v model.ValidationVariable
		if err := rows.Scan(&v.ID, &v.RunID, &v.ColumnName, &v.ColumnType, &v.Label,
			&v.Status, &v.Summary, &v.TotalCount, &v.NullCount, &v.EmptyCount,
			&v.ValidCount, &v.InvalidCount, &v.WarningCount, &v.ErrorCount); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *RunStore) ReplaceChecks(ctx context.Context, variableID uuid.UUID, checks []model.ValidationCheck) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace checks: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM validation_checks WHERE variable_id = $1`, variableID); err != nil {
		return fmt.Errorf("clear checks: %w", err)
	}
	for _, c := range checks {
		params, err := json.Marshal(c.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		refs, err := json.Marshal(c.RowRefs)
		if err != nil {
			return fmt.Errorf("marshal row refs: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO validation_checks
			   (id, variable_id, rule_key, params, passed, severity, message,
			    affected_rows, row_refs)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, variableID, c.RuleKey, params, c.Passed, c.Severity, c.Message,
			c.AffectedRows, refs); err != nil {
			return fmt.Errorf("insert check %s: %w", c.RuleKey, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *RunStore) ListChecks(ctx context.Context, variableID uuid.UUID) ([]model.ValidationCheck, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, variable_id, rule_key, params, passed, severity, message,
		        affected_rows, row_refs
		 FROM validation_checks WHERE variable_id = $1 ORDER BY rule_key`, variableID)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()

	var out []model.ValidationCheck
	for rows.Next() {
		var c model.ValidationCheck
		var params, refs []byte
		if err := rows.Scan(&c.ID, &c.VariableID, &c.RuleKey, &params, &c.Passed,
			&c.Severity, &c.Message, &c.AffectedRows, &refs); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &c.Params); err != nil {
				return nil, fmt.Errorf("unmarshal params: %w", err)
			}
		}
		if len(refs) > 0 {
			if err := json.Unmarshal(refs, &c.RowRefs); err != nil {
				return nil, fmt.Errorf("unmarshal row refs: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *RunStore) RecomputeAggregates(ctx context.Context, runID uuid.UUID) (model.ValidationRun, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE validation_runs r SET
		   total_variables     = agg.total,
		   completed_variables = agg.completed,
		   warning_variables   = agg.warning,
		   error_variables     = agg.errored
		 FROM (
		   SELECT
		     COUNT(*)                                                            AS total,
		     COUNT(*) FILTER (WHERE status IN ('completed', 'failed'))           AS completed,
		     COUNT(*) FILTER (WHERE warning_count > 0)                           AS warning,
		     COUNT(*) FILTER (WHERE error_count > 0 OR status = 'failed')        AS errored
		   FROM validation_variables WHERE run_id = $1
		 ) agg
		 WHERE r.id = $1
		 RETURNING `+prefixedRunColumns("r"), runID)
	return scanRun(row)
}

func (s *RunStore) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func prefixedRunColumns(alias string) string {
	return alias + `.id, ` + alias + `.owner_kind, ` + alias + `.owner_id, ` +
		alias + `.status, ` + alias + `.store_path, ` + alias + `.message, ` +
		alias + `.total_variables, ` + alias + `.completed_variables, ` +
		alias + `.warning_variables, ` + alias + `.error_variables, ` +
		alias + `.created_at, ` + alias + `.started_at, ` + alias + `.completed_at`
}

func scanRun(row pgx.Row) (model.ValidationRun, error) {
	var r model.ValidationRun
	err := row.Scan(&r.ID, &r.Owner.Kind, &r.Owner.ID, &r.Status, &r.StorePath,
		&r.Message, &r.TotalVariables, &r.CompletedVariables, &r.WarningVariables,
		&r.ErrorVariables, &r.CreatedAt, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return model.ValidationRun{}, mapErr(err, "scan run")
	}
	return r, nil
}
