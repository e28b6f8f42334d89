// Package columnar converts validated CSV files into an embedded analytical
// store (DuckDB) for column-oriented validation queries.
//
// The converter never pulls file content through the host process heap:
// DuckDB's read_csv streams directly from disk, bounded by the configured
// memory ceiling and spilling to the configured temp directory. A store is
// always regenerated whole; partial writes would corrupt the shared store
// for every file in the table.
package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// dataTable is the relation holding the converted rows. Each row carries
// its source filename and a stable row token alongside the CSV columns.
const dataTable = "data"

// manifestTable records which source files (by checksum) built the store,
// so an unchanged file set can reuse it.
const manifestTable = "source_files"

// Store is a read handle on one columnar store file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens an existing store file for querying.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("open columnar store %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the filesystem path of the store.
func (s *Store) Path() string {
	return s.path
}

// Close releases the store handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Columns returns the CSV column names in the store, excluding the
// bookkeeping columns added during conversion.
func (s *Store) Columns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_name = ? ORDER BY ordinal_position`, dataTable)
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		if name == "row_token" || name == "source_file" {
			continue
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// RowCount returns the number of data rows in the store.
func (s *Store) RowCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", dataTable)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("row count: %w", err)
	}
	return n, nil
}

// ColumnValue is one cell streamed out of the store with its locator.
// Value is nil for NULL cells.
type ColumnValue struct {
	SourceFile string
	RowToken   int64
	Value      *string
}

// ScanColumn streams every value of one column through fn in row order.
// fn returning an error stops the scan.
func (s *Store) ScanColumn(ctx context.Context, column string, fn func(ColumnValue) error) error {
	query := fmt.Sprintf(
		"SELECT source_file, row_token, %s FROM %s ORDER BY row_token",
		quoteIdent(column), dataTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("scan column %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cv ColumnValue
		if err := rows.Scan(&cv.SourceFile, &cv.RowToken, &cv.Value); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := fn(cv); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DistinctNonEmpty returns the deduplicated non-null, non-empty values of
// one column.
func (s *Store) DistinctNonEmpty(ctx context.Context, column string) ([]string, error) {
	col := quoteIdent(column)
	query := fmt.Sprintf(
		"SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL AND trim(%s) <> '' ORDER BY 1",
		col, dataTable, col, col)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// CountNonDistinct returns total non-empty values and the number of
// duplicated occurrences (total minus distinct).
func (s *Store) CountNonDistinct(ctx context.Context, column string) (total, duplicates int, err error) {
	col := quoteIdent(column)
	query := fmt.Sprintf(
		`SELECT COUNT(%s), COUNT(%s) - COUNT(DISTINCT %s)
		 FROM %s WHERE %s IS NOT NULL AND trim(%s) <> ''`,
		col, col, col, dataTable, col, col)

	err = s.db.QueryRowContext(ctx, query).Scan(&total, &duplicates)
	if err != nil {
		return 0, 0, fmt.Errorf("count %s: %w", column, err)
	}
	return total, duplicates, nil
}

// manifest returns the file-id → checksum pairs recorded at build time.
func (s *Store) manifest(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT file_id, checksum FROM %s", manifestTable))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var id, sum string
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		m[id] = sum
	}
	return m, rows.Err()
}

// quoteIdent quotes a SQL identifier to prevent injection.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
