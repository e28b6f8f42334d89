package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"cohortvault/internal/storage"
)

// SourceFile names one CSV input to a store build.
type SourceFile struct {
	ID       uuid.UUID
	Path     string // storage-relative path
	Checksum string
}

// Converter builds columnar stores from CSV files held in storage.
type Converter struct {
	storage       storage.Service
	dir           string
	memoryLimitMB int
	spillDir      string
	log           *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewConverter returns a converter writing store files under dir, with
// DuckDB capped at memoryLimitMB and spilling scratch data to spillDir.
func NewConverter(svc storage.Service, dir string, memoryLimitMB int, spillDir string, log *slog.Logger) *Converter {
	return &Converter{
		storage:       svc,
		dir:           dir,
		memoryLimitMB: memoryLimitMB,
		spillDir:      spillDir,
		log:           log,
		locks:         make(map[uuid.UUID]*sync.Mutex),
	}
}

// StorePath returns the store file path for a table without building it.
func (c *Converter) StorePath(tableID uuid.UUID) string {
	return filepath.Join(c.dir, tableID.String()+".duckdb")
}

// Convert builds (or reuses) the columnar store for a table from the given
// source files. Every call considers the full current file set: when the
// checksums match an existing store the build is skipped, otherwise the
// store is regenerated from scratch. Builds for the same table are
// serialized; two conversions never write the same store concurrently.
//
// Returns the store path and whether an existing store was reused.
func (c *Converter) Convert(ctx context.Context, tableID uuid.UUID, files []SourceFile) (string, bool, error) {
	if len(files) == 0 {
		return "", false, fmt.Errorf("convert table %s: no source files", tableID)
	}

	lock := c.tableLock(tableID)
	lock.Lock()
	defer lock.Unlock()

	target := c.StorePath(tableID)

	if c.reusable(ctx, target, files) {
		c.log.InfoContext(ctx, "columnar store reused",
			"table_id", tableID, "path", target, "files", len(files))
		return target, true, nil
	}

	if err := c.build(ctx, target, files); err != nil {
		return "", false, fmt.Errorf("convert table %s: %w", tableID, err)
	}

	c.log.InfoContext(ctx, "columnar store built",
		"table_id", tableID, "path", target, "files", len(files))
	return target, false, nil
}

// Remove deletes a table's store file if present.
func (c *Converter) Remove(tableID uuid.UUID) error {
	err := os.Remove(c.StorePath(tableID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove store for table %s: %w", tableID, err)
	}
	return nil
}

func (c *Converter) tableLock(tableID uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[tableID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[tableID] = lock
	}
	return lock
}

// reusable reports whether an existing store was built from exactly the
// given file set.
func (c *Converter) reusable(ctx context.Context, target string, files []SourceFile) bool {
	if _, err := os.Stat(target); err != nil {
		return false
	}
	store, err := Open(target)
	if err != nil {
		return false
	}
	defer store.Close()

	recorded, err := store.manifest(ctx)
	if err != nil || len(recorded) != len(files) {
		return false
	}
	for _, f := range files {
		if recorded[f.ID.String()] != f.Checksum {
			return false
		}
	}
	return true
}

// build regenerates the store into a temp file and renames it over the
// target. The previous store stays untouched until the rename, so a
// failed build neither leaves a partial store nor loses the old one.
func (c *Converter) build(ctx context.Context, target string, files []SourceFile) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if c.spillDir != "" {
		if err := os.MkdirAll(c.spillDir, 0o755); err != nil {
			return fmt.Errorf("create spill dir: %w", err)
		}
	}

	tmp := target + ".tmp"
	_ = os.Remove(tmp)
	defer func() { _ = os.Remove(tmp) }()

	db, err := sql.Open("duckdb", tmp)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("SET memory_limit = '%dMB'", c.memoryLimitMB)); err != nil {
		return fmt.Errorf("set memory limit: %w", err)
	}
	if c.spillDir != "" {
		if _, err := db.ExecContext(ctx, "SET temp_directory = ?", c.spillDir); err != nil {
			return fmt.Errorf("set spill dir: %w", err)
		}
	}

	paths := make([]string, len(files))
	for i, f := range files {
		abs, err := c.storage.AbsolutePath(f.Path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.Path, err)
		}
		paths[i] = abs
	}

	// all_varchar keeps type coercion in the validation engine, where
	// failures become reportable checks instead of load errors.
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %s AS
		 SELECT row_number() OVER () AS row_token,
		        filename AS source_file,
		        * EXCLUDE (filename)
		 FROM read_csv(%s, header = true, all_varchar = true,
		               union_by_name = true, filename = true)`,
		dataTable, sqlStringList(paths))); err != nil {
		return fmt.Errorf("load csv: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE %s (file_id VARCHAR, checksum VARCHAR)", manifestTable)); err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	for _, f := range files {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s VALUES (?, ?)", manifestTable),
			f.ID.String(), f.Checksum); err != nil {
			return fmt.Errorf("record manifest: %w", err)
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("publish store: %w", err)
	}
	return nil
}

// sqlStringList renders paths as a DuckDB list literal of single-quoted
// strings.
func sqlStringList(values []string) string {
	out := "["
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += "'" + escapeSQLString(v) + "'"
	}
	return out + "]"
}

func escapeSQLString(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}
