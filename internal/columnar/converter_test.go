package columnar

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"cohortvault/internal/storage"
)

func testConverter(t *testing.T) (*Converter, storage.Service) {
	t.Helper()
	root := t.TempDir()
	svc, err := storage.NewLocal(filepath.Join(root, "files"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	conv := NewConverter(svc, filepath.Join(root, "stores"), 64, filepath.Join(root, "spill"), log)
	return conv, svc
}

func saveCSV(t *testing.T, svc storage.Service, path, content string) SourceFile {
	t.Helper()
	if _, err := svc.Save(path, strings.NewReader(content)); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
	return SourceFile{ID: uuid.New(), Path: path, Checksum: "sum-" + path}
}

func TestConvertAndQuery(t *testing.T) {
	conv, svc := testConverter(t)
	ctx := context.Background()
	tableID := uuid.New()

	f := saveCSV(t, svc, "a.csv", "cohortPatientId,sex\nP1,F\nP2,M\nP3,\n")

	path, reused, err := conv.Convert(ctx, tableID, []SourceFile{f})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if reused {
		t.Fatal("first build reported as reused")
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	n, err := store.RowCount(ctx)
	if err != nil {
		t.Fatalf("row count: %v", err)
	}
	if n != 3 {
		t.Fatalf("row count = %d, want 3", n)
	}

	cols, err := store.Columns(ctx)
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	want := []string{"cohortPatientId", "sex"}
	if len(cols) != len(want) || cols[0] != want[0] || cols[1] != want[1] {
		t.Fatalf("columns = %v, want %v", cols, want)
	}

	ids, err := store.DistinctNonEmpty(ctx, "cohortPatientId")
	if err != nil {
		t.Fatalf("distinct: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("distinct ids = %v, want 3 values", ids)
	}

	var seen int
	err = store.ScanColumn(ctx, "sex", func(cv ColumnValue) error {
		seen++
		if cv.RowToken == 0 {
			t.Error("row token missing")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if seen != 3 {
		t.Fatalf("scanned %d values, want 3", seen)
	}
}

func TestConvertReusesUnchangedFileSet(t *testing.T) {
	conv, svc := testConverter(t)
	ctx := context.Background()
	tableID := uuid.New()

	f := saveCSV(t, svc, "a.csv", "cohortPatientId\nP1\n")

	if _, _, err := conv.Convert(ctx, tableID, []SourceFile{f}); err != nil {
		t.Fatalf("first convert: %v", err)
	}
	_, reused, err := conv.Convert(ctx, tableID, []SourceFile{f})
	if err != nil {
		t.Fatalf("second convert: %v", err)
	}
	if !reused {
		t.Fatal("unchanged file set was rebuilt")
	}
}

func TestConvertRegeneratesOnFileSetChange(t *testing.T) {
	conv, svc := testConverter(t)
	ctx := context.Background()
	tableID := uuid.New()

	f1 := saveCSV(t, svc, "a.csv", "cohortPatientId\nP1\n")
	if _, _, err := conv.Convert(ctx, tableID, []SourceFile{f1}); err != nil {
		t.Fatalf("first convert: %v", err)
	}

	f2 := saveCSV(t, svc, "b.csv", "cohortPatientId\nP2\n")
	path, reused, err := conv.Convert(ctx, tableID, []SourceFile{f1, f2})
	if err != nil {
		t.Fatalf("second convert: %v", err)
	}
	if reused {
		t.Fatal("changed file set was not regenerated")
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	n, err := store.RowCount(ctx)
	if err != nil {
		t.Fatalf("row count: %v", err)
	}
	if n != 2 {
		t.Fatalf("row count = %d, want 2 after regeneration", n)
	}
}

func TestConvertFailedRebuildKeepsPriorStore(t *testing.T) {
	conv, svc := testConverter(t)
	ctx := context.Background()
	tableID := uuid.New()

	f1 := saveCSV(t, svc, "a.csv", "cohortPatientId\nP1\n")
	path, _, err := conv.Convert(ctx, tableID, []SourceFile{f1})
	if err != nil {
		t.Fatalf("first convert: %v", err)
	}

	// A source file that was never saved fails the CSV load mid-build.
	missing := SourceFile{ID: uuid.New(), Path: "gone.csv", Checksum: "sum-gone"}
	if _, _, err := conv.Convert(ctx, tableID, []SourceFile{f1, missing}); err == nil {
		t.Fatal("expected error for missing source file")
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("prior store lost after failed rebuild: %v", err)
	}
	defer store.Close()

	n, err := store.RowCount(ctx)
	if err != nil {
		t.Fatalf("row count: %v", err)
	}
	if n != 1 {
		t.Fatalf("row count = %d, want the prior store's 1 row", n)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp store left behind after failed rebuild")
	}
}

func TestConvertNoFiles(t *testing.T) {
	conv, _ := testConverter(t)
	if _, _, err := conv.Convert(context.Background(), uuid.New(), nil); err == nil {
		t.Fatal("expected error for empty file set")
	}
}

func TestSQLStringList(t *testing.T) {
	got := sqlStringList([]string{"/a.csv", "/o'brien.csv"})
	want := "['/a.csv', '/o''brien.csv']"
	if got != want {
		t.Fatalf("sqlStringList = %s, want %s", got, want)
	}
}
