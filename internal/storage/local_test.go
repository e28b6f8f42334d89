package storage

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLocal_SaveOpenDelete(t *testing.T) {
	svc, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	path, err := svc.Save("sub-1/labs.csv", strings.NewReader("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != "sub-1/labs.csv" {
		t.Errorf("Save path = %q, want %q", path, "sub-1/labs.csv")
	}

	exists, err := svc.Exists(path)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v, want true, nil", exists, err)
	}

	r, err := svc.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("content = %q", data)
	}

	if err := svc.Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	exists, _ = svc.Exists(path)
	if exists {
		t.Error("file still exists after Delete")
	}
}

func TestLocal_DeleteMissing(t *testing.T) {
	svc, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	if err := svc.Delete("nope.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete missing = %v, want ErrNotFound", err)
	}
	if _, err := svc.Open("nope.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open missing = %v, want ErrNotFound", err)
	}
}

func TestLocal_RejectsTraversal(t *testing.T) {
	svc, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	tests := []string{"../escape.csv", "a/../../escape.csv", ""}
	for _, p := range tests {
		if _, err := svc.Save(p, strings.NewReader("x")); err == nil {
			t.Errorf("Save(%q) expected error, got nil", p)
		}
	}
}
