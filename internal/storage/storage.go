// Package storage defines the file storage boundary for the pipeline.
//
// The pipeline is storage-backend-agnostic: everything it needs from the
// physical backend (local disk, NAS, object store) is expressed through
// [Service]. The only implementation in this repository is local disk.
package storage

import (
	"errors"
	"io"
)

// ErrNotFound is returned when the requested path does not exist.
var ErrNotFound = errors.New("storage: path not found")

// Service abstracts the physical storage backend.
//
// Paths are backend-relative keys ("submission-id/file.csv"), not absolute
// filesystem paths. AbsolutePath resolves a key for components that need
// direct file access, such as the columnar converter's read_csv.
type Service interface {
	// Save writes content to the given path, creating parent directories
	// as needed, and returns the stored path.
	Save(path string, r io.Reader) (string, error)

	// Open returns a reader for the given path. The caller must close it.
	Open(path string) (io.ReadCloser, error)

	// Exists reports whether the path exists.
	Exists(path string) (bool, error)

	// AbsolutePath resolves a stored path to an absolute filesystem path.
	AbsolutePath(path string) (string, error)

	// Delete removes the path. Deleting a missing path returns ErrNotFound.
	Delete(path string) error
}
