// Package source defines file-system access to a folder of input tables.
package source

import (
	"io"

	"github.com/starford/nilmprep/internal/models"
)

// Provider is the interface for folder file operations.
type Provider interface {
	// Root returns the absolute path of the folder.
	Root() string
	// List returns metadata for every .csv file under dir (relative to root),
	// ordered by path.
	List(dir string) ([]models.InputFile, error)
	// Open opens the file at path (relative to root) for reading.
	Open(path string) (io.ReadCloser, error)
	// WriteFunc atomically replaces path with whatever fn writes.
	WriteFunc(path string, fn func(w io.Writer) error) error
	// Remove deletes the file at path.
	Remove(path string) error
}
