// Package sink writes merged frames to their destination file. The
// format follows the output file extension.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/source"
	"github.com/starford/nilmprep/internal/store"
	"github.com/starford/nilmprep/internal/table"
)

// Output formats.
const (
	FormatCSV    = "csv"
	FormatXLSX   = "xlsx"
	FormatSQLite = "sqlite"
)

// Sink writes a frame to one destination.
type Sink interface {
	Write(ctx context.Context, f *table.Frame) error
	Path() string
	Format() string
}

// FormatOf returns the output format implied by path.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", "":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite, nil
	default:
		return "", fmt.Errorf("sink: unsupported output %q: %w", path, apperr.ErrInvalidInput)
	}
}

// ForPath returns the sink for path.
func ForPath(path string) (Sink, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sink: resolve %s: %w", path, err)
	}
	switch format {
	case FormatXLSX:
		return &xlsxSink{path: abs}, nil
	case FormatSQLite:
		return &sqliteSink{path: abs}, nil
	default:
		return &csvSink{path: abs}, nil
	}
}

// atomicWrite replaces path through a source.FS rooted at its directory.
func atomicWrite(path string, fn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sink: mkdir: %w", err)
	}
	fs, err := source.NewFS(dir)
	if err != nil {
		return err
	}
	return fs.WriteFunc(filepath.Base(path), fn)
}

type csvSink struct{ path string }

func (s *csvSink) Path() string   { return s.path }
func (s *csvSink) Format() string { return FormatCSV }

func (s *csvSink) Write(_ context.Context, f *table.Frame) error {
	return atomicWrite(s.path, func(w io.Writer) error {
		return table.WriteCSV(w, f)
	})
}

type sqliteSink struct{ path string }

func (s *sqliteSink) Path() string   { return s.path }
func (s *sqliteSink) Format() string { return FormatSQLite }

func (s *sqliteSink) Write(ctx context.Context, f *table.Frame) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("sink: mkdir: %w", err)
	}
	db, err := store.Open(s.path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.WriteFrame(ctx, source.Stem(s.path), f)
}
