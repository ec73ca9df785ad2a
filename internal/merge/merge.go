// Package merge combines a folder of per-device CSV files into one wide
// table keyed by timestamp.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/manifest"
	"github.com/starford/nilmprep/internal/models"
	"github.com/starford/nilmprep/internal/sink"
	"github.com/starford/nilmprep/internal/source"
	"github.com/starford/nilmprep/internal/store"
	"github.com/starford/nilmprep/internal/table"
)

// Merge modes.
const (
	// ModeJoin outer-joins the value column of every file on the index.
	ModeJoin = "join"
	// ModeConcat stacks the rows of every file.
	ModeConcat = "concat"
)

// Options controls a merge.
type Options struct {
	IndexColumn string
	ValueColumn string // join mode only
	Mode        string
	Fill        *float64 // nil leaves missing cells empty
	Sort        bool
	Time        table.TimeParser
	Manifest    string
}

// Result summarises a finished merge.
type Result struct {
	RunID   string             `json:"run_id"`
	Output  string             `json:"output"`
	Format  string             `json:"format"`
	Rows    int                `json:"rows"`
	Columns int                `json:"columns"`
	Filled  int                `json:"filled"`
	Inputs  []models.InputFile `json:"inputs"`
}

// Service runs merges and records them.
type Service struct {
	logger *slog.Logger
	runs   store.RunRecorder
}

// NewService creates a merge service. runs may be nil to disable recording.
func NewService(logger *slog.Logger, runs store.RunRecorder) *Service {
	if runs == nil {
		runs = store.Discard{}
	}
	return &Service{logger: logger, runs: runs}
}

// Merge reads every CSV under folder, combines them according to opts and
// writes the result to output. The output file itself is never an input.
func (s *Service) Merge(ctx context.Context, folder, output string, opts Options) (res *Result, err error) {
	run := models.Run{
		ID:        uuid.NewString(),
		Command:   "merge",
		Output:    output,
		StartedAt: time.Now(),
	}
	logger := s.logger.With(slog.String("run_id", run.ID))

	defer func() {
		run.FinishedAt = time.Now()
		run.Status = models.RunSucceeded
		if err != nil {
			run.Status = models.RunFailed
			run.Error = err.Error()
		} else {
			run.Rows, run.Columns = res.Rows, res.Columns
		}
		if recErr := s.runs.RecordRun(context.WithoutCancel(ctx), run); recErr != nil {
			logger.Warn("merge: record run failed", slog.String("error", recErr.Error()))
		}
	}()

	out, err := sink.ForPath(output)
	if err != nil {
		return nil, err
	}

	frame, inputs, err := s.Build(ctx, folder, out.Path(), opts)
	run.Inputs = inputs
	if err != nil {
		return nil, err
	}

	logger.Debug("merge: combined",
		slog.Int("rows", frame.Len()),
		slog.Int("missing", frame.Missing()))
	filled := 0
	if opts.Fill != nil {
		filled = frame.Fill(*opts.Fill)
	}
	if opts.Sort {
		frame = frame.SortIndex(opts.Time)
	}

	if err := out.Write(ctx, frame); err != nil {
		return nil, fmt.Errorf("merge: write %s: %w", output, err)
	}

	logger.Info("merge: done",
		slog.String("output", out.Path()),
		slog.String("format", out.Format()),
		slog.Int("files", len(inputs)),
		slog.Int("rows", frame.Len()),
		slog.Int("columns", len(frame.Columns())),
		slog.Int("filled", filled))

	return &Result{
		RunID:   run.ID,
		Output:  out.Path(),
		Format:  out.Format(),
		Rows:    frame.Len(),
		Columns: len(frame.Columns()),
		Filled:  filled,
		Inputs:  inputs,
	}, nil
}

// Build loads and combines the inputs without filling, sorting or writing.
// exclude is an absolute path that is skipped when listing the folder.
func (s *Service) Build(ctx context.Context, folder, exclude string, opts Options) (*table.Frame, []models.InputFile, error) {
	fs, err := source.NewFS(folder)
	if err != nil {
		return nil, nil, err
	}
	files, err := Inputs(fs, exclude, opts.Manifest)
	if err != nil {
		return nil, nil, err
	}

	frames := make([]*table.Frame, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, files, err
		}
		f, err := load(fs, file, opts)
		if err != nil {
			return nil, files, err
		}
		s.logger.Debug("merge: loaded",
			slog.String("file", file.Path),
			slog.String("column", file.Name),
			slog.Int("rows", f.Len()))
		frames = append(frames, f)
	}

	var combined *table.Frame
	switch opts.Mode {
	case ModeConcat:
		combined, err = table.Concat(frames...)
	case ModeJoin, "":
		combined, err = table.OuterJoin(frames...)
	default:
		return nil, files, fmt.Errorf("merge: mode %q: %w", opts.Mode, apperr.ErrInvalidInput)
	}
	if err != nil {
		return nil, files, fmt.Errorf("merge: %w", err)
	}
	return combined, files, nil
}

// Inputs lists the CSV files of fs, minus exclude, restricted and named by
// the manifest when one is given.
func Inputs(fs source.Provider, exclude, manifestPath string) ([]models.InputFile, error) {
	listed, err := fs.List("")
	if err != nil {
		return nil, err
	}
	files := listed[:0]
	for _, f := range listed {
		if exclude != "" && filepath.Join(fs.Root(), filepath.FromSlash(f.Path)) == exclude {
			continue
		}
		files = append(files, f)
	}
	if manifestPath != "" {
		m, err := manifest.Load(manifestPath)
		if err != nil {
			return nil, err
		}
		if files, err = m.Apply(files); err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("merge: %s: %w", fs.Root(), apperr.ErrNoInputs)
	}
	return files, nil
}

func load(fs source.Provider, file models.InputFile, opts Options) (*table.Frame, error) {
	rc, err := fs.Open(file.Path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	ro := table.ReadOptions{IndexColumn: opts.IndexColumn}
	if opts.Mode != ModeConcat {
		ro.Columns = []string{opts.ValueColumn}
	}
	f, err := table.ReadCSV(rc, ro)
	if err != nil {
		return nil, fmt.Errorf("merge: %s: %w", file.Path, err)
	}
	if opts.Mode != ModeConcat {
		if err := f.Rename(opts.ValueColumn, file.Name); err != nil {
			return nil, fmt.Errorf("merge: %s: %w", file.Path, err)
		}
	}
	return f, nil
}
