package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/models"
	"github.com/starford/nilmprep/internal/sink"
	"github.com/starford/nilmprep/internal/source"
	"github.com/starford/nilmprep/internal/store"
	"github.com/starford/nilmprep/internal/table"
)

// Raw log columns of the plug files.
const (
	timeRequestColumn = "time_request"
	powerColumn       = "power"
)

// rawTime reads the epoch-millisecond keys of the raw logs.
var rawTime = table.TimeParser{Unit: time.Millisecond}

// Options tunes a single prepare run.
type Options struct {
	// SkipDownload reuses an already extracted household folder.
	SkipDownload bool
}

// Result summarises a finished prepare run.
type Result struct {
	RunID   string
	Output  string
	Devices []string
	Rows    int
	Columns int
}

// Preparer runs the household pipeline.
type Preparer struct {
	logger *slog.Logger
	client *http.Client
	runs   store.RunRecorder
}

// NewPreparer creates a Preparer. A nil client uses http.DefaultClient and
// a nil recorder disables run recording.
func NewPreparer(logger *slog.Logger, client *http.Client, runs store.RunRecorder) *Preparer {
	if client == nil {
		client = http.DefaultClient
	}
	if runs == nil {
		runs = store.Discard{}
	}
	return &Preparer{logger: logger, client: client, runs: runs}
}

// Prepare downloads and extracts the household archive, builds one
// per-second file per device aligned on the smart-meter timeline, and
// merges them into h.MergedPath().
func (p *Preparer) Prepare(ctx context.Context, h Household, opts Options) (res *Result, err error) {
	run := models.Run{
		ID:        uuid.NewString(),
		Command:   "prepare",
		Output:    h.MergedPath(),
		StartedAt: time.Now(),
	}
	logger := p.logger.With(slog.String("run_id", run.ID), slog.Int("household", h.Number))

	defer func() {
		run.FinishedAt = time.Now()
		run.Status = models.RunSucceeded
		if err != nil {
			run.Status = models.RunFailed
			run.Error = err.Error()
		} else {
			run.Rows, run.Columns = res.Rows, res.Columns
		}
		if recErr := p.runs.RecordRun(context.WithoutCancel(ctx), run); recErr != nil {
			logger.Warn("prepare: record run failed", slog.String("error", recErr.Error()))
		}
	}()

	if !opts.SkipDownload {
		if err := p.fetch(ctx, h, logger); err != nil {
			return nil, err
		}
	}

	dir, err := findHouseholdDir(h.Dir())
	if err != nil {
		return nil, err
	}
	run.Inputs, err = p.inputs(dir, h)
	if err != nil {
		return nil, err
	}

	tempDir := h.TempDir()
	created, err := ensureDir(tempDir)
	if err != nil {
		return nil, fmt.Errorf("dataset: temp dir: %w", err)
	}
	var written []string
	if !h.KeepTemp {
		defer func() {
			if rmErr := cleanTemp(tempDir, created, written); rmErr != nil {
				logger.Warn("prepare: remove temp failed", slog.String("error", rmErr.Error()))
			}
		}()
	}

	meter, err := SmartMeter(dir, h)
	if err != nil {
		return nil, err
	}
	if err := writeCSV(ctx, filepath.Join(tempDir, SmartMeterFile), meter); err != nil {
		return nil, err
	}
	written = append(written, SmartMeterFile)
	logger.Info("prepare: smart meter", slog.Int("rows", meter.Len()))

	devices := make([]string, 0, len(h.Labels))
	for _, label := range h.labelFiles() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := h.Labels[label]
		dev, err := Device(filepath.Join(dir, label), name, meter.Keys(), h.Bucket)
		if err != nil {
			return nil, err
		}
		if err := writeCSV(ctx, filepath.Join(tempDir, name+".csv"), dev); err != nil {
			return nil, err
		}
		written = append(written, name+".csv")
		logger.Debug("prepare: device", slog.String("label", label), slog.String("device", name))
		devices = append(devices, name)
	}

	merged, err := Combine(tempDir, append([]string{SmartMeterColumn}, devices...))
	if err != nil {
		return nil, err
	}
	if h.Fill != nil {
		merged.Fill(*h.Fill)
	}
	if err := writeCSV(ctx, h.MergedPath(), merged); err != nil {
		return nil, err
	}

	logger.Info("prepare: done",
		slog.String("output", h.MergedPath()),
		slog.Int("devices", len(devices)),
		slog.Int("rows", merged.Len()))

	return &Result{
		RunID:   run.ID,
		Output:  h.MergedPath(),
		Devices: devices,
		Rows:    merged.Len(),
		Columns: len(merged.Columns()),
	}, nil
}

func (p *Preparer) fetch(ctx context.Context, h Household, logger *slog.Logger) error {
	url := h.URL()
	logger.Info("prepare: downloading", slog.String("url", url))
	n, err := Download(ctx, p.client, url, h.ArchivePath())
	if err != nil {
		return err
	}
	files, err := Extract(ctx, h.ArchivePath(), h.Dir())
	if err != nil {
		return err
	}
	logger.Info("prepare: extracted",
		slog.Int64("bytes", n),
		slog.Int("files", files),
		slog.String("dir", h.Dir()))
	if !h.KeepArchive {
		if err := removeArchive(h); err != nil {
			logger.Warn("prepare: remove archive failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func removeArchive(h Household) error {
	data, err := source.NewFS(h.DataDir)
	if err != nil {
		return err
	}
	return removeFiles(data, filepath.Base(h.ArchivePath()))
}

func removeFiles(p source.Provider, names ...string) error {
	var errs []error
	for _, name := range names {
		if err := p.Remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensureDir creates dir and reports whether it did not exist before.
func ensureDir(dir string) (bool, error) {
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

// cleanTemp removes a temp folder the run created, or only the files the
// run wrote into a folder that was already there.
func cleanTemp(dir string, created bool, written []string) error {
	if created {
		return os.RemoveAll(dir)
	}
	temp, err := source.NewFS(dir)
	if err != nil {
		return err
	}
	return removeFiles(temp, written...)
}

// inputs lists the household files the run reads.
func (p *Preparer) inputs(dir string, h Household) ([]models.InputFile, error) {
	fs, err := source.NewFS(dir)
	if err != nil {
		return nil, err
	}
	listed, err := fs.List("")
	if err != nil {
		return nil, err
	}
	var out []models.InputFile
	for _, f := range listed {
		if f.Path == SmartMeterFile {
			out = append(out, f)
			continue
		}
		if name, ok := h.Labels[f.Path]; ok {
			f.Name = name
			out = append(out, f)
		}
	}
	return out, nil
}

// SmartMeter loads the aggregate meter log of dir: keys floored to the
// bucket, restricted to the window, phases summed into one column.
func SmartMeter(dir string, h Household) (*table.Frame, error) {
	f, err := readFile(filepath.Join(dir, SmartMeterFile), table.ReadOptions{
		IndexColumn: IndexColumn,
		Columns:     h.Phases,
	})
	if err != nil {
		return nil, err
	}
	if err := f.FloorIndex(rawTime, h.Bucket); err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", SmartMeterFile, err)
	}
	f, err = f.Window(rawTime, h.Start, h.End)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", SmartMeterFile, err)
	}
	if err := f.SumColumns(SmartMeterColumn, h.Phases...); err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", SmartMeterFile, err)
	}
	f.Drop(h.Phases...)
	return f, nil
}

// Device loads one plug log, averages it per bucket and aligns it on the
// given smart-meter keys. Its power column is renamed to name.
func Device(path, name string, keys []string, bucket time.Duration) (*table.Frame, error) {
	f, err := readFile(path, table.ReadOptions{
		IndexColumn: timeRequestColumn,
		Columns:     []string{powerColumn},
	})
	if err != nil {
		return nil, err
	}
	if err := f.FloorIndex(rawTime, bucket); err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}
	f, err = f.Resample(rawTime, bucket)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}
	aligned := f.Reindex(keys)
	if err := aligned.RenameIndex(IndexColumn); err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}
	if err := aligned.Rename(powerColumn, name); err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}
	return aligned, nil
}

// Combine reads <dir>/<name>.csv for every name and places their columns
// side by side. All files must share the same index, row for row.
func Combine(dir string, names []string) (*table.Frame, error) {
	var out *table.Frame
	for _, name := range names {
		f, err := readFile(filepath.Join(dir, name+".csv"), table.ReadOptions{IndexColumn: IndexColumn})
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = f
			continue
		}
		if err := out.Bind(f); err != nil {
			return nil, fmt.Errorf("dataset: %s.csv against %s.csv: %w", name, names[0], err)
		}
	}
	if out == nil {
		return nil, fmt.Errorf("dataset: combine: %w", apperr.ErrNoInputs)
	}
	return out, nil
}

func readFile(path string, opts table.ReadOptions) (*table.Frame, error) {
	r, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("dataset: %s: %w", path, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer r.Close()
	f, err := table.ReadCSV(r, opts)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}
	return f, nil
}

func writeCSV(ctx context.Context, path string, f *table.Frame) error {
	out, err := sink.ForPath(path)
	if err != nil {
		return err
	}
	return out.Write(ctx, f)
}
