package merge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/models"
	"github.com/starford/nilmprep/internal/table"
)

type recorder struct {
	mu   sync.Mutex
	runs []models.Run
}

func (r *recorder) RecordRun(_ context.Context, run models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recorder) ListRuns(context.Context, int) ([]models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Run(nil), r.runs...), nil
}

func (r *recorder) GetRun(_ context.Context, id string) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.runs {
		if r.runs[i].ID == id {
			run := r.runs[i]
			return &run, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func joinOptions() Options {
	zero := 0.0
	return Options{
		IndexColumn: "timestamp",
		ValueColumn: "power",
		Mode:        ModeJoin,
		Fill:        &zero,
		Sort:        true,
		Time:        table.TimeParser{Unit: time.Millisecond},
	}
}

func readOutput(t *testing.T, path string) *table.Frame {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	frame, err := table.ReadCSV(f, table.ReadOptions{IndexColumn: "timestamp"})
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	return frame
}

func TestMerge_JoinUnionOfTimestamps(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fridge.csv", "timestamp,power\n3000,30\n1000,10\n")
	writeFile(t, dir, "kettle.csv", "timestamp,power,voltage\n2000,2000,230\n3000,1800,231\n")
	output := filepath.Join(dir, "merged.csv")

	rec := &recorder{}
	svc := NewService(quietLogger(), rec)
	res, err := svc.Merge(context.Background(), dir, output, joinOptions())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Rows != 3 || res.Columns != 2 || res.Filled != 2 {
		t.Errorf("result = %+v", res)
	}

	got := readOutput(t, output)
	if want := []string{"1000", "2000", "3000"}; !slices.Equal(got.Keys(), want) {
		t.Errorf("keys = %v, want %v", got.Keys(), want)
	}
	cols := got.Columns()
	if len(cols) != 2 || cols[0] != "fridge" || cols[1] != "kettle" {
		t.Errorf("columns = %v", cols)
	}
	if v := got.Value(1, "fridge"); v != 0 {
		t.Errorf("fridge@2000 = %v, want 0 (filled)", v)
	}
	if v := got.Value(2, "kettle"); v != 1800 {
		t.Errorf("kettle@3000 = %v, want 1800", v)
	}

	runs, _ := rec.ListRuns(context.Background(), 0)
	if len(runs) != 1 || runs[0].Status != models.RunSucceeded || len(runs[0].Inputs) != 2 {
		t.Errorf("runs = %+v", runs)
	}
	if runs[0].ID != res.RunID {
		t.Errorf("run id = %q, want %q", runs[0].ID, res.RunID)
	}
}

func TestMerge_OutputNeverAnInput(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "timestamp,power\n1,1\n")
	writeFile(t, dir, "b.csv", "timestamp,power\n2,2\n")
	output := filepath.Join(dir, "merged.csv")

	svc := NewService(quietLogger(), nil)
	for i := 0; i < 2; i++ {
		res, err := svc.Merge(context.Background(), dir, output, joinOptions())
		if err != nil {
			t.Fatalf("Merge #%d: %v", i, err)
		}
		if len(res.Inputs) != 2 || res.Columns != 2 {
			t.Fatalf("run #%d: inputs=%d columns=%d, want 2/2", i, len(res.Inputs), res.Columns)
		}
	}
}

func TestMerge_KeepsMissingWithoutFill(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "timestamp,power\n1,1\n")
	writeFile(t, dir, "b.csv", "timestamp,power\n2,2\n")
	output := filepath.Join(t.TempDir(), "out.csv")

	opts := joinOptions()
	opts.Fill = nil
	if _, err := NewService(quietLogger(), nil).Merge(context.Background(), dir, output, opts); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	data, _ := os.ReadFile(output)
	if string(data) != "timestamp,a,b\n1,1,\n2,,2\n" {
		t.Errorf("content = %q", data)
	}
}

func TestMerge_Concat(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "day1.csv", "timestamp,power1,power2\n1,1,2\n")
	writeFile(t, dir, "day2.csv", "timestamp,power1,power2\n2,3,4\n")
	output := filepath.Join(t.TempDir(), "all.csv")

	opts := joinOptions()
	opts.Mode = ModeConcat
	res, err := NewService(quietLogger(), nil).Merge(context.Background(), dir, output, opts)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Rows != 2 || res.Columns != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestMerge_Manifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "label_001.csv", "timestamp,power\n1,1\n")
	writeFile(t, dir, "label_002.csv", "timestamp,power\n1,2\n")
	writeFile(t, dir, "ignored.csv", "timestamp,power\n1,3\n")
	manifestPath := filepath.Join(t.TempDir(), "devices.txt")
	writeFile(t, filepath.Dir(manifestPath), "devices.txt", "label_002.csv = toaster\nlabel_001.csv = thermomix\n")

	opts := joinOptions()
	opts.Manifest = manifestPath
	output := filepath.Join(t.TempDir(), "out.csv")
	if _, err := NewService(quietLogger(), nil).Merge(context.Background(), dir, output, opts); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	cols := readOutput(t, output).Columns()
	if len(cols) != 2 || cols[0] != "toaster" || cols[1] != "thermomix" {
		t.Errorf("columns = %v", cols)
	}
}

func TestMerge_NoInputsRecordsFailure(t *testing.T) {
	rec := &recorder{}
	_, err := NewService(quietLogger(), rec).Merge(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "o.csv"), joinOptions())
	if !errors.Is(err, apperr.ErrNoInputs) {
		t.Fatalf("err = %v, want ErrNoInputs", err)
	}
	runs, _ := rec.ListRuns(context.Background(), 0)
	if len(runs) != 1 || runs[0].Status != models.RunFailed || runs[0].Error == "" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestMerge_MissingValueColumn(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "timestamp,watts\n1,1\n")
	_, err := NewService(quietLogger(), nil).Merge(context.Background(), dir, filepath.Join(dir, "o.csv"), joinOptions())
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMerge_UnsupportedOutput(t *testing.T) {
	_, err := NewService(quietLogger(), nil).Merge(context.Background(), t.TempDir(), "out.parquet", joinOptions())
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestWatch_RemergesOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "timestamp,power\n1,1\n")
	output := filepath.Join(dir, "merged.csv")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var results []*Result
	done := make(chan error, 1)
	go func() {
		done <- NewService(quietLogger(), nil).Watch(ctx, dir, output, joinOptions(), 50*time.Millisecond, func(res *Result, err error) {
			if err != nil {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		})
	}()

	eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) >= 1
	}, "initial merge not run")

	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "b.csv", "timestamp,power\n2,2\n")

	eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) >= 2 && results[len(results)-1].Columns == 2
	}, "change not merged")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("watcher did not stop")
	}
}

func eventually(t *testing.T, timeout time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal(msg)
}
