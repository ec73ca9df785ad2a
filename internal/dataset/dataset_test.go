package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/table"
)

const (
	smartmeterCSV = "time,power1,power2,power3\n" +
		"1584437400000,1,2,3\n" +
		"1584437400500,1,1,1\n" +
		"1584437401000,10,20,30\n" +
		"1584437403000,5,5,5\n"
	thermomixCSV = "time_request,time_reply,power\n" +
		"1584437400100,1584437400200,10\n" +
		"1584437400900,1584437401000,20\n" +
		"1584437401500,1584437401600,30\n"
	toasterCSV = "time_request,time_reply,power\n" +
		"1584437401200,1584437401300,5\n"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(xw)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testHousehold(t *testing.T, url string) Household {
	t.Helper()
	return Household{
		Number:      14,
		URLTemplate: url + "/hh-{household}.tar.xz",
		DataDir:     t.TempDir(),
		Labels:      map[string]string{"label_002.csv": "toaster", "label_001.csv": "thermomix"},
		Phases:      []string{"power1", "power2", "power3"},
		Start:       time.Date(2020, 3, 17, 9, 30, 0, 0, time.UTC),
		End:         time.Date(2020, 3, 17, 9, 30, 2, 0, time.UTC),
		Bucket:      time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHouseholdPaths(t *testing.T) {
	h := Household{Number: 3, URLTemplate: "https://host/hh-{household}.tar.xz?ref=x", DataDir: "data"}
	if got := h.URL(); got != "https://host/hh-3.tar.xz?ref=x" {
		t.Errorf("URL = %q", got)
	}
	if got := h.MergedPath(); got != filepath.Join("data", "hh-3-merged.csv") {
		t.Errorf("MergedPath = %q", got)
	}
	if got := h.Dir(); got != filepath.Join("data", "hh-3") {
		t.Errorf("Dir = %q", got)
	}
}

func TestPrepare_DownloadExtractMerge(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"smartmeter.csv": smartmeterCSV,
		"label_001.csv":  thermomixCSV,
		"label_002.csv":  toasterCSV,
	})
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	h := testHousehold(t, srv.URL)
	res, err := NewPreparer(quietLogger(), srv.Client(), nil).Prepare(context.Background(), h, Options{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if requested != "/hh-14.tar.xz" {
		t.Errorf("requested %q", requested)
	}

	// Extracted layout.
	for _, name := range []string{"smartmeter.csv", "label_001.csv", "label_002.csv"} {
		if _, err := os.Stat(filepath.Join(h.Dir(), name)); err != nil {
			t.Errorf("extracted %s: %v", name, err)
		}
	}
	if _, err := os.Stat(h.ArchivePath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("archive should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(h.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp dir should be removed, stat err = %v", err)
	}

	if len(res.Devices) != 2 || res.Devices[0] != "thermomix" || res.Devices[1] != "toaster" {
		t.Errorf("devices = %v", res.Devices)
	}

	r, err := os.Open(h.MergedPath())
	if err != nil {
		t.Fatalf("open merged: %v", err)
	}
	defer r.Close()
	merged, err := table.ReadCSV(r, table.ReadOptions{IndexColumn: "time"})
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	cols := merged.Columns()
	if len(cols) != 3 || cols[0] != "smartmeter" || cols[1] != "thermomix" || cols[2] != "toaster" {
		t.Fatalf("columns = %v", cols)
	}
	// 09:30:03 lies outside the window; 09:30:00 appears twice.
	if merged.Len() != 3 {
		t.Fatalf("rows = %d, want 3", merged.Len())
	}
	if keys := merged.Keys(); keys[0] != "2020-03-17 09:30:00" || keys[2] != "2020-03-17 09:30:01" {
		t.Errorf("keys = %v", keys)
	}
	if v := merged.Value(0, "smartmeter"); v != 6 {
		t.Errorf("smartmeter[0] = %v, want 6", v)
	}
	if v := merged.Value(2, "smartmeter"); v != 60 {
		t.Errorf("smartmeter[2] = %v, want 60", v)
	}
	if v := merged.Value(0, "thermomix"); v != 15 {
		t.Errorf("thermomix[0] = %v, want 15", v)
	}
	if v := merged.Value(2, "thermomix"); v != 30 {
		t.Errorf("thermomix[2] = %v, want 30", v)
	}
	if v := merged.Value(0, "toaster"); !math.IsNaN(v) {
		t.Errorf("toaster[0] = %v, want missing", v)
	}
	if v := merged.Value(2, "toaster"); v != 5 {
		t.Errorf("toaster[2] = %v, want 5", v)
	}
}

func TestPrepare_SkipDownloadKeepsTemp(t *testing.T) {
	h := testHousehold(t, "http://unused.invalid")
	h.KeepTemp = true
	zero := 0.0
	h.Fill = &zero
	// Extracted archives may carry a top-level folder.
	nested := filepath.Join(h.Dir(), "hh-14")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"smartmeter.csv": smartmeterCSV,
		"label_001.csv":  thermomixCSV,
		"label_002.csv":  toasterCSV,
	} {
		if err := os.WriteFile(filepath.Join(nested, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := NewPreparer(quietLogger(), nil, nil).Prepare(context.Background(), h, Options{SkipDownload: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res.Rows != 3 || res.Columns != 3 {
		t.Errorf("result = %+v", res)
	}
	for _, name := range []string{"smartmeter.csv", "thermomix.csv", "toaster.csv"} {
		if _, err := os.Stat(filepath.Join(h.TempDir(), name)); err != nil {
			t.Errorf("temp %s: %v", name, err)
		}
	}
	data, _ := os.ReadFile(h.MergedPath())
	if !bytes.Contains(data, []byte("2020-03-17 09:30:00,6,15,0\n")) {
		t.Errorf("merged = %q", data)
	}
}

func TestPrepare_ExistingTempDirSurvives(t *testing.T) {
	h := testHousehold(t, "http://unused.invalid")
	if err := os.MkdirAll(h.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"smartmeter.csv": smartmeterCSV,
		"label_001.csv":  thermomixCSV,
		"label_002.csv":  toasterCSV,
	} {
		if err := os.WriteFile(filepath.Join(h.Dir(), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(h.TempDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	notes := filepath.Join(h.TempDir(), "notes.txt")
	if err := os.WriteFile(notes, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewPreparer(quietLogger(), nil, nil).Prepare(context.Background(), h, Options{SkipDownload: true}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := os.Stat(notes); err != nil {
		t.Errorf("pre-existing temp file: %v", err)
	}
	for _, name := range []string{"smartmeter.csv", "thermomix.csv", "toaster.csv"} {
		if _, err := os.Stat(filepath.Join(h.TempDir(), name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("intermediate %s should be removed, stat err = %v", name, err)
		}
	}
}

func TestPrepare_MissingLabelFile(t *testing.T) {
	h := testHousehold(t, "http://unused.invalid")
	if err := os.MkdirAll(h.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(h.Dir(), "smartmeter.csv"), []byte(smartmeterCSV), 0o644)

	_, err := NewPreparer(quietLogger(), nil, nil).Prepare(context.Background(), h, Options{SkipDownload: true})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDownload_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "hh.tar.xz")
	if _, err := Download(context.Background(), srv.Client(), srv.URL, path); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("no file should be written, stat err = %v", err)
	}
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.xz")
	if err := os.WriteFile(archive, buildArchive(t, map[string]string{"../evil.csv": "x"}), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Extract(context.Background(), archive, filepath.Join(dir, "out"))
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Error("escaping entry was written")
	}
}

func TestExtract_NestedFolders(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "hh.tar.xz")
	data := buildArchive(t, map[string]string{"hh-1/smartmeter.csv": "a", "hh-1/labels/label_001.csv": "b"})
	if err := os.WriteFile(archive, data, 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := Extract(context.Background(), archive, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if n != 2 {
		t.Errorf("files = %d, want 2", n)
	}
	got, err := findHouseholdDir(filepath.Join(dir, "out"))
	if err != nil || got != filepath.Join(dir, "out", "hh-1") {
		t.Errorf("findHouseholdDir = %q, %v", got, err)
	}
}
