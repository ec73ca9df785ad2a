package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/source"
)

// Download fetches url into path atomically. A non-2xx answer is an error
// and leaves path untouched.
func Download(ctx context.Context, client *http.Client, url, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("dataset: download: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dataset: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("dataset: download %s: unexpected status %s", url, resp.Status)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("dataset: mkdir: %w", err)
	}
	fs, err := source.NewFS(dir)
	if err != nil {
		return 0, err
	}
	var n int64
	err = fs.WriteFunc(filepath.Base(path), func(w io.Writer) error {
		var copyErr error
		n, copyErr = io.Copy(w, resp.Body)
		return copyErr
	})
	if err != nil {
		return 0, fmt.Errorf("dataset: download %s: %w", url, err)
	}
	return n, nil
}

// Extract unpacks a .tar.xz archive into dest and returns the number of
// files written. Entries that would land outside dest are rejected.
// Links and other special entries are skipped.
func Extract(ctx context.Context, archive, dest string) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, fmt.Errorf("dataset: extract: %w", err)
	}
	defer f.Close()

	xr, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("dataset: extract %s: %w", archive, err)
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, fmt.Errorf("dataset: extract: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, fmt.Errorf("dataset: extract: %w", err)
	}

	tr := tar.NewReader(xr)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("dataset: extract %s: %w", archive, err)
		}

		target, err := entryPath(root, hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("dataset: extract: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return files, fmt.Errorf("dataset: extract %s: %w", hdr.Name, err)
			}
			files++
		}
	}
}

func entryPath(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("dataset: archive entry %q escapes target: %w", name, apperr.ErrInvalidInput)
	}
	return filepath.Join(root, cleaned), nil
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// findHouseholdDir returns dir, or its single subfolder, whichever holds
// the smart-meter log. Archives may or may not carry a top-level folder.
func findHouseholdDir(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, SmartMeterFile)); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("dataset: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(sub, SmartMeterFile)); err == nil {
			return sub, nil
		}
	}
	return "", fmt.Errorf("dataset: %s in %s: %w", SmartMeterFile, dir, apperr.ErrNotFound)
}
