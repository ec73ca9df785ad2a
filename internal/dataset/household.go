// Package dataset downloads a GeLaP household archive and turns its raw
// smart-meter and plug logs into one merged per-second CSV.
package dataset

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Household describes one household of the dataset and how to prepare it.
type Household struct {
	Number      int
	URLTemplate string // "{household}" is replaced by Number
	DataDir     string
	Labels      map[string]string // label file -> device name
	Phases      []string
	Start       time.Time // zero leaves the window open
	End         time.Time
	Bucket      time.Duration
	Fill        *float64
	KeepArchive bool
	KeepTemp    bool
}

// SmartMeterFile is the name of the aggregate meter log inside a household.
const SmartMeterFile = "smartmeter.csv"

// SmartMeterColumn names the summed phase column.
const SmartMeterColumn = "smartmeter"

// IndexColumn names the time index of every prepared file.
const IndexColumn = "time"

// URL returns the archive location.
func (h Household) URL() string {
	return strings.ReplaceAll(h.URLTemplate, "{household}", strconv.Itoa(h.Number))
}

// ArchivePath is where the downloaded archive is stored.
func (h Household) ArchivePath() string {
	return filepath.Join(h.DataDir, fmt.Sprintf("hh-%d.tar.xz", h.Number))
}

// Dir is the extraction folder.
func (h Household) Dir() string {
	return filepath.Join(h.DataDir, fmt.Sprintf("hh-%d", h.Number))
}

// TempDir holds the intermediate per-device files.
func (h Household) TempDir() string {
	return filepath.Join(h.DataDir, "temp")
}

// MergedPath is the final output.
func (h Household) MergedPath() string {
	return filepath.Join(h.DataDir, fmt.Sprintf("hh-%d-merged.csv", h.Number))
}

// labelFiles returns the label files in name order.
func (h Household) labelFiles() []string {
	files := make([]string, 0, len(h.Labels))
	for f := range h.Labels {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
