package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/spf13/cast"

	"github.com/starford/nilmprep/internal/apperr"
)

// ReadOptions controls how a CSV file is loaded into a frame.
type ReadOptions struct {
	// IndexColumn names the index column. Empty selects the first column.
	IndexColumn string
	// Columns restricts the value columns that are loaded. Empty loads all.
	Columns []string
	// Drop lists columns that are skipped without being parsed.
	Drop []string
}

// ReadCSV loads a headed CSV document through gota. Every loaded value
// cell must be numeric or one of the missing markers (empty, nan, na,
// null). A document with a header and no rows yields an empty frame.
func ReadCSV(r io.Reader, opts ReadOptions) (*Frame, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("table: read: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	// Cells stay text here so that keys keep their exact spelling and
	// value cells go through ParseCell.
	df := dataframe.ReadCSV(bytes.NewReader(data),
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues(nil),
	)
	if df.Err != nil {
		header, ok := headerOnly(data)
		if !ok {
			return nil, fmt.Errorf("table: read: %v: %w", df.Err, apperr.ErrInvalidInput)
		}
		empty := make([]series.Series, len(header))
		for i, name := range header {
			empty[i] = series.New([]string{}, series.String, name)
		}
		df = dataframe.New(empty...)
	}
	header := df.Names()

	indexName := header[0]
	if opts.IndexColumn != "" {
		if !slices.Contains(header, opts.IndexColumn) {
			return nil, fmt.Errorf("table: index column %q: %w", opts.IndexColumn, apperr.ErrNotFound)
		}
		indexName = opts.IndexColumn
	}

	var values []string
	if len(opts.Columns) > 0 {
		for _, name := range opts.Columns {
			if !slices.Contains(header, name) {
				return nil, fmt.Errorf("table: column %q: %w", name, apperr.ErrNotFound)
			}
			values = append(values, name)
		}
	} else {
		for _, name := range header {
			if name == indexName || slices.Contains(opts.Drop, name) {
				continue
			}
			values = append(values, name)
		}
	}

	f, err := fromDataFrame(indexName, df.Select(append([]string{indexName}, values...)))
	if err != nil {
		return nil, err
	}
	for _, name := range values {
		raw := df.Col(name).Records()
		parsed := make([]float64, len(raw))
		for i, s := range raw {
			v, err := ParseCell(s)
			if err != nil {
				return nil, fmt.Errorf("table: row %d column %q: %w", i+2, name, err)
			}
			parsed[i] = v
		}
		if err := f.mutate(name, parsed); err != nil {
			return nil, err
		}
	}
	return f, nil
}

var utf8BOM = []byte("\ufeff")

// headerOnly reports whether data holds a header record and nothing else.
func headerOnly(data []byte) ([]string, bool) {
	cr := csv.NewReader(bytes.NewReader(data))
	header, err := cr.Read()
	if err != nil || len(header) == 0 {
		return nil, false
	}
	if _, err := cr.Read(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return header, true
}

// ParseCell converts a CSV cell to a float. Missing markers yield NaN.
func ParseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "na", "null", "none":
		return math.NaN(), nil
	}
	v, err := cast.ToFloat64E(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number: %w", s, apperr.ErrInvalidInput)
	}
	return v, nil
}

// FormatCell renders a value the way WriteCSV does.
func FormatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteCSV writes f with the index as the first column. Missing cells
// are written empty.
func WriteCSV(w io.Writer, f *Frame) error {
	cols := []series.Series{series.New(f.Keys(), series.String, f.indexName)}
	for _, name := range f.Columns() {
		values, _ := f.Column(name)
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = FormatCell(v)
		}
		cols = append(cols, series.New(cells, series.String, name))
	}
	if err := dataframe.New(cols...).WriteCSV(w); err != nil {
		return fmt.Errorf("table: write: %w", err)
	}
	return nil
}
