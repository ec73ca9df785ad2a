// Package table implements the frame used by every preparation job: CSV
// I/O, joins on the index column, and time-based reshaping of the index.
// A Frame is a gota dataframe whose first column is the index.
package table

import (
	"fmt"
	"math"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"github.com/starford/nilmprep/internal/apperr"
)

// Frame is a table keyed by an index column. Index keys are kept as the
// raw text found in the source so that untouched keys round-trip
// byte-for-byte. Value columns are float series and a NaN cell means
// "missing".
type Frame struct {
	indexName string
	df        dataframe.DataFrame
}

// New returns a frame over the given index with no value columns.
func New(indexName string, index []string) *Frame {
	if index == nil {
		index = []string{}
	}
	df := dataframe.New(series.New(index, series.String, indexName))
	// gota names an unnamed column X0.
	return &Frame{indexName: df.Names()[0], df: df}
}

// fromDataFrame wraps df, whose first column must be the index.
func fromDataFrame(indexName string, df dataframe.DataFrame) (*Frame, error) {
	if df.Err != nil {
		return nil, fmt.Errorf("table: %v: %w", df.Err, apperr.ErrInvalidInput)
	}
	return &Frame{indexName: indexName, df: df}, nil
}

// IndexName returns the name of the index column.
func (f *Frame) IndexName() string { return f.indexName }

// RenameIndex changes the name of the index column.
func (f *Frame) RenameIndex(name string) error {
	if name == f.indexName {
		return nil
	}
	if slices.Contains(f.Columns(), name) {
		return fmt.Errorf("table: rename index to %q: %w", name, apperr.ErrConflict)
	}
	df := f.df.Rename(name, f.indexName)
	if df.Err != nil {
		return fmt.Errorf("table: rename index: %v", df.Err)
	}
	f.df, f.indexName = df, name
	return nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return f.df.Nrow() }

// Keys returns the index keys in row order.
func (f *Frame) Keys() []string {
	return f.df.Col(f.indexName).Records()
}

// Columns returns the value column names in order.
func (f *Frame) Columns() []string {
	return f.df.Names()[1:]
}

func (f *Frame) hasColumn(name string) bool {
	return slices.Contains(f.Columns(), name)
}

// Column returns a copy of the values of the named column.
func (f *Frame) Column(name string) ([]float64, bool) {
	if !f.hasColumn(name) {
		return nil, false
	}
	return f.df.Col(name).Float(), true
}

// Value returns the cell at row i of the named column, or NaN.
func (f *Frame) Value(row int, name string) float64 {
	c := slices.Index(f.df.Names(), name)
	if c < 1 || row < 0 || row >= f.Len() {
		return math.NaN()
	}
	return f.df.Elem(row, c).Float()
}

// AddColumn appends a value column. values must have one entry per row.
func (f *Frame) AddColumn(name string, values []float64) error {
	if f.hasColumn(name) {
		return fmt.Errorf("table: column %q: %w", name, apperr.ErrConflict)
	}
	if name == f.indexName {
		return fmt.Errorf("table: column %q collides with index: %w", name, apperr.ErrConflict)
	}
	if len(values) != f.Len() {
		return fmt.Errorf("table: column %q has %d values, frame has %d rows: %w",
			name, len(values), f.Len(), apperr.ErrInvalidInput)
	}
	return f.mutate(name, values)
}

// mutate adds or replaces a float column.
func (f *Frame) mutate(name string, values []float64) error {
	if values == nil {
		values = []float64{}
	}
	df := f.df.Mutate(series.New(values, series.Float, name))
	if df.Err != nil {
		return fmt.Errorf("table: column %q: %v", name, df.Err)
	}
	f.df = df
	return nil
}

// Rename changes the name of a value column.
func (f *Frame) Rename(from, to string) error {
	if !f.hasColumn(from) {
		return fmt.Errorf("table: rename %q: %w", from, apperr.ErrNotFound)
	}
	if from == to {
		return nil
	}
	if f.hasColumn(to) || to == f.indexName {
		return fmt.Errorf("table: rename %q to %q: %w", from, to, apperr.ErrConflict)
	}
	f.df = f.df.Rename(to, from)
	return nil
}

// Drop removes the named columns. Unknown names are ignored.
func (f *Frame) Drop(names ...string) {
	var present []string
	for _, name := range names {
		if f.hasColumn(name) {
			present = append(present, name)
		}
	}
	if len(present) > 0 {
		f.df = f.df.Drop(present)
	}
}

// Bind places the value columns of g beside those of f. Both frames must
// have the same keys in the same order.
func (f *Frame) Bind(g *Frame) error {
	if !slices.Equal(f.Keys(), g.Keys()) {
		return fmt.Errorf("table: bind: index differs: %w", apperr.ErrConflict)
	}
	for _, name := range g.Columns() {
		if f.hasColumn(name) || name == f.indexName {
			return fmt.Errorf("table: bind: column %q: %w", name, apperr.ErrConflict)
		}
	}
	if len(g.Columns()) == 0 {
		return nil
	}
	df := f.df.CBind(g.df.Drop(g.indexName))
	if df.Err != nil {
		return fmt.Errorf("table: bind: %v", df.Err)
	}
	f.df = df
	return nil
}

// Fill replaces every missing cell with v and returns how many were replaced.
func (f *Frame) Fill(v float64) int {
	n := 0
	for _, name := range f.Columns() {
		values, _ := f.Column(name)
		changed := false
		for i, x := range values {
			if math.IsNaN(x) {
				values[i] = v
				n++
				changed = true
			}
		}
		if changed {
			_ = f.mutate(name, values)
		}
	}
	return n
}

// Missing returns the number of missing cells.
func (f *Frame) Missing() int {
	n := 0
	for _, name := range f.Columns() {
		for _, na := range f.df.Col(name).IsNaN() {
			if na {
				n++
			}
		}
	}
	return n
}

// SumColumns stores the row-wise sum of cols in a new column called name.
// A missing addend makes the sum missing.
func (f *Frame) SumColumns(name string, cols ...string) error {
	if len(cols) == 0 {
		return fmt.Errorf("table: sum into %q: no columns: %w", name, apperr.ErrInvalidInput)
	}
	sum := make([]float64, f.Len())
	for _, c := range cols {
		values, ok := f.Column(c)
		if !ok {
			return fmt.Errorf("table: sum column %q: %w", c, apperr.ErrNotFound)
		}
		for i, v := range values {
			sum[i] += v
		}
	}
	return f.AddColumn(name, sum)
}

// take returns a new frame made of the given rows of f, in order.
func (f *Frame) take(rows []int) *Frame {
	if rows == nil {
		rows = []int{}
	}
	return &Frame{indexName: f.indexName, df: f.df.Subset(rows)}
}

func nanColumn(n int) []float64 {
	col := make([]float64, n)
	for i := range col {
		col[i] = math.NaN()
	}
	return col
}
