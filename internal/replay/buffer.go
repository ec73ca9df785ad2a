// Package replay plays a merged power table back in wall-clock time, as
// if every column were a live smart plug.
package replay

import (
	"fmt"
	"os"
	"time"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/table"
)

// Row is one timestamped line of the table.
type Row struct {
	Time   time.Time
	Values []float64
}

// Buffer holds the rows of a table in file order with a cursor that
// wraps around at the end.
type Buffer struct {
	columns []string
	rows    []Row
	pos     int
}

// NewBuffer converts f into a buffer. Every index key must parse with p.
func NewBuffer(f *table.Frame, p table.TimeParser) (*Buffer, error) {
	if f.Len() == 0 {
		return nil, fmt.Errorf("replay: empty table: %w", apperr.ErrNoInputs)
	}
	times, err := f.Times(p)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	cols := f.Columns()
	data := make([][]float64, len(cols))
	for c, name := range cols {
		data[c], _ = f.Column(name)
	}
	rows := make([]Row, f.Len())
	for r := range rows {
		values := make([]float64, len(cols))
		for c := range cols {
			values[c] = data[c][r]
		}
		rows[r] = Row{Time: times[r], Values: values}
	}
	return &Buffer{columns: cols, rows: rows}, nil
}

// LoadBuffer reads a CSV file whose index is indexColumn (empty selects
// the first column).
func LoadBuffer(path, indexColumn string, p table.TimeParser) (*Buffer, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer r.Close()
	f, err := table.ReadCSV(r, table.ReadOptions{IndexColumn: indexColumn})
	if err != nil {
		return nil, fmt.Errorf("replay: %s: %w", path, err)
	}
	return NewBuffer(f, p)
}

// Len returns the number of rows.
func (b *Buffer) Len() int { return len(b.rows) }

// Columns returns the value column names.
func (b *Buffer) Columns() []string { return b.columns }

// Position returns the cursor.
func (b *Buffer) Position() int { return b.pos }

// Current returns the row under the cursor.
func (b *Buffer) Current() Row { return b.rows[b.pos] }

// Next moves the cursor forward, back to the first row after the last.
func (b *Buffer) Next() {
	b.pos++
	if b.pos >= len(b.rows) {
		b.pos = 0
	}
}

// Skip moves the cursor to the first row, from the cursor on, whose time
// of day is not earlier than now's. When every remaining row is earlier
// the cursor restarts at the first row.
func (b *Buffer) Skip(now time.Time) {
	target := timeOfDay(now)
	for i := b.pos; i < len(b.rows); i++ {
		if timeOfDay(b.rows[i].Time) >= target {
			b.pos = i
			return
		}
	}
	b.pos = 0
}

// Wait returns how long to sleep until the current row is due: the
// difference between its time of day and now's, never negative.
func (b *Buffer) Wait(now time.Time) time.Duration {
	d := timeOfDay(b.Current().Time) - timeOfDay(now)
	if d < 0 {
		return 0
	}
	return d
}

// timeOfDay is the time elapsed since midnight in t's location.
func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}
