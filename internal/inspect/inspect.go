// Package inspect summarises CSV files: shape, column types, missing
// cells and descriptive statistics.
package inspect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/go-gota/gota/dataframe"

	"github.com/starford/nilmprep/internal/apperr"
)

// Column describes one column of a file.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Missing int    `json:"missing"`
}

// Summary is the result of Describe.
type Summary struct {
	Rows    int        `json:"rows"`
	Columns []Column   `json:"columns"`
	Stats   [][]string `json:"stats"` // header row first
}

// Describe loads a headed CSV document and summarises it.
func Describe(r io.Reader) (*Summary, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.DetectTypes(true))
	if df.Err != nil {
		return nil, fmt.Errorf("inspect: read: %v: %w", df.Err, apperr.ErrInvalidInput)
	}

	names := df.Names()
	types := df.Types()
	s := &Summary{Rows: df.Nrow(), Columns: make([]Column, len(names))}
	for i, name := range names {
		col := Column{Name: name, Type: string(types[i])}
		for _, nan := range df.Col(name).IsNaN() {
			if nan {
				col.Missing++
			}
		}
		s.Columns[i] = col
	}

	stats := df.Describe()
	if stats.Err != nil {
		return nil, fmt.Errorf("inspect: describe: %w", stats.Err)
	}
	s.Stats = stats.Records()
	return s, nil
}

// DescribeFile opens path and calls Describe.
func DescribeFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	defer f.Close()
	return Describe(bufio.NewReader(f))
}

// Print writes a human-readable rendering of s.
func (s *Summary) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "rows\t%d\ncolumns\t%d\n\n", s.Rows, len(s.Columns))
	fmt.Fprintln(tw, "column\ttype\tmissing")
	for _, c := range s.Columns {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", c.Name, c.Type, c.Missing)
	}
	if len(s.Stats) > 0 {
		fmt.Fprintln(tw)
		for _, row := range s.Stats {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
	}
	return tw.Flush()
}
