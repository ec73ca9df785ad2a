package sink

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/source"
	"github.com/starford/nilmprep/internal/table"
)

// maxSheetRows is the worksheet row limit of the xlsx format, header
// included.
var maxSheetRows = 1_048_576

type xlsxSink struct{ path string }

func (s *xlsxSink) Path() string   { return s.path }
func (s *xlsxSink) Format() string { return FormatXLSX }

// SheetName derives a valid worksheet name from an output path.
func SheetName(path string) string {
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, source.Stem(path))
	if name == "" {
		name = "Sheet1"
	}
	if r := []rune(name); len(r) > 31 {
		name = string(r[:31])
	}
	return name
}

func (s *xlsxSink) Write(_ context.Context, f *table.Frame) error {
	if f.Len()+1 > maxSheetRows {
		return fmt.Errorf("sink: %d rows exceed the xlsx sheet limit: %w", f.Len(), apperr.ErrInvalidInput)
	}

	xls := excelize.NewFile()
	defer xls.Close()

	sheet := SheetName(s.path)
	if err := xls.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("sink: name sheet: %w", err)
	}
	sw, err := xls.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("sink: stream writer: %w", err)
	}

	cols := f.Columns()
	header := make([]interface{}, 0, len(cols)+1)
	header = append(header, f.IndexName())
	for _, c := range cols {
		header = append(header, c)
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("sink: header: %w", err)
	}

	data := make([][]float64, len(cols))
	for c, name := range cols {
		data[c], _ = f.Column(name)
	}
	row := make([]interface{}, len(cols)+1)
	for r, key := range f.Keys() {
		row[0] = key
		for c := range cols {
			if v := data[c][r]; math.IsNaN(v) {
				row[c+1] = nil
			} else {
				row[c+1] = v
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("sink: row %d: %w", r+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("sink: flush sheet: %w", err)
	}

	return atomicWrite(s.path, func(w io.Writer) error {
		return xls.Write(w)
	})
}
