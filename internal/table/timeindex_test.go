package table

import (
	"errors"
	"math"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/starford/nilmprep/internal/apperr"
)

var msParser = TimeParser{Unit: time.Millisecond}

func TestTimeParser_Epoch(t *testing.T) {
	got, err := msParser.Parse("1584437400500")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.Date(2020, 3, 17, 9, 30, 0, 500_000_000, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if s := msParser.Format(got); s != "2020-03-17 09:30:00.5" {
		t.Errorf("format = %q", s)
	}
}

func TestTimeParser_Layout(t *testing.T) {
	got, err := msParser.Parse("2020-03-17 09:30:00")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Equal(time.Date(2020, 3, 17, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("got %v", got)
	}
	if _, err := msParser.Parse("yesterday"); err == nil {
		t.Error("expected error for unparsable key")
	}
}

func TestFloorIndex(t *testing.T) {
	f := frameOf(t, []string{"1584437400100", "1584437400900", "1584437401000"}, "power", 1, 2, 3)
	if err := f.FloorIndex(msParser, time.Second); err != nil {
		t.Fatalf("FloorIndex: %v", err)
	}
	want := []string{"2020-03-17 09:30:00", "2020-03-17 09:30:00", "2020-03-17 09:30:01"}
	if keys := f.Keys(); !slices.Equal(keys, want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}
}

func TestWindowInclusive(t *testing.T) {
	f := frameOf(t, []string{"2020-03-17 09:29:59", "2020-03-17 09:30:00", "2020-03-17 09:30:05", "2020-03-17 09:30:06"}, "p", 1, 2, 3, 4)
	start := time.Date(2020, 3, 17, 9, 30, 0, 0, time.UTC)
	end := time.Date(2020, 3, 17, 9, 30, 5, 0, time.UTC)
	out, err := f.Window(msParser, start, end)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if out.Len() != 2 || out.Value(0, "p") != 2 || out.Value(1, "p") != 3 {
		t.Errorf("window rows = %v", out.Keys())
	}
}

func TestResample_OneRowPerSecond(t *testing.T) {
	// Events at 0.2s, 0.7s, 3.1s: buckets 0..3 inclusive.
	base := int64(1584437400000)
	keys := []string{
		formatInt(base + 200),
		formatInt(base + 700),
		formatInt(base + 3100),
	}
	f := frameOf(t, keys, "power", 10, 20, 40)
	out, err := f.Resample(msParser, time.Second)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if out.Len() != 4 {
		t.Fatalf("rows = %d, want 4", out.Len())
	}
	if keys := out.Keys(); keys[0] != "2020-03-17 09:30:00" || keys[3] != "2020-03-17 09:30:03" {
		t.Errorf("keys = %v", keys)
	}
	if out.Value(0, "power") != 15 {
		t.Errorf("bucket 0 mean = %v, want 15", out.Value(0, "power"))
	}
	if !math.IsNaN(out.Value(1, "power")) || !math.IsNaN(out.Value(2, "power")) {
		t.Error("empty buckets should be NaN")
	}
	if out.Value(3, "power") != 40 {
		t.Errorf("bucket 3 = %v", out.Value(3, "power"))
	}
}

func TestResample_IgnoresMissing(t *testing.T) {
	f := frameOf(t, []string{"1000", "1500"}, "power", math.NaN(), 8)
	out, err := f.Resample(msParser, time.Second)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if out.Len() != 1 || out.Value(0, "power") != 8 {
		t.Errorf("rows %d value %v", out.Len(), out.Value(0, "power"))
	}
}

func TestResample_Empty(t *testing.T) {
	f := New("time", nil)
	_ = f.AddColumn("power", []float64{})
	out, err := f.Resample(msParser, time.Second)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if out.Len() != 0 || len(out.Columns()) != 1 {
		t.Errorf("rows %d cols %v", out.Len(), out.Columns())
	}
}

func TestSortIndex(t *testing.T) {
	f := frameOf(t, []string{"2020-03-17 10:00:00", "2020-03-17 09:00:00"}, "p", 1, 2)
	out := f.SortIndex(msParser)
	if out.Keys()[0] != "2020-03-17 09:00:00" || out.Value(0, "p") != 2 {
		t.Errorf("sorted = %v", out.Keys())
	}

	lex := frameOf(t, []string{"b", "a"}, "p", 1, 2)
	out = lex.SortIndex(TimeParser{})
	if out.Keys()[0] != "a" || out.Value(0, "p") != 2 {
		t.Errorf("lexical sort = %v", out.Keys())
	}
	if cols := out.Columns(); !slices.Equal(cols, []string{"p"}) {
		t.Errorf("columns after sort = %v", cols)
	}
}

func TestSortIndex_FinerKeysThanUnit(t *testing.T) {
	// Nanosecond keys read with a millisecond unit overflow; they must still
	// come out in numeric order, so "...9" hours precede "...10" hours.
	base := int64(1600000000000000000)
	var keys []string
	var values []float64
	for k := 11; k >= 0; k-- {
		keys = append(keys, strconv.FormatInt(base+int64(k)*int64(time.Hour), 10))
		values = append(values, float64(k))
	}
	f := frameOf(t, keys, "p", values...)
	if _, err := f.Times(msParser); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("Times err = %v, want ErrInvalidInput", err)
	}

	out := f.SortIndex(msParser)
	got, _ := out.Column("p")
	for i, v := range got {
		if v != float64(i) {
			t.Fatalf("p = %v, want 0..11 ascending", got)
		}
	}
}

func TestSortIndex_MixedIntegersNumeric(t *testing.T) {
	f := frameOf(t, []string{"10", "9", "100", "-1"}, "p", 10, 9, 100, -1)
	out := f.SortIndex(TimeParser{})
	if keys := out.Keys(); !slices.Equal(keys, []string{"-1", "9", "10", "100"}) {
		t.Errorf("keys = %v", keys)
	}
}

func TestTimeParser_Units(t *testing.T) {
	want := time.Date(2020, 9, 13, 12, 26, 40, 0, time.UTC)
	cases := map[string]struct {
		unit time.Duration
		key  string
	}{
		"s":  {time.Second, "1600000000"},
		"ms": {time.Millisecond, "1600000000000"},
		"us": {time.Microsecond, "1600000000000000"},
		"ns": {time.Nanosecond, "1600000000000000000"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := TimeParser{Unit: tc.unit}.Parse(tc.key)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !got.Equal(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestTimeParser_OutOfRange(t *testing.T) {
	cases := map[string]struct {
		unit time.Duration
		key  string
	}{
		"ns key as ms":     {time.Millisecond, "1600000000000000000"},
		"ns key as s":      {time.Second, "1600000000000000000"},
		"negative":         {time.Second, "-1600000000000000000"},
		"float overflow":   {time.Millisecond, "1.6e18"},
		"beyond int64":     {time.Nanosecond, "99999999999999999999"},
		"us key as second": {time.Second, "1600000000000000"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := TimeParser{Unit: tc.unit}.Parse(tc.key)
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestSumColumns(t *testing.T) {
	f := New("time", []string{"1", "2"})
	_ = f.AddColumn("power1", []float64{1, 1})
	_ = f.AddColumn("power2", []float64{2, math.NaN()})
	_ = f.AddColumn("power3", []float64{3, 3})
	if err := f.SumColumns("smartmeter", "power1", "power2", "power3"); err != nil {
		t.Fatalf("SumColumns: %v", err)
	}
	f.Drop("power1", "power2", "power3")
	if cols := f.Columns(); len(cols) != 1 || cols[0] != "smartmeter" {
		t.Errorf("columns = %v", cols)
	}
	if f.Value(0, "smartmeter") != 6 || !math.IsNaN(f.Value(1, "smartmeter")) {
		t.Errorf("sums = %v %v", f.Value(0, "smartmeter"), f.Value(1, "smartmeter"))
	}
}

func formatInt(n int64) string {
	return FormatCell(float64(n))
}
