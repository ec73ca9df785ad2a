package table

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/spf13/cast"

	"github.com/starford/nilmprep/internal/apperr"
)

// TimeLayout is how time keys produced by this package are rendered.
// Fractional seconds only appear when they are non-zero.
const TimeLayout = "2006-01-02 15:04:05.999999999"

// TimeParser interprets index keys as instants.
type TimeParser struct {
	// Unit of integer epoch keys (time.Second, time.Millisecond, ...).
	// Zero disables epoch parsing.
	Unit time.Duration
	// Location for keys without zone information. Nil means UTC.
	Location *time.Location
}

func (p TimeParser) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Parse converts a key to a time. Epoch keys whose instant does not fit
// in an int64 count of nanoseconds are rejected, which is what keys in a
// finer unit than p.Unit look like.
func (p TimeParser) Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if p.Unit > 0 {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			if limit := math.MaxInt64 / int64(p.Unit); n > limit || n < -limit {
				return time.Time{}, p.outOfRange(s)
			}
			return time.Unix(0, n*int64(p.Unit)).In(p.location()), nil
		}
		if x, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(x) && !math.IsInf(x, 0) {
			ns := x * float64(p.Unit)
			if ns >= math.MaxInt64 || ns <= math.MinInt64 {
				return time.Time{}, p.outOfRange(s)
			}
			return time.Unix(0, int64(ns)).In(p.location()), nil
		}
	}
	t, err := cast.ToTimeInDefaultLocationE(s, p.location())
	if err != nil {
		return time.Time{}, fmt.Errorf("table: time %q: %w", s, apperr.ErrInvalidInput)
	}
	return t.In(p.location()), nil
}

func (p TimeParser) outOfRange(s string) error {
	return fmt.Errorf("table: time %q out of range for unit %s: %w", s, p.Unit, apperr.ErrInvalidInput)
}

// Format renders t as an index key.
func (p TimeParser) Format(t time.Time) string {
	return t.In(p.location()).Format(TimeLayout)
}

// Times parses every index key.
func (f *Frame) Times(p TimeParser) ([]time.Time, error) {
	keys := f.Keys()
	out := make([]time.Time, len(keys))
	for i, k := range keys {
		t, err := p.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out[i] = t
	}
	return out, nil
}

// FloorIndex rounds every index key down to a multiple of d and rewrites
// it in TimeLayout. Rows are kept even when keys collapse.
func (f *Frame) FloorIndex(p TimeParser, d time.Duration) error {
	times, err := f.Times(p)
	if err != nil {
		return err
	}
	keys := make([]string, len(times))
	for i, t := range times {
		keys[i] = p.Format(t.Truncate(d))
	}
	f.df = f.df.Mutate(series.New(keys, series.String, f.indexName))
	return f.df.Err
}

// Window returns the rows whose time lies in [start, end]. A zero bound
// leaves that side open.
func (f *Frame) Window(p TimeParser, start, end time.Time) (*Frame, error) {
	times, err := f.Times(p)
	if err != nil {
		return nil, err
	}
	var rows []int
	for i, t := range times {
		if !start.IsZero() && t.Before(start) {
			continue
		}
		if !end.IsZero() && t.After(end) {
			continue
		}
		rows = append(rows, i)
	}
	return f.take(rows), nil
}

// Resample aggregates rows into fixed buckets of width d by averaging the
// non-missing values of each column. The result has one row per bucket
// from the earliest to the latest bucket, in order; buckets without
// values are NaN.
func (f *Frame) Resample(p TimeParser, d time.Duration) (*Frame, error) {
	if d <= 0 {
		return nil, fmt.Errorf("table: resample width %s: %w", d, apperr.ErrInvalidInput)
	}
	times, err := f.Times(p)
	if err != nil {
		return nil, err
	}
	if len(times) == 0 {
		return f.take(nil), nil
	}

	first := times[0].Truncate(d)
	last := first
	for _, t := range times[1:] {
		b := t.Truncate(d)
		if b.Before(first) {
			first = b
		}
		if b.After(last) {
			last = b
		}
	}
	n := int(last.Sub(first)/d) + 1

	index := make([]string, n)
	for i := range index {
		index[i] = p.Format(first.Add(time.Duration(i) * d))
	}
	out := New(f.indexName, index)

	counts := make([]int, n)
	for _, name := range f.Columns() {
		values, _ := f.Column(name)
		sums := make([]float64, n)
		clear(counts)
		for r, v := range values {
			if math.IsNaN(v) {
				continue
			}
			b := int(times[r].Truncate(d).Sub(first) / d)
			sums[b] += v
			counts[b]++
		}
		for b := range sums {
			if counts[b] == 0 {
				sums[b] = math.NaN()
			} else {
				sums[b] /= float64(counts[b])
			}
		}
		if err := out.AddColumn(name, sums); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// sortColumn holds the sort key while Arrange runs.
const sortColumn = "\x00sort"

// sortLayout renders instants so that text order is time order.
const sortLayout = "2006-01-02T15:04:05.000000000"

// SortIndex orders rows chronologically when every key parses as a time.
// Otherwise keys that are all integers are ordered numerically, and any
// other keys lexicographically. The sort is stable.
func (f *Frame) SortIndex(p TimeParser) *Frame {
	var order dataframe.Order
	df := f.df
	if key, ok := f.sortKey(p); ok {
		df = df.Mutate(key)
		order = dataframe.Sort(sortColumn)
	} else {
		order = dataframe.Sort(f.indexName)
	}
	df = df.Arrange(order)
	if order.Colname == sortColumn {
		df = df.Drop(sortColumn)
	}
	if df.Err != nil {
		return f
	}
	return &Frame{indexName: f.indexName, df: df}
}

// sortKey builds a series ordering the rows by time, or numerically when
// every key is an integer. It reports false when plain text order applies.
func (f *Frame) sortKey(p TimeParser) (series.Series, bool) {
	if times, err := f.Times(p); err == nil {
		keys := make([]string, len(times))
		for i, t := range times {
			keys[i] = t.UTC().Format(sortLayout)
		}
		return series.New(keys, series.String, sortColumn), true
	}
	keys := f.Keys()
	ints := make([]int, len(keys))
	for i, k := range keys {
		n, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return series.Series{}, false
		}
		ints[i] = int(n)
	}
	return series.New(ints, series.Int, sortColumn), true
}
