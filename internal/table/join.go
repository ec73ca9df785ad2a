package table

import (
	"fmt"
	"slices"

	"github.com/starford/nilmprep/internal/apperr"
)

// nestedJoinLimit caps the row pairs handed to gota's OuterJoin, which
// compares every row of one side with every row of the other. Larger
// joins use hashJoin, which yields the same rows in the same order.
var nestedJoinLimit = 1 << 22

// OuterJoin combines frames on their index, left to right, with gota's
// outer join semantics: every row of the left side is kept and paired
// with each matching row of the right side, then unmatched right rows
// follow in order. A key repeated on both sides yields every pairing.
// Cells absent from an input are NaN.
func OuterJoin(frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("table: outer join: %w", apperr.ErrNoInputs)
	}
	out := frames[0]
	for _, f := range frames[1:] {
		var err error
		if out, err = join(out, f); err != nil {
			return nil, fmt.Errorf("table: outer join: %w", err)
		}
	}
	return out, nil
}

func join(a, b *Frame) (*Frame, error) {
	for _, name := range b.Columns() {
		if slices.Contains(a.Columns(), name) || name == a.indexName {
			return nil, fmt.Errorf("column %q: %w", name, apperr.ErrConflict)
		}
	}
	if a.Len()*b.Len() > nestedJoinLimit {
		return hashJoin(a, b)
	}
	right := b.df
	if b.indexName != a.indexName {
		right = right.Rename(a.indexName, b.indexName)
	}
	return fromDataFrame(a.indexName, a.df.OuterJoin(right, a.indexName))
}

// naKey is the key gota reads as a missing string; it never matches.
const naKey = "NaN"

// hashJoin is OuterJoin for inputs too large for a nested loop.
func hashJoin(a, b *Frame) (*Frame, error) {
	aKeys, bKeys := a.Keys(), b.Keys()
	rowsOf := make(map[string][]int, len(bKeys))
	for j, k := range bKeys {
		if k != naKey {
			rowsOf[k] = append(rowsOf[k], j)
		}
	}

	var keys []string
	var aRows, bRows []int // -1 marks a missing side
	matched := make([]bool, len(bKeys))
	for i, k := range aKeys {
		js := rowsOf[k]
		if len(js) == 0 {
			keys, aRows, bRows = append(keys, k), append(aRows, i), append(bRows, -1)
			continue
		}
		for _, j := range js {
			keys, aRows, bRows = append(keys, k), append(aRows, i), append(bRows, j)
			matched[j] = true
		}
	}
	for j, k := range bKeys {
		if !matched[j] {
			keys, aRows, bRows = append(keys, k), append(aRows, -1), append(bRows, j)
		}
	}

	out := New(a.indexName, keys)
	for _, side := range []struct {
		f    *Frame
		rows []int
	}{{a, aRows}, {b, bRows}} {
		for _, name := range side.f.Columns() {
			src, _ := side.f.Column(name)
			col := nanColumn(len(keys))
			for i, r := range side.rows {
				if r >= 0 {
					col[i] = src[r]
				}
			}
			if err := out.AddColumn(name, col); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Reindex conforms f to the given keys: the result has exactly one row
// per key, taking values from f's last row with that key, or NaN.
func (f *Frame) Reindex(keys []string) *Frame {
	last := make(map[string]int, f.Len())
	for r, k := range f.Keys() {
		last[k] = r
	}
	out := New(f.indexName, keys)
	for _, name := range f.Columns() {
		src, _ := f.Column(name)
		col := nanColumn(len(keys))
		for i, k := range keys {
			if r, ok := last[k]; ok {
				col[i] = src[r]
			}
		}
		_ = out.AddColumn(name, col)
	}
	return out
}

// Concat stacks frames row-wise with gota's Concat. The result has the
// union of all columns in order of first appearance; cells a frame does
// not carry are NaN. Every frame must use the same index column name.
func Concat(frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("table: concat: %w", apperr.ErrNoInputs)
	}
	indexName := frames[0].indexName
	df := frames[0].df
	for _, f := range frames[1:] {
		if f.indexName != indexName {
			return nil, fmt.Errorf("table: concat: index %q differs from %q: %w",
				f.indexName, indexName, apperr.ErrConflict)
		}
		df = df.Concat(f.df)
	}
	out, err := fromDataFrame(indexName, df)
	if err != nil {
		return nil, fmt.Errorf("table: concat: %w", err)
	}
	return out, nil
}
