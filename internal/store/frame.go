package store

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/starford/nilmprep/internal/table"
)

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// WriteFrame replaces table name with the contents of f. The index
// becomes a TEXT column, every value column a REAL column; missing cells
// are NULL.
func (db *DB) WriteFrame(ctx context.Context, name string, f *table.Frame) error {
	if name == "" {
		return fmt.Errorf("store: write frame: empty table name")
	}
	indexName := f.IndexName()
	cols := f.Columns()

	defs := make([]string, 0, len(cols)+1)
	defs = append(defs, quoteIdent(indexName)+" TEXT NOT NULL")
	for _, c := range cols {
		defs = append(defs, quoteIdent(c)+" REAL")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)+1), ", ")

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(name)); err != nil {
		return fmt.Errorf("store: drop %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE TABLE `+quoteIdent(name)+` (`+strings.Join(defs, ", ")+`)`); err != nil {
		return fmt.Errorf("store: create %s: %w", name, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+quoteIdent(name)+` VALUES (`+placeholders+`)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	data := make([][]float64, len(cols))
	for c, col := range cols {
		data[c], _ = f.Column(col)
	}
	args := make([]any, len(cols)+1)
	for r, key := range f.Keys() {
		args[0] = key
		for c := range cols {
			v := data[c][r]
			if math.IsNaN(v) {
				args[c+1] = nil
			} else {
				args[c+1] = v
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("store: insert row %d: %w", r+1, err)
		}
	}
	return tx.Commit()
}
