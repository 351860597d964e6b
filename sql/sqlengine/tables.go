package sqlengine

import (
	"context"
	"fmt"
	"sort"
)

// Tables adapts an Engine to the row-mapper table access the cascade runner
// expects: whole-table reads and result-table writes.
type Tables struct {
	Engine Engine
}

// ReadRows returns every row of the named table.
func (t Tables) ReadRows(ctx context.Context, table string) ([]map[string]any, error) {
	res, err := t.Engine.Query(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return res.Rows, nil
}

// WriteRows registers rows under the given table name. Columns derive from
// the union of row keys in sorted order.
func (t Tables) WriteRows(ctx context.Context, table string, rows []map[string]any) error {
	seen := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return t.Engine.RegisterTable(ctx, table, &Rows{Columns: cols, Rows: rows})
}
