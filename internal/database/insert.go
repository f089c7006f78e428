package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// InsertRow inserts one row map into a table.
func (db *DB) InsertRow(ctx context.Context, table string, row map[string]any) error {
	sql, args, err := buildInsert(table, row)
	if err != nil {
		return err
	}
	if _, err := db.Pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// buildInsert renders the statement for a row map. Column order is sorted so
// identical row shapes produce identical statements. Values are normalized:
// json.Number becomes int64 or float64, maps and slices are marshalled to
// JSON for jsonb columns.
func buildInsert(table string, row map[string]any) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, fmt.Errorf("insert into %s: empty row", table)
	}

	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		v, err := normalizeValue(row[c])
		if err != nil {
			return "", nil, fmt.Errorf("insert into %s: column %s: %w", table, c, err)
		}
		args[i] = v
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "))
	return sql, args, nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.String())
		}
		return f, nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return v, nil
	}
}
