package database

import (
	"context"
	"fmt"
	"strings"
)

// ColumnTypes returns the live column set of a table mapped to internal type
// names. An empty map with nil error means the table exists but has no
// columns, which does not happen for tables we create; callers should use
// TableExists to distinguish absence.
func (db *DB) ColumnTypes(ctx context.Context, table string) (map[string]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = internalType(dataType)
	}
	return cols, rows.Err()
}

// TableExists reports whether a public table with the given name exists.
func (db *DB) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)`, table).Scan(&exists)
	return exists, err
}

// TableNames lists public tables whose names start with prefix, matched
// literally.
func (db *DB) TableNames(ctx context.Context, prefix string) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name LIKE $1 || '%' ESCAPE '\'
		ORDER BY table_name`, escapeLike(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// escapeLike makes a string safe for use as a literal LIKE prefix. Table
// names here are underscore-heavy, and an unescaped _ matches any character.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Exec runs a DDL or DML statement.
func (db *DB) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := db.Pool.Exec(ctx, sql, args...)
	return err
}

// internalType folds a postgres data_type into the internal column type
// vocabulary used for schema comparison.
func internalType(dataType string) string {
	switch strings.ToLower(dataType) {
	case "integer", "bigint", "smallint", "serial", "bigserial":
		return "int"
	case "double precision", "real", "numeric":
		return "float"
	case "boolean":
		return "boolean"
	case "json", "jsonb":
		return "json"
	case "text", "character varying", "character":
		return "string"
	case "timestamp with time zone", "timestamp without time zone":
		return "timestamp"
	default:
		return "string"
	}
}
