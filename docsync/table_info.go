// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
}

// TableInfo holds information about a synced table's structure
type TableInfo struct {
	Table   string
	Columns map[string]ColumnInfo // keyed by lower-case name
}

// loadTableInfo reads PRAGMA table_info for a table
func loadTableInfo(ctx context.Context, q queryer, table string) (*TableInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: table, Columns: make(map[string]ColumnInfo)}
	for rows.Next() {
		var (
			cid          int
			name, ctype  string
			notNull, pk  int
			defaultValue any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.Columns[strings.ToLower(name)] = ColumnInfo{
			Name:         name,
			DeclaredType: ctype,
			IsPrimaryKey: pk == 1,
			NotNull:      notNull == 1,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table info for %s: %w", table, err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return info, nil
}

// validateTable checks that a table carries the bookkeeping columns and every declared column
func validateTable(info *TableInfo, spec *collectionSpec) error {
	var missing []string
	for col := range bookkeepingColumns {
		if _, ok := info.Columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	for _, f := range spec.Fields {
		if _, ok := info.Columns[f.Column]; !ok {
			missing = append(missing, f.Column)
		}
	}
	for _, fk := range spec.ForeignKeys {
		if _, ok := info.Columns[fk.Column]; !ok {
			missing = append(missing, fk.Column)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("table %s is missing columns: %s", spec.Name, strings.Join(missing, ", "))
	}
	if !info.Columns[ColLocalID].IsPrimaryKey {
		return fmt.Errorf("table %s: column %s must be the primary key", spec.Name, ColLocalID)
	}
	return nil
}
