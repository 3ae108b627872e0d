// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Record is a syncable row of a collection as the engine sees it
type Record struct {
	LocalID    int64
	GlobalID   string // empty until the first confirmed upload
	UpdatedAt  time.Time
	Dirty      bool
	Tombstoned bool
	Values     map[string]any    // field column -> stored value
	Refs       map[string]*int64 // foreign key column -> parent local id (nil when NULL)

	// updated_at exactly as stored, used to detect edits made while a sync was in flight
	rawUpdatedAt sql.NullString
}

func (s *collectionSpec) selectColumns() string {
	cols := []string{
		ColLocalID,
		ColGlobalID,
		"CAST(" + ColUpdatedAt + " AS TEXT)",
		"CAST(" + ColIsSynced + " AS INTEGER)",
		"CAST(" + ColIsDeleted + " AS INTEGER)",
	}
	for _, f := range s.Fields {
		cols = append(cols, f.Column)
	}
	for _, fk := range s.ForeignKeys {
		cols = append(cols, fk.Column)
	}
	return strings.Join(cols, ", ")
}

// loadRecords returns rows of a collection matching where, ordered by local id
func loadRecords(ctx context.Context, q queryer, spec *collectionSpec, where string, args ...any) ([]*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY %s`, spec.selectColumns(), spec.Name, where, ColLocalID)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, localErr("query "+spec.Name, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, spec)
		if err != nil {
			return nil, localErr("scan "+spec.Name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("iterate "+spec.Name, err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows, spec *collectionSpec) (*Record, error) {
	var (
		rec       = &Record{Values: make(map[string]any, len(spec.Fields)), Refs: make(map[string]*int64, len(spec.ForeignKeys))}
		globalID  sql.NullString
		isSynced  sql.NullInt64
		isDeleted sql.NullInt64
	)
	fieldVals := make([]any, len(spec.Fields))
	fkVals := make([]sql.NullInt64, len(spec.ForeignKeys))

	dest := []any{&rec.LocalID, &globalID, &rec.rawUpdatedAt, &isSynced, &isDeleted}
	for i := range fieldVals {
		dest = append(dest, &fieldVals[i])
	}
	for i := range fkVals {
		dest = append(dest, &fkVals[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	rec.GlobalID = globalID.String
	rec.Dirty = !isSynced.Valid || isSynced.Int64 == 0
	rec.Tombstoned = isDeleted.Valid && isDeleted.Int64 != 0
	if rec.rawUpdatedAt.Valid {
		if t, err := NormalizeTime(rec.rawUpdatedAt.String); err == nil {
			rec.UpdatedAt = t
		}
	}
	for i, f := range spec.Fields {
		rec.Values[f.Column] = fieldVals[i]
	}
	for i, fk := range spec.ForeignKeys {
		if fkVals[i].Valid {
			v := fkVals[i].Int64
			rec.Refs[fk.Column] = &v
		} else {
			rec.Refs[fk.Column] = nil
		}
	}
	return rec, nil
}

// LiveFilter is the WHERE clause app queries should use to hide tombstoned rows
const LiveFilter = ColIsDeleted + " = 0"
