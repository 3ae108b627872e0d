// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"fmt"
	"time"
)

// BuildMap returns localId -> globalId for every row of a collection that has been uploaded.
// Maps are built fresh for each phase and never cached across sessions.
func (c *Client) BuildMap(ctx context.Context, collection string) (map[int64]string, error) {
	spec, ok := c.registry.byName[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, collection)
	}
	return buildMap(ctx, c.DB, spec)
}

// BuildReverseMap returns globalId -> localId for every row of a collection that has been uploaded
func (c *Client) BuildReverseMap(ctx context.Context, collection string) (map[string]int64, error) {
	spec, ok := c.registry.byName[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, collection)
	}
	return buildReverseMap(ctx, c.DB, spec)
}

func buildMap(ctx context.Context, q queryer, spec *collectionSpec) (map[int64]string, error) {
	out := make(map[int64]string)
	err := scanIDPairs(ctx, q, spec, func(localID int64, globalID string) {
		out[localID] = globalID
	})
	return out, err
}

func buildReverseMap(ctx context.Context, q queryer, spec *collectionSpec) (map[string]int64, error) {
	out := make(map[string]int64)
	err := scanIDPairs(ctx, q, spec, func(localID int64, globalID string) {
		out[globalID] = localID
	})
	return out, err
}

func scanIDPairs(ctx context.Context, q queryer, spec *collectionSpec, fn func(int64, string)) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE %s IS NOT NULL AND %s != ''`,
		ColLocalID, ColGlobalID, spec.Name, ColGlobalID, ColGlobalID))
	if err != nil {
		return localErr("id map "+spec.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			localID  int64
			globalID string
		)
		if err := rows.Scan(&localID, &globalID); err != nil {
			return localErr("scan id map "+spec.Name, err)
		}
		fn(localID, globalID)
	}
	return localErr("iterate id map "+spec.Name, rows.Err())
}

// LocalState is what the conflict resolver needs to know about an existing local row
type LocalState struct {
	LocalID    int64
	UpdatedAt  time.Time
	Dirty      bool
	Tombstoned bool
}

// buildLocalIndex returns globalId -> local state for a collection
func buildLocalIndex(ctx context.Context, q queryer, spec *collectionSpec) (map[string]*LocalState, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s, %s, CAST(%s AS TEXT), CAST(%s AS INTEGER), CAST(%s AS INTEGER) FROM %s WHERE %s IS NOT NULL AND %s != ''`,
		ColLocalID, ColGlobalID, ColUpdatedAt, ColIsSynced, ColIsDeleted, spec.Name, ColGlobalID, ColGlobalID))
	if err != nil {
		return nil, localErr("local index "+spec.Name, err)
	}
	defer rows.Close()

	out := make(map[string]*LocalState)
	for rows.Next() {
		var (
			st        LocalState
			globalID  string
			updatedAt *string
			isSynced  *int64
			isDeleted *int64
		)
		if err := rows.Scan(&st.LocalID, &globalID, &updatedAt, &isSynced, &isDeleted); err != nil {
			return nil, localErr("scan local index "+spec.Name, err)
		}
		if updatedAt != nil {
			if t, err := NormalizeTime(*updatedAt); err == nil {
				st.UpdatedAt = t
			}
		}
		st.Dirty = isSynced == nil || *isSynced == 0
		st.Tombstoned = isDeleted != nil && *isDeleted != 0
		out[globalID] = &st
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("iterate local index "+spec.Name, err)
	}
	return out, nil
}
