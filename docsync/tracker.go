// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"fmt"
)

const (
	whereUnsynced   = "(" + ColIsSynced + " = 0 OR " + ColIsSynced + " IS NULL) AND " + ColIsDeleted + " = 0"
	whereTombstoned = ColIsDeleted + " != 0"
)

// UnsyncedRecords returns the dirty, non-tombstoned rows of a collection.
// The result is a snapshot: rows changed afterwards are picked up by the next call.
func (c *Client) UnsyncedRecords(ctx context.Context, collection string) ([]*Record, error) {
	spec, ok := c.registry.byName[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, collection)
	}
	return loadRecords(ctx, c.DB, spec, whereUnsynced)
}

// TombstonedRecords returns every soft-deleted row of a collection, archived ones included
func (c *Client) TombstonedRecords(ctx context.Context, collection string) ([]*Record, error) {
	spec, ok := c.registry.byName[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, collection)
	}
	return loadRecords(ctx, c.DB, spec, whereTombstoned)
}

// PendingCount returns the number of rows a sync would push for a collection (uploads and deletes)
func (c *Client) PendingCount(ctx context.Context, collection string) (int, error) {
	spec, ok := c.registry.byName[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownScope, collection)
	}
	var n int
	err := c.DB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE %s = 0 OR %s IS NULL`, spec.Name, ColIsSynced, ColIsSynced)).Scan(&n)
	if err != nil {
		return 0, localErr("count pending "+spec.Name, err)
	}
	return n, nil
}
