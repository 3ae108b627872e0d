// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"database/sql"
	"testing"

	"github.com/mobiletoly/go-docsync/docserver"
	"github.com/stretchr/testify/require"
)

func newMemoryRemote() *docserver.MemoryStore {
	return docserver.NewMemoryStore(1)
}

func TestTriggers_MarkAppWritesDirty(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	id := env.exec(t, `INSERT INTO products (name, is_synced) VALUES ('Tea', 1)`)
	st := env.state(t, "products", id)
	require.True(t, st.dirty, "insert marks dirty even when the app claims otherwise")

	var updatedAt sql.NullString
	require.NoError(t, env.db.QueryRow(`SELECT updated_at FROM products WHERE id = ?`, id).Scan(&updatedAt))
	require.True(t, updatedAt.Valid)
	_, err := NormalizeTime(updatedAt.String)
	require.NoError(t, err)

	supplied := env.exec(t, `INSERT INTO products (name, updated_at) VALUES ('Coffee', '2024-05-01T00:00:00Z')`)
	require.NoError(t, env.db.QueryRow(`SELECT updated_at FROM products WHERE id = ?`, supplied).Scan(&updatedAt))
	require.Equal(t, "2024-05-01T00:00:00Z", updatedAt.String)

	// Clean the row the way the engine does, then edit it as the app
	_, err = env.db.Exec(`UPDATE products SET is_synced = 1 WHERE id = ?`, id)
	require.NoError(t, err)
	require.False(t, env.state(t, "products", id).dirty, "bookkeeping columns do not fire the trigger")

	env.exec(t, `UPDATE products SET stock = 3 WHERE id = ?`, id)
	require.True(t, env.state(t, "products", id).dirty)

	_, err = env.db.Exec(`UPDATE products SET is_synced = 1 WHERE id = ?`, id)
	require.NoError(t, err)
	env.exec(t, `UPDATE products SET is_deleted = 1 WHERE id = ?`, id)
	st = env.state(t, "products", id)
	require.True(t, st.dirty)
	require.True(t, st.deleted)
}

func TestTriggers_SuppressedInApplyMode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)

	var id int64
	err := env.client.inApplyTx(ctx, "test", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO products (name, global_id, is_synced, updated_at) VALUES ('Tea', 'p-1', 1, '2025-01-01T00:00:00Z')`)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE products SET stock = 9 WHERE id = ?`, id)
		return err
	})
	require.NoError(t, err)
	require.False(t, env.state(t, "products", id).dirty)

	var mode int
	require.NoError(t, env.db.QueryRow(`SELECT apply_mode FROM _sync_client_info WHERE id = 1`).Scan(&mode))
	require.Zero(t, mode, "apply mode is reset before commit")

	env.exec(t, `UPDATE products SET stock = 10 WHERE id = ?`, id)
	require.True(t, env.state(t, "products", id).dirty)
}

func TestTracker_SnapshotsAndMaps(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)

	live := env.insertProduct(t, "Tea", 2.5, 10)
	gone := env.insertProduct(t, "Coffee", 4, 3)
	env.exec(t, `UPDATE products SET is_deleted = 1 WHERE id = ?`, gone)

	unsynced, err := env.client.UnsyncedRecords(ctx, "products")
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.Equal(t, live, unsynced[0].LocalID)
	require.Equal(t, "Tea", toText(unsynced[0].Values["name"]))
	require.Equal(t, int64(10), unsynced[0].Values["stock"])
	require.True(t, unsynced[0].Dirty)
	require.False(t, unsynced[0].UpdatedAt.IsZero())

	tombstones, err := env.client.TombstonedRecords(ctx, "products")
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	require.Equal(t, gone, tombstones[0].LocalID)

	pending, err := env.client.PendingCount(ctx, "products")
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	requireOK(t, env.client.Sync(ctx))

	forward, err := env.client.BuildMap(ctx, "products")
	require.NoError(t, err)
	reverse, err := env.client.BuildReverseMap(ctx, "products")
	require.NoError(t, err)
	require.Len(t, forward, 1)
	require.Equal(t, live, reverse[forward[live]])

	_, err = env.client.BuildMap(ctx, "suppliers")
	require.ErrorIs(t, err, ErrUnknownScope)
}

func toText(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}
