// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OpenDatabase opens a SQLite database configured for the sync engine: WAL journal,
// enforced foreign keys, a busy timeout and IMMEDIATE transactions so that engine
// transactions never fail on a read-to-write lock upgrade.
func OpenDatabase(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// initializeDatabase creates engine metadata tables
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Single row; apply_mode=1 suppresses change-marking triggers while the engine writes
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			apply_mode  INTEGER NOT NULL DEFAULT 0,
			last_user   TEXT
		)`,
		`INSERT OR IGNORE INTO _sync_client_info (id, apply_mode) VALUES (1, 0)`,

		// Per-collection download watermark (server read time of the last merged pull)
		`CREATE TABLE IF NOT EXISTS _sync_watermarks (
			collection   TEXT PRIMARY KEY,
			pulled_until TEXT NOT NULL
		)`,

		// Global ids handed out to rows whose first upload is not yet confirmed
		`CREATE TABLE IF NOT EXISTS _sync_reserved_ids (
			collection TEXT    NOT NULL,
			local_id   INTEGER NOT NULL,
			global_id  TEXT    NOT NULL UNIQUE,
			PRIMARY KEY (collection, local_id)
		)`,
	}
	for _, stmt := range tables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// Reset apply_mode in case the app crashed while it was set
	if _, err := db.ExecContext(ctx, `UPDATE _sync_client_info SET apply_mode = 0 WHERE apply_mode != 0`); err != nil {
		return fmt.Errorf("failed to reset apply_mode: %w", err)
	}
	return nil
}

func setApplyMode(ctx context.Context, tx *sql.Tx, on bool) error {
	mode := 0
	if on {
		mode = 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _sync_client_info SET apply_mode = ? WHERE id = 1`, mode); err != nil {
		return localErr("set apply_mode", err)
	}
	return nil
}

// inApplyTx runs fn in a transaction with change-marking triggers suppressed
func (c *Client) inApplyTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return localErr(op+": begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := setApplyMode(ctx, tx, true); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := setApplyMode(ctx, tx, false); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return localErr(op+": commit", err)
	}
	committed = true
	return nil
}

// Watermark returns the time up to which a collection has been pulled (zero if never)
func (c *Client) Watermark(ctx context.Context, collection string) (time.Time, error) {
	return loadWatermark(ctx, c.DB, collection)
}

func loadWatermark(ctx context.Context, q queryer, collection string) (time.Time, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT pulled_until FROM _sync_watermarks WHERE collection = ?`, collection).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, localErr("load watermark", err)
	}
	t, err := NormalizeTime(raw)
	if err != nil {
		return time.Time{}, localErr("parse watermark", err)
	}
	return t, nil
}

func storeWatermark(ctx context.Context, q queryer, collection string, t time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO _sync_watermarks (collection, pulled_until) VALUES (?, ?)
		ON CONFLICT (collection) DO UPDATE SET pulled_until = excluded.pulled_until`,
		collection, formatTime(t))
	return localErr("store watermark", err)
}

// reserveGlobalID returns the id reserved for a row, creating and persisting one when absent
func reserveGlobalID(ctx context.Context, q queryer, collection string, localID int64, newID func() string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT global_id FROM _sync_reserved_ids WHERE collection = ? AND local_id = ?`,
		collection, localID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", localErr("load reserved id", err)
	}
	id = newID()
	if _, err := q.ExecContext(ctx,
		`INSERT INTO _sync_reserved_ids (collection, local_id, global_id) VALUES (?, ?, ?)`,
		collection, localID, id); err != nil {
		return "", localErr("reserve id", err)
	}
	return id, nil
}

func reservedIDs(ctx context.Context, q queryer, collection string) (map[int64]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT local_id, global_id FROM _sync_reserved_ids WHERE collection = ?`, collection)
	if err != nil {
		return nil, localErr("load reserved ids", err)
	}
	defer rows.Close()
	out := make(map[int64]string)
	for rows.Next() {
		var (
			localID int64
			id      string
		)
		if err := rows.Scan(&localID, &id); err != nil {
			return nil, localErr("scan reserved id", err)
		}
		out[localID] = id
	}
	return out, localErr("iterate reserved ids", rows.Err())
}

func releaseReservedID(ctx context.Context, q queryer, collection string, localID int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM _sync_reserved_ids WHERE collection = ? AND local_id = ?`, collection, localID)
	return localErr("release reserved id", err)
}

// isForeignKeyViolation reports whether a SQLite statement failed on a foreign key constraint
func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
