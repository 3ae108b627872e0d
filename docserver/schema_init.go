// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the document store tables within an existing transaction
func (s *Store) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS docstore`,

		// Current state of every document, tombstones included (user-scoped)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS docstore.documents (
			user_id     TEXT        NOT NULL,
			collection  TEXT        NOT NULL,
			doc_id      TEXT        NOT NULL,
			data        JSONB       NOT NULL DEFAULT '{}'::jsonb,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			update_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, collection, doc_id)
		)`,
		// Incremental reads scan by update time within a collection
		`CREATE INDEX IF NOT EXISTS documents_user_coll_time_idx ON docstore.documents(user_id, collection, update_time)`,

		// Store-wide metadata documents (e.g. schema version)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS docstore.metadata (
			name       TEXT        PRIMARY KEY,
			data       JSONB       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running docstore migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("docstore migration %d failed: %w", i+1, err)
		}
	}

	if s.config.SchemaVersion > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO docstore.metadata (name, data)
			VALUES (@name, jsonb_build_object('version', @version::int))
			ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			pgx.NamedArgs{"name": SchemaMetadataName, "version": s.config.SchemaVersion},
		); err != nil {
			return fmt.Errorf("failed to publish schema version: %w", err)
		}
	}
	s.logger.Info("Docstore schema initialized successfully",
		"migrations", len(migrations), "schema_version", s.config.SchemaVersion)

	return nil
}
