// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreConfig holds configuration for the document store
type StoreConfig struct {
	SchemaVersion     int // Published in the schema metadata document (0 = leave untouched)
	MaxBatchSize      int // Maximum writes per commit (0 = DefaultMaxBatchSize)
	MaxCommitAttempts int // Attempts for commits hitting serialization failures or deadlocks

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// Store is a per-user document store backed by Postgres
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config StoreConfig
	stageObserver
}

// NewStore creates the store on an existing pool and initializes its tables
func NewStore(ctx context.Context, pool *pgxpool.Pool, config *StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := StoreConfig{SchemaVersion: 1}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxCommitAttempts <= 0 {
		cfg.MaxCommitAttempts = 5
	}

	s := &Store{
		pool:   pool,
		logger: logger,
		config: cfg,
		stageObserver: stageObserver{
			recorder: cfg.StageMetrics,
			logTimes: cfg.LogStageTimings,
			logger:   logger,
		},
	}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		logger.Error("Failed to initialize docstore schema", "error", err)
		return nil, fmt.Errorf("failed to initialize docstore schema: %w", err)
	}
	return s, nil
}

// MaxBatchSize returns the number of writes accepted by a single Commit
func (s *Store) MaxBatchSize() int {
	return s.config.MaxBatchSize
}

// SchemaVersion reads the integer version from the schema metadata document
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version *int
	err := s.pool.QueryRow(ctx,
		`SELECT (data->>'version')::int FROM docstore.metadata WHERE name = $1`,
		SchemaMetadataName,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: schema metadata document", ErrNotFound)
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if version == nil {
		return 0, fmt.Errorf("%w: schema metadata has no version", ErrNotFound)
	}
	return *version, nil
}

// ListDocuments returns the documents of a collection updated strictly after since.
// A zero since returns every live document; otherwise tombstones are included.
func (s *Store) ListDocuments(ctx context.Context, userID, collection string, since time.Time) (*ListResult, error) {
	if !isValidCollectionName(collection) {
		return nil, fmt.Errorf("%w: invalid collection name %q", ErrInvalidArgument, collection)
	}
	totalStart := s.stageStart()
	result := &ListResult{Documents: []Document{}}

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		// now() is the transaction start; documents committed later are picked up by the next read
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&result.ReadTime); err != nil {
			return fmt.Errorf("failed to read server time: %w", err)
		}

		queryStart := s.stageStart()
		rows, err := tx.Query(ctx, `
			SELECT doc_id, data, deleted, update_time
			FROM docstore.documents
			WHERE user_id = @user_id
			  AND collection = @collection
			  AND update_time > @since
			  AND (@include_deleted::boolean OR NOT deleted)
			ORDER BY update_time, doc_id`,
			pgx.NamedArgs{
				"user_id":         userID,
				"collection":      collection,
				"since":           since,
				"include_deleted": !since.IsZero(),
			})
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", collection, err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				doc Document
				raw []byte
			)
			if err := rows.Scan(&doc.ID, &raw, &doc.Deleted, &doc.UpdateTime); err != nil {
				return fmt.Errorf("failed to scan document: %w", err)
			}
			doc.Data, err = decodeData(raw)
			if err != nil {
				return fmt.Errorf("failed to decode document %s/%s: %w", collection, doc.ID, err)
			}
			result.Documents = append(result.Documents, doc)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate documents: %w", err)
		}
		s.observeStage(ctx, MetricsOpList, MetricsStageListQuery, queryStart, len(result.Documents), 1, false)
		return nil
	})
	s.observeStage(ctx, MetricsOpList, MetricsStageTotal, totalStart, len(result.Documents), 1, err != nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetDocument returns a single live document or ErrNotFound
func (s *Store) GetDocument(ctx context.Context, userID, collection, docID string) (*Document, error) {
	var (
		doc = Document{ID: docID}
		raw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT data, deleted, update_time
		FROM docstore.documents
		WHERE user_id = $1 AND collection = $2 AND doc_id = $3`,
		userID, collection, docID,
	).Scan(&raw, &doc.Deleted, &doc.UpdateTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, docID)
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, docID, err)
	}
	if doc.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, docID)
	}
	if doc.Data, err = decodeData(raw); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, docID, err)
	}
	return &doc, nil
}

// Commit applies all writes atomically. Set writes merge top-level fields into the
// existing document (or replace a tombstone); deletes leave a tombstone behind so that
// incremental readers observe them.
func (s *Store) Commit(ctx context.Context, userID string, writes []Write) (*CommitResult, error) {
	validateStart := s.stageStart()
	if err := validateWrites(writes, s.config.MaxBatchSize); err != nil {
		s.observeStage(ctx, MetricsOpCommit, MetricsStageCommitValidate, validateStart, len(writes), 1, true)
		return nil, err
	}
	s.observeStage(ctx, MetricsOpCommit, MetricsStageCommitValidate, validateStart, len(writes), 1, false)

	totalStart := s.stageStart()
	var (
		result *CommitResult
		err    error
	)
	for attempt := 1; attempt <= s.config.MaxCommitAttempts; attempt++ {
		txStart := s.stageStart()
		result, err = s.commitOnce(ctx, userID, writes)
		s.observeStage(ctx, MetricsOpCommit, MetricsStageCommitTx, txStart, len(writes), attempt, err != nil)
		if err == nil || !isRetryablePGTxError(err) || attempt == s.config.MaxCommitAttempts {
			break
		}
		s.logger.Warn("Retrying commit after transient error", "attempt", attempt, "error", err)
		if sleepErr := sleepWithContext(ctx, commitBackoff(attempt)); sleepErr != nil {
			err = sleepErr
			break
		}
	}
	s.observeStage(ctx, MetricsOpCommit, MetricsStageTotal, totalStart, len(writes), 1, err != nil)
	if err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	return result, nil
}

func (s *Store) commitOnce(ctx context.Context, userID string, writes []Write) (*CommitResult, error) {
	result := &CommitResult{Count: len(writes)}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&result.CommitTime); err != nil {
			return fmt.Errorf("failed to read commit time: %w", err)
		}

		batch := &pgx.Batch{}
		for _, w := range writes {
			switch w.Op {
			case OpSet:
				data, err := json.Marshal(resolveServerTimestamps(w.Data, result.CommitTime))
				if err != nil {
					return fmt.Errorf("%w: document %s/%s: %v", ErrInvalidArgument, w.Collection, w.DocID, err)
				}
				batch.Queue(`
					INSERT INTO docstore.documents (user_id, collection, doc_id, data, deleted, update_time)
					VALUES ($1, $2, $3, $4::jsonb, FALSE, $5)
					ON CONFLICT (user_id, collection, doc_id) DO UPDATE SET
						data = CASE WHEN documents.deleted THEN EXCLUDED.data ELSE documents.data || EXCLUDED.data END,
						deleted = FALSE,
						update_time = EXCLUDED.update_time`,
					userID, w.Collection, w.DocID, string(data), result.CommitTime)
			case OpDelete:
				batch.Queue(`
					INSERT INTO docstore.documents (user_id, collection, doc_id, data, deleted, update_time)
					VALUES ($1, $2, $3, '{}'::jsonb, TRUE, $4)
					ON CONFLICT (user_id, collection, doc_id) DO UPDATE SET
						data = '{}'::jsonb,
						deleted = TRUE,
						update_time = EXCLUDED.update_time`,
					userID, w.Collection, w.DocID, result.CommitTime)
			}
		}

		br := tx.SendBatch(ctx, batch)
		for i := range writes {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("write %d (%s %s/%s): %w", i, writes[i].Op, writes[i].Collection, writes[i].DocID, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// decodeData unmarshals JSONB keeping numbers as json.Number
func decodeData(raw []byte) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) == 0 {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
