// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-docsync/docserver"
	"golang.org/x/sync/errgroup"
)

// processDeletions propagates the tombstones of one collection to the remote store and
// then purges or archives them locally. Rows whose remote delete failed stay tombstoned
// and dirty for the next session. Only fatal errors are returned.
func (c *Client) processDeletions(ctx context.Context, s *session, spec *collectionSpec) error {
	start := c.stageStart()
	stats := s.result.stats(spec.Name)

	recs, err := loadRecords(ctx, c.DB, spec, whereTombstoned)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	reserved, err := reservedIDs(ctx, c.DB, spec.Name)
	if err != nil {
		return err
	}

	// Remote delete for dirty tombstones that exist (or may exist) remotely
	remoteIDs := make(map[int64]string)
	var pending []*Record
	for _, rec := range recs {
		if !rec.Dirty {
			continue // archived: already deleted remotely
		}
		id := rec.GlobalID
		if id == "" {
			id = reserved[rec.LocalID] // upload may have reached the store unconfirmed
		}
		if id != "" {
			remoteIDs[rec.LocalID] = id
			pending = append(pending, rec)
		}
	}
	deleted, err := c.deleteRemote(ctx, s, spec, pending, remoteIDs)
	if err != nil {
		c.observeStage(ctx, MetricsPhaseDelete, spec.Name, start, len(recs), true)
		return err
	}
	stats.Deleted += len(deleted)

	// Local fate, only after the remote side is settled, in one transaction
	var purged, archived int
	err = c.inApplyTx(ctx, "purge "+spec.Name, func(tx *sql.Tx) error {
		purged, archived = 0, 0
		for _, rec := range recs {
			if _, needsRemote := remoteIDs[rec.LocalID]; needsRemote && !deleted[rec.LocalID] {
				continue
			}
			fate, err := c.purgeOrArchive(ctx, tx, spec, rec)
			if err != nil {
				return err
			}
			switch fate {
			case fatePurged:
				purged++
			case fateArchived:
				archived++
			}
		}
		return nil
	})
	if err != nil {
		c.observeStage(ctx, MetricsPhaseDelete, spec.Name, start, len(recs), true)
		return err
	}
	stats.Purged += purged
	stats.Archived += archived

	c.observeStage(ctx, MetricsPhaseDelete, spec.Name, start, len(recs), false)
	return nil
}

// deleteRemote commits deletes in store-sized atomic batches. A batch that still fails
// after retries is replayed as concurrent single-document deletes so that one bad
// document does not hold back the others.
func (c *Client) deleteRemote(ctx context.Context, s *session, spec *collectionSpec, recs []*Record, ids map[int64]string) (map[int64]bool, error) {
	deleted := make(map[int64]bool, len(recs))
	stats := s.result.stats(spec.Name)

	for _, chunk := range chunkRecords(recs, c.batchSize()) {
		writes := make([]docserver.Write, len(chunk))
		for i, rec := range chunk {
			writes[i] = docserver.DeleteWrite(spec.remote, ids[rec.LocalID])
		}
		err := c.withRetry(ctx, "delete "+spec.Name, func(ctx context.Context) error {
			_, err := c.Remote.Commit(ctx, s.userID, writes)
			return err
		})
		if err == nil {
			for _, rec := range chunk {
				deleted[rec.LocalID] = true
			}
			continue
		}
		if isFatal(ctx, err) {
			return nil, err
		}
		if len(chunk) == 1 {
			c.logger.Warn("Remote delete failed", "collection", spec.Name, "global_id", ids[chunk[0].LocalID], "error", err)
			stats.Failed++
			continue
		}

		c.logger.Warn("Delete batch failed, retrying documents individually",
			"collection", spec.Name, "batch", len(chunk), "error", err)
		results := make([]error, len(chunk))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.config.Concurrency)
		for i, rec := range chunk {
			g.Go(func() error {
				write := []docserver.Write{docserver.DeleteWrite(spec.remote, ids[rec.LocalID])}
				results[i] = c.withRetry(gctx, "delete "+spec.Name, func(ctx context.Context) error {
					_, err := c.Remote.Commit(ctx, s.userID, write)
					return err
				})
				if errors.Is(results[i], ErrConnectivityLost) {
					return results[i]
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, rec := range chunk {
			if results[i] != nil {
				c.logger.Warn("Remote delete failed", "collection", spec.Name, "global_id", ids[rec.LocalID], "error", results[i])
				stats.Failed++
				continue
			}
			deleted[rec.LocalID] = true
		}
	}
	return deleted, nil
}

type localFate int

const (
	fateKept localFate = iota
	fatePurged
	fateArchived
)

// purgeOrArchive hard-deletes a tombstoned row when nothing live references it (or the
// collection's PurgeCheck allows it) and archives it otherwise: the tombstone stays,
// the dirty flag is cleared and the row is re-examined on later sessions.
func (c *Client) purgeOrArchive(ctx context.Context, q queryer, spec *collectionSpec, rec *Record) (localFate, error) {
	live, err := liveChildren(ctx, q, spec, rec.LocalID)
	if err != nil {
		return fateKept, err
	}
	allowed := live == 0
	if spec.PurgeCheck != nil {
		allowed = spec.PurgeCheck(rec, live)
	}

	if allowed {
		res, err := q.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE %s = ? AND %s != 0`, spec.Name, ColLocalID, ColIsDeleted), rec.LocalID)
		switch {
		case err == nil:
			if n, _ := res.RowsAffected(); n == 0 {
				return fateKept, nil // restored by the app meanwhile
			}
			if err := releaseReservedID(ctx, q, spec.Name, rec.LocalID); err != nil {
				return fateKept, err
			}
			return fatePurged, nil
		case isForeignKeyViolation(err):
			c.logger.Debug("Purge blocked by foreign key, archiving", "collection", spec.Name, "local_id", rec.LocalID)
		default:
			return fateKept, localErr("purge "+spec.Name, err)
		}
	}

	if !rec.Dirty {
		return fateKept, nil // already archived
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = 1 WHERE %s = ? AND %s != 0 AND CAST(%s AS TEXT) IS ?`,
		spec.Name, ColIsSynced, ColLocalID, ColIsDeleted, ColUpdatedAt), rec.LocalID, rec.rawUpdatedAt)
	if err != nil {
		return fateKept, localErr("archive "+spec.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fateKept, nil
	}
	return fateArchived, nil
}

// liveChildren counts non-tombstoned rows in other collections referencing a row
func liveChildren(ctx context.Context, q queryer, spec *collectionSpec, localID int64) (int, error) {
	total := 0
	for _, ch := range spec.children {
		var n int
		err := q.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE %s = ? AND %s = 0`, ch.coll.Name, ch.fk.Column, ColIsDeleted),
			localID).Scan(&n)
		if err != nil {
			return 0, localErr("count children of "+spec.Name, err)
		}
		total += n
	}
	return total, nil
}

func chunkRecords(recs []*Record, size int) [][]*Record {
	var out [][]*Record
	for size < len(recs) {
		recs, out = recs[size:], append(out, recs[:size])
	}
	if len(recs) > 0 {
		out = append(out, recs)
	}
	return out
}
