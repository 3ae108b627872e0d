// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mobiletoly/go-docsync/docserver"
)

type mergeOutcome int

const (
	mergeUnchanged mergeOutcome = iota
	mergeAdded
	mergeUpdated
	mergeDeferred
	mergeFailed
	mergePurged
	mergeArchived
)

// mergeContext carries the lookups built once per collection pull
type mergeContext struct {
	spec     *collectionSpec
	parents  map[string]map[string]int64 // referenced collection -> globalId -> localId
	index    map[string]*LocalState      // own globalId -> local state
	reserved map[string]int64            // globalIds handed out to unconfirmed uploads
}

// downloadCollection pulls one collection (incrementally unless fullPull) and merges it
// into the local store in a single transaction, advancing the watermark in the same
// transaction. Only fatal errors and failed remote reads are returned.
func (c *Client) downloadCollection(ctx context.Context, s *session, spec *collectionSpec, fullPull bool) error {
	start := c.stageStart()
	stats := s.result.stats(spec.Name)

	var since time.Time
	if !fullPull {
		watermark, err := loadWatermark(ctx, c.DB, spec.Name)
		if err != nil {
			return err
		}
		if !watermark.IsZero() {
			since = watermark.Add(-c.config.WatermarkOverlap)
		}
	}

	var list *docserver.ListResult
	err := c.withRetry(ctx, "download "+spec.Name, func(ctx context.Context) error {
		var err error
		list, err = c.Remote.ListDocuments(ctx, s.userID, spec.remote, since)
		return err
	})
	if err != nil {
		c.observeStage(ctx, MetricsPhaseDownload, spec.Name, start, 0, true)
		return err
	}

	err = c.inApplyTx(ctx, "download "+spec.Name, func(tx *sql.Tx) error {
		mc, err := c.newMergeContext(ctx, tx, spec)
		if err != nil {
			return err
		}

		var earliestDeferred time.Time
		for i := range list.Documents {
			doc := &list.Documents[i]
			outcome, err := c.mergeDocument(ctx, tx, mc, doc)
			if err != nil {
				return err
			}
			stats.count(outcome)
			if outcome == mergeDeferred && (earliestDeferred.IsZero() || doc.UpdateTime.Before(earliestDeferred)) {
				earliestDeferred = doc.UpdateTime
			}
		}

		// A listing from the beginning carries no tombstones: clean rows it does not
		// mention were deleted remotely
		if since.IsZero() {
			if err := c.reconcileMissing(ctx, tx, mc, list, stats); err != nil {
				return err
			}
		}

		if list.ReadTime.IsZero() {
			return nil
		}
		// Never move past a deferred document so that it is listed again
		watermark := list.ReadTime
		if !earliestDeferred.IsZero() && !earliestDeferred.After(watermark) {
			watermark = earliestDeferred.Add(-time.Microsecond)
		}
		stats.Watermark = watermark
		return storeWatermark(ctx, tx, spec.Name, watermark)
	})
	c.observeStage(ctx, MetricsPhaseDownload, spec.Name, start, len(list.Documents), err != nil)
	return err
}

// reconcileMissing applies a remote delete to every clean, live local row that has a
// global id but is absent from a complete listing
func (c *Client) reconcileMissing(ctx context.Context, tx *sql.Tx, mc *mergeContext, list *docserver.ListResult, stats *CollectionStats) error {
	listed := make(map[string]struct{}, len(list.Documents))
	for i := range list.Documents {
		listed[list.Documents[i].ID] = struct{}{}
	}
	globalIDs := make([]string, 0, len(mc.index))
	for globalID := range mc.index {
		globalIDs = append(globalIDs, globalID)
	}
	sort.Strings(globalIDs)

	deletedAt := list.ReadTime
	for _, globalID := range globalIDs {
		local := mc.index[globalID]
		if _, ok := listed[globalID]; ok || local.Dirty || local.Tombstoned {
			continue
		}
		if !deletedAt.IsZero() && local.UpdatedAt.After(deletedAt) {
			continue // written after the listing was taken
		}
		at := deletedAt
		if at.IsZero() {
			at = local.UpdatedAt
		}
		c.logger.Debug("Local row missing from remote listing, applying delete",
			"collection", mc.spec.Name, "global_id", globalID)
		outcome, err := c.applyRemoteDelete(ctx, tx, mc.spec, local, at)
		if err != nil {
			return err
		}
		stats.count(outcome)
	}
	return nil
}

func (c *Client) newMergeContext(ctx context.Context, q queryer, spec *collectionSpec) (*mergeContext, error) {
	mc := &mergeContext{spec: spec, parents: make(map[string]map[string]int64), reserved: make(map[string]int64)}
	for _, fk := range spec.ForeignKeys {
		if _, done := mc.parents[fk.References]; done {
			continue
		}
		m, err := buildReverseMap(ctx, q, c.registry.byName[fk.References])
		if err != nil {
			return nil, err
		}
		mc.parents[fk.References] = m
	}
	index, err := buildLocalIndex(ctx, q, spec)
	if err != nil {
		return nil, err
	}
	mc.index = index
	reserved, err := reservedIDs(ctx, q, spec.Name)
	if err != nil {
		return nil, err
	}
	for localID, globalID := range reserved {
		mc.reserved[globalID] = localID
	}
	return mc, nil
}

// mergeDocument applies one remote document. Malformed documents are logged and reported
// as failed; only local store errors are returned.
func (c *Client) mergeDocument(ctx context.Context, tx *sql.Tx, mc *mergeContext, doc *docserver.Document) (mergeOutcome, error) {
	spec := mc.spec
	local := mc.index[doc.ID]
	if local == nil {
		if localID, ok := mc.reserved[doc.ID]; ok {
			// Our own upload whose confirmation was lost; the row is still dirty locally
			local = &LocalState{LocalID: localID, Dirty: true}
		}
	}

	if doc.Deleted {
		if Resolve(local, doc.UpdateTime) != Overwrite {
			return mergeUnchanged, nil
		}
		return c.applyRemoteDelete(ctx, tx, spec, local, doc.UpdateTime)
	}

	remoteTime := doc.UpdateTime
	if v, ok := doc.Data[UpdatedAtField]; ok && v != nil {
		t, err := NormalizeTime(v)
		if err != nil {
			c.logger.Warn("Skipping document with malformed timestamp", "collection", spec.Name, "global_id", doc.ID, "error", err)
			return mergeFailed, nil
		}
		remoteTime = t
	}

	decision := Resolve(local, remoteTime)
	if decision == KeepLocal {
		return mergeUnchanged, nil
	}

	columns, values, missing, err := decodeDocument(spec, doc, mc.parents)
	if err != nil {
		c.logger.Warn("Skipping malformed document", "collection", spec.Name, "global_id", doc.ID, "error", err)
		return mergeFailed, nil
	}
	if missing != "" {
		c.logger.Debug("Deferring document until its parent is present",
			"collection", spec.Name, "global_id", doc.ID, "foreign_key", missing)
		return mergeDeferred, nil
	}

	stamp := formatTime(remoteTime)
	switch decision {
	case Insert:
		cols := append([]string{ColGlobalID, ColUpdatedAt, ColIsSynced, ColIsDeleted}, columns...)
		args := append([]any{doc.ID, stamp, 1, 0}, values...)
		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			spec.Name, strings.Join(cols, ", "), placeholders(len(cols)))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			if isForeignKeyViolation(err) {
				c.logger.Warn("Skipping document violating a local foreign key", "collection", spec.Name, "global_id", doc.ID, "error", err)
				return mergeFailed, nil
			}
			return mergeUnchanged, localErr("insert "+spec.Name, err)
		}
		id, _ := res.LastInsertId()
		mc.index[doc.ID] = &LocalState{LocalID: id, UpdatedAt: remoteTime}
		return mergeAdded, nil

	default: // Overwrite
		sets := make([]string, 0, len(columns)+2)
		for _, col := range columns {
			sets = append(sets, col+" = ?")
		}
		sets = append(sets, ColUpdatedAt+" = ?", ColIsDeleted+" = 0")
		args := append(values, stamp, local.LocalID)
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ? AND %s = 1`,
			spec.Name, strings.Join(sets, ", "), ColLocalID, ColIsSynced)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			if isForeignKeyViolation(err) {
				c.logger.Warn("Skipping document violating a local foreign key", "collection", spec.Name, "global_id", doc.ID, "error", err)
				return mergeFailed, nil
			}
			return mergeUnchanged, localErr("update "+spec.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return mergeUnchanged, nil // became dirty meanwhile: local wins
		}
		local.UpdatedAt = remoteTime
		local.Tombstoned = false
		return mergeUpdated, nil
	}
}

// applyRemoteDelete tombstones a clean local row whose remote document was deleted,
// then purges it or archives it when live children still reference it
func (c *Client) applyRemoteDelete(ctx context.Context, tx *sql.Tx, spec *collectionSpec, local *LocalState, deletedAt time.Time) (mergeOutcome, error) {
	already := local.Tombstoned
	if !already {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s = 1, %s = 1, %s = ? WHERE %s = ? AND %s = 1`,
			spec.Name, ColIsDeleted, ColIsSynced, ColUpdatedAt, ColLocalID, ColIsSynced),
			formatTime(deletedAt), local.LocalID)
		if err != nil {
			return mergeUnchanged, localErr("tombstone "+spec.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return mergeUnchanged, nil
		}
		local.Tombstoned = true
		local.UpdatedAt = deletedAt
	}

	recs, err := loadRecords(ctx, tx, spec, ColLocalID+" = ?", local.LocalID)
	if err != nil || len(recs) == 0 {
		return mergeUnchanged, err
	}
	fate, err := c.purgeOrArchive(ctx, tx, spec, recs[0])
	switch {
	case err != nil:
		return mergeUnchanged, err
	case fate == fatePurged:
		return mergePurged, nil
	case already:
		return mergeUnchanged, nil // archived earlier and still referenced
	}
	return mergeArchived, nil
}

// decodeDocument maps a remote document onto column values. Fields absent from the
// document are left out so inserts take column defaults and updates keep local values.
// A non-empty missing names a foreign key whose parent is not present locally.
func decodeDocument(spec *collectionSpec, doc *docserver.Document, parents map[string]map[string]int64) (columns []string, values []any, missing string, err error) {
	for _, f := range spec.Fields {
		raw, ok := doc.Data[f.remoteName()]
		if !ok {
			continue
		}
		v, err := decodeValue(f.Kind, raw)
		if err != nil {
			return nil, nil, "", fmt.Errorf("field %s: %w", f.remoteName(), err)
		}
		columns = append(columns, f.Column)
		values = append(values, v)
	}
	for _, fk := range spec.ForeignKeys {
		raw := doc.Data[fk.remoteName()]
		if raw == nil {
			if !fk.Optional {
				return nil, nil, "", fmt.Errorf("required reference %s is missing", fk.remoteName())
			}
			columns = append(columns, fk.Column)
			values = append(values, nil)
			continue
		}
		globalID, ok := raw.(string)
		if !ok || globalID == "" {
			return nil, nil, "", fmt.Errorf("reference %s is not a document id", fk.remoteName())
		}
		localID, ok := parents[fk.References][globalID]
		if !ok {
			return nil, nil, fk.Column, nil
		}
		columns = append(columns, fk.Column)
		values = append(values, localID)
	}
	return columns, values, "", nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Refresh re-reads one document from the remote store and merges it right away,
// outside of a session. It reports whether the local row changed.
func (c *Client) Refresh(ctx context.Context, collection, globalID string) (bool, error) {
	spec, ok := c.registry.byName[collection]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownScope, collection)
	}
	userID, ok := c.Users.CurrentUser(ctx)
	if !ok || userID == "" {
		return false, ErrNoUser
	}
	if !c.connectivity().Reachable(ctx) {
		return false, ErrOffline
	}
	release, ok := c.locks.tryAcquire([]string{collection}, false)
	if !ok {
		return false, ErrSyncInProgress
	}
	defer release()

	var doc *docserver.Document
	err := c.withRetry(ctx, "refresh "+collection, func(ctx context.Context) error {
		var err error
		doc, err = c.Remote.GetDocument(ctx, userID, spec.remote, globalID)
		return err
	})
	if err != nil {
		return false, err
	}

	var outcome mergeOutcome
	err = c.inApplyTx(ctx, "refresh "+collection, func(tx *sql.Tx) error {
		mc, err := c.newMergeContext(ctx, tx, spec)
		if err != nil {
			return err
		}
		outcome, err = c.mergeDocument(ctx, tx, mc, doc)
		return err
	})
	if err != nil {
		return false, err
	}
	switch outcome {
	case mergeAdded, mergeUpdated, mergePurged, mergeArchived:
		return true, nil
	case mergeDeferred:
		return false, fmt.Errorf("document %s/%s references a parent that is not present locally", collection, globalID)
	case mergeFailed:
		return false, fmt.Errorf("document %s/%s is malformed", collection, globalID)
	}
	return false, nil
}
