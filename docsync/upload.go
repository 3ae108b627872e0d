// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mobiletoly/go-docsync/docserver"
)

type preparedUpload struct {
	rec      *Record
	globalID string
	write    docserver.Write
}

// uploadCollection pushes the dirty rows of one collection. Rows whose parents have no
// global id yet are skipped and retried next session; rows that cannot be encoded are
// counted as failed. A failed batch leaves all its rows dirty. Only fatal errors are returned.
func (c *Client) uploadCollection(ctx context.Context, s *session, spec *collectionSpec) error {
	start := c.stageStart()
	stats := s.result.stats(spec.Name)

	recs, err := loadRecords(ctx, c.DB, spec, whereUnsynced)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	parentMaps := make(map[string]map[int64]string)
	for _, fk := range spec.ForeignKeys {
		if _, done := parentMaps[fk.References]; done {
			continue
		}
		m, err := buildMap(ctx, c.DB, c.registry.byName[fk.References])
		if err != nil {
			return err
		}
		parentMaps[fk.References] = m
	}

	var prepared []preparedUpload
	for _, rec := range recs {
		data, missing, err := encodeRecord(spec, rec, parentMaps)
		if err != nil {
			c.logger.Warn("Skipping record that cannot be uploaded", "collection", spec.Name, "local_id", rec.LocalID, "error", err)
			stats.Failed++
			continue
		}
		if missing != "" {
			c.logger.Debug("Deferring record until its parent is uploaded",
				"collection", spec.Name, "local_id", rec.LocalID, "foreign_key", missing)
			stats.Skipped++
			continue
		}
		globalID := rec.GlobalID
		if globalID == "" {
			if globalID, err = reserveGlobalID(ctx, c.DB, spec.Name, rec.LocalID, c.NewID); err != nil {
				return err
			}
		}
		prepared = append(prepared, preparedUpload{
			rec:      rec,
			globalID: globalID,
			write:    docserver.SetWrite(spec.remote, globalID, data),
		})
	}

	size := c.batchSize()
	for len(prepared) > 0 {
		n := min(size, len(prepared))
		chunk := prepared[:n]
		prepared = prepared[n:]

		writes := make([]docserver.Write, len(chunk))
		for i := range chunk {
			writes[i] = chunk[i].write
		}
		var result *docserver.CommitResult
		err := c.withRetry(ctx, "upload "+spec.Name, func(ctx context.Context) error {
			var err error
			result, err = c.Remote.Commit(ctx, s.userID, writes)
			return err
		})
		if err != nil {
			if isFatal(ctx, err) {
				c.observeStage(ctx, MetricsPhaseUpload, spec.Name, start, stats.Uploaded, true)
				return err
			}
			c.logger.Warn("Upload batch failed, records stay dirty", "collection", spec.Name, "batch", len(chunk), "error", err)
			stats.Failed += len(chunk)
			continue
		}
		if err := c.confirmUploads(ctx, spec, chunk, result.CommitTime); err != nil {
			return err
		}
		stats.Uploaded += len(chunk)
	}

	c.observeStage(ctx, MetricsPhaseUpload, spec.Name, start, stats.Uploaded, false)
	return nil
}

// confirmUploads records a committed batch locally in one transaction: the global id is
// stored, and the dirty flag is cleared only for rows not edited since they were read.
// updated_at takes the commit time so the row's own echo is not treated as newer.
func (c *Client) confirmUploads(ctx context.Context, spec *collectionSpec, chunk []preparedUpload, commitTime time.Time) error {
	confirmQuery := fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = 1, %s = ? WHERE %s = ? AND CAST(%s AS TEXT) IS ?`,
		spec.Name, ColGlobalID, ColIsSynced, ColUpdatedAt, ColLocalID, ColUpdatedAt)
	assignQuery := fmt.Sprintf(
		`UPDATE %s SET %s = ? WHERE %s = ? AND (%s IS NULL OR %s = '')`,
		spec.Name, ColGlobalID, ColLocalID, ColGlobalID, ColGlobalID)
	stamp := formatTime(commitTime)

	return c.inApplyTx(ctx, "confirm upload "+spec.Name, func(tx *sql.Tx) error {
		for _, p := range chunk {
			res, err := tx.ExecContext(ctx, confirmQuery, p.globalID, stamp, p.rec.LocalID, p.rec.rawUpdatedAt)
			if err != nil {
				return localErr("confirm upload "+spec.Name, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				c.logger.Debug("Record changed during upload, keeping it dirty", "collection", spec.Name, "local_id", p.rec.LocalID)
				if _, err := tx.ExecContext(ctx, assignQuery, p.globalID, p.rec.LocalID); err != nil {
					return localErr("assign global id "+spec.Name, err)
				}
			}
			if err := releaseReservedID(ctx, tx, spec.Name, p.rec.LocalID); err != nil {
				return err
			}
		}
		return nil
	})
}

// encodeRecord builds the remote document for a row: declared fields by kind, foreign keys
// as parent global ids, and a server-assigned updatedAt. Local ids never leave the device.
// A non-empty missing names the foreign key whose parent has no global id yet.
func encodeRecord(spec *collectionSpec, rec *Record, parentMaps map[string]map[int64]string) (data map[string]any, missing string, err error) {
	data = make(map[string]any, len(spec.Fields)+len(spec.ForeignKeys)+1)
	for _, f := range spec.Fields {
		v, err := encodeValue(f.Kind, rec.Values[f.Column])
		if err != nil {
			return nil, "", fmt.Errorf("field %s: %w", f.Column, err)
		}
		data[f.remoteName()] = v
	}
	for _, fk := range spec.ForeignKeys {
		ref := rec.Refs[fk.Column]
		if ref == nil {
			if !fk.Optional {
				return nil, "", fmt.Errorf("required foreign key %s is NULL", fk.Column)
			}
			data[fk.remoteName()] = nil
			continue
		}
		globalID, ok := parentMaps[fk.References][*ref]
		if !ok {
			return nil, fk.Column, nil
		}
		data[fk.remoteName()] = globalID
	}
	data[UpdatedAtField] = docserver.ServerTimestamp
	return data, "", nil
}
