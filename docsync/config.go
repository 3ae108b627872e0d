// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"fmt"
	"log/slog"
	"time"
)

// Bookkeeping columns every synced table must carry
const (
	ColLocalID     = "id"
	ColGlobalID    = "global_id"
	ColUpdatedAt   = "updated_at"
	ColIsSynced    = "is_synced"
	ColIsDeleted   = "is_deleted"
	UpdatedAtField = "updatedAt" // remote field holding the last write time
)

// FieldKind tells the codec how a column crosses the local/remote boundary
type FieldKind int

const (
	KindText FieldKind = iota
	KindInteger
	KindReal
	KindBool
	KindTime
	KindJSON
)

func (k FieldKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindJSON:
		return "json"
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// Field is a data column that is synced as a remote document field
type Field struct {
	Column string
	Remote string // remote field name (defaults to Column)
	Kind   FieldKind
}

// ForeignKey is a column holding the local id of a row in another synced collection.
// Remotely the reference is stored as the parent's global id.
type ForeignKey struct {
	Column     string
	Remote     string // remote field name (defaults to Column)
	References string // referenced collection name
	Optional   bool   // NULL is allowed and does not block upload/download
}

// PurgeCheck decides whether a tombstoned row may be hard-deleted. Returning false archives it.
type PurgeCheck func(rec *Record, liveChildren int) bool

// Collection describes one synced table and its remote collection
type Collection struct {
	Name        string // local table name
	Remote      string // remote collection name (defaults to Name)
	Fields      []Field
	ForeignKeys []ForeignKey
	PurgeCheck  PurgeCheck // nil = purge when no live children reference the row
}

func (c *Collection) remoteName() string {
	if c.Remote != "" {
		return c.Remote
	}
	return c.Name
}

func (f *Field) remoteName() string {
	if f.Remote != "" {
		return f.Remote
	}
	return f.Column
}

func (fk *ForeignKey) remoteName() string {
	if fk.Remote != "" {
		return fk.Remote
	}
	return fk.Column
}

// Config holds configuration for the sync client
type Config struct {
	Collections        []Collection // in dependency order, parents first
	PrimaryCollections []string     // all empty locally => restore from remote instead of syncing
	SchemaVersion      int          // expected remote schema version

	BatchSize        int           // writes per remote commit (capped by the store's limit)
	Concurrency      int           // parallel single-document deletes after a failed batch
	MaxAttempts      int           // attempts per remote operation
	BackoffMin       time.Duration // first retry delay
	BackoffMax       time.Duration // retry delay cap
	WatermarkOverlap time.Duration // re-read window before the watermark for late commits

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
	OnStateChange   func(State)
	Logger          *slog.Logger
}

// DefaultConfig returns a configuration with retry, batching and watermark defaults
func DefaultConfig(schemaVersion int, collections []Collection) *Config {
	return &Config{
		Collections:      collections,
		SchemaVersion:    schemaVersion,
		BatchSize:        200,
		Concurrency:      4,
		MaxAttempts:      3,
		BackoffMin:       500 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		WatermarkOverlap: 2 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 200
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BackoffMax < out.BackoffMin {
		out.BackoffMax = out.BackoffMin
	}
	if out.WatermarkOverlap < 0 {
		out.WatermarkOverlap = 0
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}
