// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package docsync keeps a local SQLite database and a remote per-user document store
// in agreement. Local tables carry a global id, an updated_at timestamp and dirty /
// tombstone flags maintained by triggers; a sync session pushes local deletions and
// edits, then pulls remote changes, resolving conflicts last-writer-wins with a
// local-dirty override.
package docsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Client is the sync engine for one local database
type Client struct {
	DB           *sql.DB
	Remote       RemoteStore
	Users        UserProvider
	Connectivity Connectivity  // defaults to AlwaysOnline
	NewID        func() string // global id generator, defaults to uuid.NewString

	config   *Config
	logger   *slog.Logger
	registry *registry
	locks    scopeLock

	stateMu sync.Mutex
	state   State
	running int

	// Pause switches: allow callers to suspend sync activity deterministically
	uploadPaused   atomic.Bool
	downloadPaused atomic.Bool
}

// NewClient prepares db for syncing: engine tables are created, every configured
// collection is checked against its table and change-marking triggers are installed.
func NewClient(db *sql.DB, remote RemoteStore, users UserProvider, config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if users == nil {
		return nil, fmt.Errorf("user provider cannot be nil")
	}
	cfg := config.withDefaults()
	ctx := context.Background()

	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	reg, err := buildRegistry(cfg.Collections, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("invalid collection configuration: %w", err)
	}
	for _, name := range cfg.PrimaryCollections {
		if _, ok := reg.byName[name]; !ok {
			return nil, fmt.Errorf("%w: primary collection %q", ErrUnknownScope, name)
		}
	}

	for _, spec := range reg.ordered {
		info, err := loadTableInfo(ctx, db, spec.Name)
		if err != nil {
			return nil, err
		}
		if err := validateTable(info, spec); err != nil {
			return nil, err
		}
		if err := createTriggersForCollection(ctx, db, spec); err != nil {
			return nil, fmt.Errorf("failed to create triggers for table %s: %w", spec.Name, err)
		}
	}

	cfg.Logger.Debug("Sync client initialized", "collections", len(reg.ordered), "schema_version", cfg.SchemaVersion)
	return &Client{
		DB:           db,
		Remote:       remote,
		Users:        users,
		Connectivity: AlwaysOnline,
		NewID:        uuid.NewString,
		config:       cfg,
		logger:       cfg.Logger,
		registry:     reg,
		locks:        scopeLock{held: make(map[string]bool)},
	}, nil
}

// Collections returns the configured collection names in upload order (parents first)
func (c *Client) Collections() []string {
	out := make([]string, len(c.registry.ordered))
	for i, spec := range c.registry.ordered {
		out[i] = spec.Name
	}
	return out
}

// PauseUploads makes subsequent sessions skip the deletion and upload phases
func (c *Client) PauseUploads() { c.uploadPaused.Store(true) }

// ResumeUploads undoes PauseUploads
func (c *Client) ResumeUploads() { c.uploadPaused.Store(false) }

// PauseDownloads makes subsequent sessions skip the download phase
func (c *Client) PauseDownloads() { c.downloadPaused.Store(true) }

// ResumeDownloads undoes PauseDownloads
func (c *Client) ResumeDownloads() { c.downloadPaused.Store(false) }

// batchSize is the number of writes per remote commit
func (c *Client) batchSize() int {
	size := c.config.BatchSize
	if limit := c.Remote.MaxBatchSize(); limit > 0 && limit < size {
		size = limit
	}
	return max(size, 1)
}

func (c *Client) connectivity() Connectivity {
	if c.Connectivity == nil {
		return AlwaysOnline
	}
	return c.Connectivity
}
