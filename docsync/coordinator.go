// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mobiletoly/go-docsync/docserver"
)

// State is the coordinator's lifecycle state
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CollectionStats counts what a session did to one collection
type CollectionStats struct {
	Added    int // inserted from remote
	Updated  int // overwritten (or deleted) from remote
	Skipped  int // deferred: parent not available yet
	Failed   int // malformed or rejected
	Uploaded int
	Deleted  int // deleted remotely
	Purged   int // hard-deleted locally
	Archived int // tombstone kept because children still reference it

	Watermark time.Time // download watermark after the session (zero if not pulled)
	Error     string    // non-fatal phase failure
}

// Result is the outcome of one sync session. Err is one of the package sentinels
// (ErrNoUser, ErrOffline, ...) where applicable.
type Result struct {
	OK          bool
	Message     string
	Err         error
	State       State // StateSucceeded or StateFailed
	Restored    bool  // the session took the restore path
	Collections map[string]*CollectionStats
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (r *Result) stats(name string) *CollectionStats {
	st, ok := r.Collections[name]
	if !ok {
		st = &CollectionStats{}
		r.Collections[name] = st
	}
	return st
}

// count tallies one merge outcome. Remote deletes count as updates too.
func (st *CollectionStats) count(outcome mergeOutcome) {
	switch outcome {
	case mergeAdded:
		st.Added++
	case mergeUpdated:
		st.Updated++
	case mergePurged:
		st.Updated++
		st.Purged++
	case mergeArchived:
		st.Updated++
		st.Archived++
	case mergeDeferred:
		st.Skipped++
	case mergeFailed:
		st.Failed++
	}
}

// Total sums the counters over all collections
func (r *Result) Total() CollectionStats {
	var t CollectionStats
	for _, st := range r.Collections {
		t.Added += st.Added
		t.Updated += st.Updated
		t.Skipped += st.Skipped
		t.Failed += st.Failed
		t.Uploaded += st.Uploaded
		t.Deleted += st.Deleted
		t.Purged += st.Purged
		t.Archived += st.Archived
	}
	return t
}

type sessionMode int

const (
	modeSync sessionMode = iota
	modeResync
	modeRestore
)

type session struct {
	userID string
	mode   sessionMode
	full   bool // whole registry, not a targeted scope
	scope  []*collectionSpec
	result *Result
}

// scopeLock is the single-flight guard: a full session excludes everything, targeted
// sessions exclude each other only on overlapping collections
type scopeLock struct {
	mu   sync.Mutex
	full bool
	held map[string]bool
}

func (l *scopeLock) tryAcquire(names []string, full bool) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full || (full && len(l.held) > 0) {
		return nil, false
	}
	for _, n := range names {
		if l.held[n] {
			return nil, false
		}
	}
	l.full = full
	for _, n := range names {
		l.held[n] = true
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if full {
			l.full = false
		}
		for _, n := range names {
			delete(l.held, n)
		}
	}, true
}

// Sync runs a full session: pending deletions, then uploads, then downloads for every
// collection. When all primary collections are empty locally the session restores
// from the remote store instead.
func (c *Client) Sync(ctx context.Context) *Result {
	return c.run(ctx, modeSync, nil)
}

// SyncCollections runs a session limited to the named collections. It may run
// concurrently with sessions over other collections.
func (c *Client) SyncCollections(ctx context.Context, names ...string) *Result {
	if len(names) == 0 {
		return c.run(ctx, modeSync, nil)
	}
	return c.run(ctx, modeSync, names)
}

// Resync runs a full session that ignores download watermarks and pulls everything
func (c *Client) Resync(ctx context.Context) *Result {
	return c.run(ctx, modeResync, nil)
}

// Restore pulls every collection from the remote store without pushing anything
func (c *Client) Restore(ctx context.Context) *Result {
	return c.run(ctx, modeRestore, nil)
}

// State returns the coordinator's current state
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(states ...State) {
	for _, st := range states {
		c.stateMu.Lock()
		c.state = st
		c.stateMu.Unlock()
		if c.config.OnStateChange != nil {
			c.config.OnStateChange(st)
		}
	}
}

func (c *Client) beginRunning() {
	c.stateMu.Lock()
	c.running++
	first := c.running == 1
	c.stateMu.Unlock()
	if first {
		c.setState(StateRunning)
	}
}

func (c *Client) endRunning(final State) {
	c.stateMu.Lock()
	c.running--
	last := c.running == 0
	c.stateMu.Unlock()
	if last {
		c.setState(final, StateIdle)
	}
}

func (c *Client) run(ctx context.Context, mode sessionMode, names []string) *Result {
	result := &Result{
		Collections: make(map[string]*CollectionStats),
		StartedAt:   time.Now(),
		State:       StateFailed,
	}
	refuse := func(err error) *Result {
		result.Err = err
		result.Message = err.Error()
		result.FinishedAt = time.Now()
		c.logger.Debug("Sync refused", "error", err)
		return result
	}

	userID, ok := c.Users.CurrentUser(ctx)
	if !ok || userID == "" {
		return refuse(ErrNoUser)
	}
	if !c.connectivity().Reachable(ctx) {
		return refuse(ErrOffline)
	}

	s := &session{userID: userID, mode: mode, full: names == nil, result: result}
	if s.full {
		s.scope = c.registry.ordered
	} else {
		scope, err := c.registry.subset(names)
		if err != nil {
			return refuse(err)
		}
		s.scope = scope
	}
	lockNames := make([]string, len(s.scope))
	for i, spec := range s.scope {
		lockNames[i] = spec.Name
	}
	release, ok := c.locks.tryAcquire(lockNames, s.full)
	if !ok {
		return refuse(ErrSyncInProgress)
	}
	defer release()

	c.beginRunning()
	start := c.stageStart()
	err := c.runSession(ctx, s)
	result.FinishedAt = time.Now()
	if err != nil {
		result.Err = err
		result.Message = err.Error()
		c.logger.Error("Sync session failed", "user_id", userID, "error", err)
	} else {
		result.OK = true
		result.State = StateSucceeded
		result.Message = "sync completed"
		if result.Restored {
			result.Message = "restore completed"
		}
		t := result.Total()
		c.logger.Info("Sync session completed", "user_id", userID, "restored", result.Restored,
			"uploaded", t.Uploaded, "deleted", t.Deleted, "added", t.Added, "updated", t.Updated,
			"skipped", t.Skipped, "failed", t.Failed, "duration", result.FinishedAt.Sub(result.StartedAt))
	}
	c.observeStage(ctx, MetricsPhaseSession, "", start, len(s.scope), err != nil)
	c.endRunning(result.State)
	return result
}

// runSession executes the phases of a locked session. A returned error is fatal;
// per-collection failures are recorded in the result instead.
func (c *Client) runSession(ctx context.Context, s *session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync session panicked: %v", r)
		}
	}()

	if err := c.checkSchema(ctx); err != nil {
		return err
	}
	if err := c.trackUser(ctx, s.userID); err != nil {
		return err
	}

	restore := s.mode == modeRestore
	if !restore && s.mode == modeSync && s.full {
		empty, err := c.primariesEmpty(ctx)
		if err != nil {
			return err
		}
		restore = empty
	}
	if restore {
		return c.restore(ctx, s)
	}

	if !c.uploadPaused.Load() {
		for i := len(s.scope) - 1; i >= 0; i-- {
			if err := c.collectionPhase(ctx, s, s.scope[i], "delete", func() error {
				return c.processDeletions(ctx, s, s.scope[i])
			}); err != nil {
				return err
			}
		}
		for _, spec := range s.scope {
			if err := c.collectionPhase(ctx, s, spec, "upload", func() error {
				return c.uploadCollection(ctx, s, spec)
			}); err != nil {
				return err
			}
		}
	}
	if !c.downloadPaused.Load() {
		for _, spec := range s.scope {
			if err := c.collectionPhase(ctx, s, spec, "download", func() error {
				return c.downloadCollection(ctx, s, spec, s.mode == modeResync)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectionPhase runs one phase for one collection; non-fatal errors are logged into
// the collection's stats and the session continues with the next collection
func (c *Client) collectionPhase(ctx context.Context, s *session, spec *collectionSpec, phase string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if isFatal(ctx, err) {
		return fmt.Errorf("%s %s: %w", phase, spec.Name, err)
	}
	c.logger.Warn("Collection phase failed", "phase", phase, "collection", spec.Name, "error", err)
	st := s.result.stats(spec.Name)
	if st.Error == "" {
		st.Error = fmt.Sprintf("%s: %v", phase, err)
	}
	return nil
}

// restore pulls every collection in the scope with a full read, parents first
func (c *Client) restore(ctx context.Context, s *session) error {
	start := c.stageStart()
	s.result.Restored = true
	c.logger.Info("Restoring local data from remote store", "user_id", s.userID)
	for _, spec := range s.scope {
		if err := c.downloadCollection(ctx, s, spec, true); err != nil {
			c.observeStage(ctx, MetricsPhaseRestore, "", start, len(s.scope), true)
			// A partial restore would leave children without parents
			return fmt.Errorf("restore %s: %w", spec.Name, err)
		}
	}
	c.observeStage(ctx, MetricsPhaseRestore, "", start, len(s.scope), false)
	return nil
}

// checkSchema refuses to move data when the remote schema marker is missing or differs
func (c *Client) checkSchema(ctx context.Context) error {
	start := c.stageStart()
	var version int
	err := c.withRetry(ctx, "schema check", func(ctx context.Context) error {
		var err error
		version, err = c.Remote.SchemaVersion(ctx)
		return err
	})
	c.observeStage(ctx, MetricsPhaseSchema, "", start, 1, err != nil)
	switch {
	case errors.Is(err, docserver.ErrNotFound):
		return fmt.Errorf("%w: remote schema marker is missing", ErrSchemaMismatch)
	case err != nil:
		return fmt.Errorf("schema check: %w", err)
	case version != c.config.SchemaVersion:
		return fmt.Errorf("%w: remote %d, local %d", ErrSchemaMismatch, version, c.config.SchemaVersion)
	}
	return nil
}

// primariesEmpty reports whether every primary collection has no rows at all
func (c *Client) primariesEmpty(ctx context.Context) (bool, error) {
	if len(c.config.PrimaryCollections) == 0 {
		return false, nil
	}
	for _, name := range c.config.PrimaryCollections {
		var n int
		if err := c.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, name)).Scan(&n); err != nil {
			return false, localErr("count "+name, err)
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

// trackUser remembers the signed-in user; when it changes the watermarks are dropped
// so that the next download reads the new user's documents from the beginning
func (c *Client) trackUser(ctx context.Context, userID string) error {
	var last *string
	if err := c.DB.QueryRowContext(ctx, `SELECT last_user FROM _sync_client_info WHERE id = 1`).Scan(&last); err != nil {
		return localErr("load last user", err)
	}
	if last != nil && *last == userID {
		return nil
	}
	if last != nil {
		c.logger.Info("Signed-in user changed, resetting download watermarks", "previous", *last, "user_id", userID)
		if _, err := c.DB.ExecContext(ctx, `DELETE FROM _sync_watermarks`); err != nil {
			return localErr("reset watermarks", err)
		}
	}
	if _, err := c.DB.ExecContext(ctx, `UPDATE _sync_client_info SET last_user = ? WHERE id = 1`, userID); err != nil {
		return localErr("store last user", err)
	}
	return nil
}
