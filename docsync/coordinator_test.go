// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mobiletoly/go-docsync/docserver"
	"github.com/stretchr/testify/require"
)

func requireRefused(t *testing.T, res *Result, want error) {
	t.Helper()
	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, want)
	require.Equal(t, StateFailed, res.State)
	require.NotEmpty(t, res.Message)
}

func TestCoordinator_RefusesWithoutUser(t *testing.T) {
	var hook *hookRemote
	env := newTestEnv(t, nil, func(store *docserver.MemoryStore) RemoteStore {
		hook = &hookRemote{MemoryStore: store}
		return hook
	})
	env.client.Users = StaticUser("")

	requireRefused(t, env.client.Sync(context.Background()), ErrNoUser)
	require.Zero(t, hook.schemaCalls)
	require.Equal(t, StateIdle, env.client.State())
}

func TestCoordinator_RefusesWhenOffline(t *testing.T) {
	var hook *hookRemote
	env := newTestEnv(t, nil, func(store *docserver.MemoryStore) RemoteStore {
		hook = &hookRemote{MemoryStore: store}
		return hook
	})
	env.client.Connectivity = ConnectivityFunc(func(context.Context) bool { return false })

	requireRefused(t, env.client.Sync(context.Background()), ErrOffline)
	require.Zero(t, hook.schemaCalls)
}

func TestCoordinator_UnknownScope(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	requireRefused(t, env.client.SyncCollections(context.Background(), "products", "invoices"), ErrUnknownScope)
}

func TestCoordinator_SchemaMismatchMovesNoData(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	id := env.insertProduct(t, "Tea", 2.5, 10)
	env.remoteSet(t, "products", "p-remote", map[string]any{"name": "Cocoa"})

	env.store.SetSchemaVersion(2)
	res := env.client.Sync(ctx)
	requireRefused(t, res, ErrSchemaMismatch)
	require.True(t, env.state(t, "products", id).dirty)
	require.Equal(t, 1, env.store.Len(testUser, "products"))
	require.Equal(t, 1, env.count(t, "products"))

	env.store.ClearSchemaVersion()
	requireRefused(t, env.client.Sync(ctx), ErrSchemaMismatch)

	env.store.SetSchemaVersion(1)
	requireOK(t, env.client.Sync(ctx))
	require.Equal(t, 2, env.count(t, "products"))
}

func TestCoordinator_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	var hook *hookRemote
	env := newTestEnv(t, nil, func(store *docserver.MemoryStore) RemoteStore {
		hook = &hookRemote{MemoryStore: store}
		return hook
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	hook.beforeSchema = func() {
		close(entered)
		<-release
	}

	done := make(chan *Result, 1)
	go func() { done <- env.client.Sync(ctx) }()
	<-entered

	require.Equal(t, StateRunning, env.client.State())
	requireRefused(t, env.client.Sync(ctx), ErrSyncInProgress)
	requireRefused(t, env.client.SyncCollections(ctx, "products"), ErrSyncInProgress)
	requireRefused(t, env.client.Resync(ctx), ErrSyncInProgress)
	_, err := env.client.Refresh(ctx, "products", "p-1")
	require.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	requireOK(t, <-done)
	require.Equal(t, StateIdle, env.client.State())

	// The lock is released: the next session starts normally
	requireOK(t, env.client.Sync(ctx))
}

func TestCoordinator_TargetedSessionsOnDisjointCollections(t *testing.T) {
	ctx := context.Background()
	var hook *hookRemote
	env := newTestEnv(t, nil, func(store *docserver.MemoryStore) RemoteStore {
		hook = &hookRemote{MemoryStore: store}
		return hook
	})
	env.insertProduct(t, "Tea", 2.5, 10)
	env.exec(t, `INSERT INTO customers (name) VALUES ('Asha')`)

	entered := make(chan struct{})
	release := make(chan struct{})
	hook.beforeSchema = func() {
		close(entered)
		<-release
	}

	done := make(chan *Result, 1)
	go func() { done <- env.client.SyncCollections(ctx, "products") }()
	<-entered

	res := env.client.SyncCollections(ctx, "customers")
	requireOK(t, res)
	require.Equal(t, 1, res.Collections["customers"].Uploaded)
	require.NotContains(t, res.Collections, "products")
	require.Equal(t, StateRunning, env.client.State(), "the products session is still running")

	requireRefused(t, env.client.SyncCollections(ctx, "customers", "products"), ErrSyncInProgress)
	requireRefused(t, env.client.Sync(ctx), ErrSyncInProgress)

	close(release)
	res = <-done
	requireOK(t, res)
	require.Equal(t, 1, res.Collections["products"].Uploaded)
	require.Equal(t, StateIdle, env.client.State())
}

func TestCoordinator_StateChanges(t *testing.T) {
	ctx := context.Background()
	var (
		mu     sync.Mutex
		states []State
	)
	cfg := testConfig()
	cfg.OnStateChange = func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	}
	env := newTestEnv(t, cfg, nil)

	requireOK(t, env.client.Sync(ctx))
	env.store.SetSchemaVersion(5)
	requireRefused(t, env.client.Sync(ctx), ErrSchemaMismatch)
	env.client.Users = StaticUser("")
	requireRefused(t, env.client.Sync(ctx), ErrNoUser)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{
		StateRunning, StateSucceeded, StateIdle,
		StateRunning, StateFailed, StateIdle,
	}, states)
	require.Equal(t, "succeeded", StateSucceeded.String())
}

func TestCoordinator_ConnectivityLostAbortsSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)

	var online atomic.Bool
	online.Store(true)
	env.client.Connectivity = ConnectivityFunc(func(context.Context) bool { return online.Load() })
	var listed []string
	env.store.FailList = func(collection string) error {
		listed = append(listed, collection)
		online.Store(false)
		return errors.New("network is unreachable")
	}
	env.insertProduct(t, "Tea", 2.5, 10)

	res := env.client.Sync(ctx)
	requireRefused(t, res, ErrConnectivityLost)
	require.Equal(t, 1, res.Collections["products"].Uploaded, "phases before the failure keep their effect")
	require.Equal(t, []string{"products", "products", "products"}, listed, "the session stops at the first lost connection")
	require.Equal(t, StateIdle, env.client.State())
}

func TestCoordinator_CollectionFailureDoesNotAbortSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	env.store.FailList = func(collection string) error {
		if collection == "customers" {
			return errors.New("internal error")
		}
		return nil
	}
	env.remoteSet(t, "products", "p-1", map[string]any{"name": "Tea"})
	env.remoteSet(t, "bills", "b-1", map[string]any{"total": 1.0})

	res := env.client.Sync(ctx)
	requireOK(t, res)
	require.Contains(t, res.Collections["customers"].Error, "download")
	require.Equal(t, 1, res.Collections["products"].Added)
	require.Equal(t, 1, res.Collections["bills"].Added)

	watermark, err := env.client.Watermark(ctx, "customers")
	require.NoError(t, err)
	require.True(t, watermark.IsZero())
}

func TestCoordinator_RestoreWhenPrimaryCollectionsEmpty(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PrimaryCollections = []string{"products"}
	env := newTestEnv(t, cfg, nil)

	env.remoteSet(t, "products", "p-1", map[string]any{"name": "Tea", "price": 2.5})
	env.remoteSet(t, "products", "p-2", map[string]any{"name": "Coffee", "price": 4.0})
	env.remoteSet(t, "customers", "c-1", map[string]any{"name": "Ravi"})
	local := env.exec(t, `INSERT INTO customers (name) VALUES ('Asha')`)

	res := env.client.Sync(ctx)
	requireOK(t, res)
	require.True(t, res.Restored)
	require.Equal(t, "restore completed", res.Message)
	require.Equal(t, 2, res.Collections["products"].Added)
	require.Equal(t, 1, res.Collections["customers"].Added)
	require.Equal(t, 1, env.store.Len(testUser, "customers"), "restore pushes nothing")
	require.True(t, env.state(t, "customers", local).dirty)

	res = env.client.Sync(ctx)
	requireOK(t, res)
	require.False(t, res.Restored)
	require.Equal(t, 1, res.Collections["customers"].Uploaded)
	require.Equal(t, 2, env.store.Len(testUser, "customers"))
}

func TestCoordinator_ExplicitRestore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	env.insertProduct(t, "Local", 1, 1)
	env.remoteSet(t, "products", "p-1", map[string]any{"name": "Tea"})

	res := env.client.Restore(ctx)
	requireOK(t, res)
	require.True(t, res.Restored)
	require.Equal(t, 1, res.Collections["products"].Added)
	require.Equal(t, 1, env.store.Len(testUser, "products"))
	require.Equal(t, 2, env.count(t, "products"))
}

func TestCoordinator_UserChangeResetsWatermarks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)

	_, err := env.store.Commit(ctx, "user-2", []docserver.Write{
		docserver.SetWrite("products", "p-other", map[string]any{"name": "Other", UpdatedAtField: docserver.ServerTimestamp}),
	})
	require.NoError(t, err)
	env.remoteSet(t, "products", "p-1", map[string]any{"name": "Tea"})
	requireOK(t, env.client.Sync(ctx))

	env.client.Users = StaticUser("user-2")
	res := env.client.Sync(ctx)
	requireOK(t, res)
	require.Equal(t, 1, res.Collections["products"].Added)
	require.Equal(t, 1, res.Collections["products"].Purged, "clean rows of the previous user are dropped")
	require.Equal(t, 1, env.countGlobal(t, "products", "p-other"))
	require.Zero(t, env.countGlobal(t, "products", "p-1"))

	env.client.Users = StaticUser(testUser)
	res = env.client.Sync(ctx)
	requireOK(t, res)
	require.Equal(t, 1, env.countGlobal(t, "products", "p-1"))
	require.Zero(t, env.countGlobal(t, "products", "p-other"))
}

func TestCoordinator_StageMetrics(t *testing.T) {
	ctx := context.Background()
	var (
		mu      sync.Mutex
		timings []StageTiming
	)
	cfg := testConfig()
	cfg.StageMetrics = StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
		mu.Lock()
		defer mu.Unlock()
		timings = append(timings, timing)
	})
	env := newTestEnv(t, cfg, nil)
	env.insertProduct(t, "Tea", 2.5, 10)

	requireOK(t, env.client.Sync(ctx))

	mu.Lock()
	defer mu.Unlock()
	phases := make(map[string]int)
	for _, tm := range timings {
		phases[tm.Phase]++
		require.False(t, tm.Error)
	}
	require.Equal(t, 1, phases[MetricsPhaseSchema])
	require.Equal(t, 1, phases[MetricsPhaseUpload])
	require.Equal(t, 4, phases[MetricsPhaseDownload])
	require.Equal(t, 1, phases[MetricsPhaseSession])
	require.Equal(t, MetricsPhaseSession, timings[len(timings)-1].Phase)
}
