// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-docsync/docserver"
	"github.com/stretchr/testify/require"
)

const testUser = "user-1"

const testSchema = `
CREATE TABLE products (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	global_id  TEXT UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	price      REAL NOT NULL DEFAULT 0,
	stock      INTEGER NOT NULL DEFAULT 0,
	active     INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT,
	is_synced  INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE customers (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	global_id  TEXT UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	phone      TEXT,
	updated_at TEXT,
	is_synced  INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE bills (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	global_id   TEXT UNIQUE,
	customer_id INTEGER REFERENCES customers(id),
	total       REAL NOT NULL DEFAULT 0,
	issued_at   TEXT,
	updated_at  TEXT,
	is_synced   INTEGER NOT NULL DEFAULT 0,
	is_deleted  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE bill_items (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	global_id  TEXT UNIQUE,
	bill_id    INTEGER NOT NULL REFERENCES bills(id),
	product_id INTEGER REFERENCES products(id),
	quantity   INTEGER NOT NULL DEFAULT 1,
	price      REAL NOT NULL DEFAULT 0,
	updated_at TEXT,
	is_synced  INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0
);
`

func testCollections() []Collection {
	return []Collection{
		{Name: "products", Fields: []Field{
			{Column: "name", Kind: KindText},
			{Column: "price", Kind: KindReal},
			{Column: "stock", Kind: KindInteger},
			{Column: "active", Kind: KindBool},
		}},
		{Name: "customers", Fields: []Field{
			{Column: "name", Kind: KindText},
			{Column: "phone", Kind: KindText},
		}},
		{Name: "bills",
			Fields: []Field{
				{Column: "total", Kind: KindReal},
				{Column: "issued_at", Remote: "issuedAt", Kind: KindTime},
			},
			ForeignKeys: []ForeignKey{
				{Column: "customer_id", Remote: "customerId", References: "customers", Optional: true},
			}},
		{Name: "bill_items",
			Fields: []Field{
				{Column: "quantity", Kind: KindInteger},
				{Column: "price", Kind: KindReal},
			},
			ForeignKeys: []ForeignKey{
				{Column: "bill_id", Remote: "billId", References: "bills"},
				{Column: "product_id", Remote: "productId", References: "products", Optional: true},
			}},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := DefaultConfig(1, testCollections())
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	cfg.WatermarkOverlap = 0
	cfg.Logger = discardLogger()
	return cfg
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

type testEnv struct {
	db     *sql.DB
	store  *docserver.MemoryStore
	client *Client
}

// newTestEnv wires a client to a fresh database and an in-memory store. remote, when
// not nil, wraps the store.
func newTestEnv(t *testing.T, cfg *Config, wrap func(*docserver.MemoryStore) RemoteStore) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	db := openTestDB(t)
	store := docserver.NewMemoryStore(1)
	var remote RemoteStore = store
	if wrap != nil {
		remote = wrap(store)
	}
	client, err := NewClient(db, remote, StaticUser(testUser), cfg)
	require.NoError(t, err)
	return &testEnv{db: db, store: store, client: client}
}

func (e *testEnv) exec(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	res, err := e.db.Exec(query, args...)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func (e *testEnv) insertProduct(t *testing.T, name string, price float64, stock int) int64 {
	t.Helper()
	return e.exec(t, `INSERT INTO products (name, price, stock) VALUES (?, ?, ?)`, name, price, stock)
}

type rowState struct {
	globalID string
	dirty    bool
	deleted  bool
	exists   bool
}

func (e *testEnv) state(t *testing.T, table string, id int64) rowState {
	t.Helper()
	var (
		st       rowState
		globalID sql.NullString
		synced   int
		deleted  int
	)
	err := e.db.QueryRow(`SELECT global_id, is_synced, is_deleted FROM `+table+` WHERE id = ?`, id).
		Scan(&globalID, &synced, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return st
	}
	require.NoError(t, err)
	return rowState{globalID: globalID.String, dirty: synced == 0, deleted: deleted != 0, exists: true}
}

func (e *testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func (e *testEnv) remoteDoc(t *testing.T, collection, id string) *docserver.Document {
	t.Helper()
	doc, err := e.store.GetDocument(context.Background(), testUser, collection, id)
	require.NoError(t, err)
	return doc
}

func (e *testEnv) remoteSet(t *testing.T, collection, id string, data map[string]any) time.Time {
	t.Helper()
	data[UpdatedAtField] = docserver.ServerTimestamp
	res, err := e.store.Commit(context.Background(), testUser, []docserver.Write{docserver.SetWrite(collection, id, data)})
	require.NoError(t, err)
	return res.CommitTime
}

func (e *testEnv) remoteDelete(t *testing.T, collection, id string) time.Time {
	t.Helper()
	res, err := e.store.Commit(context.Background(), testUser, []docserver.Write{docserver.DeleteWrite(collection, id)})
	require.NoError(t, err)
	return res.CommitTime
}

func requireOK(t *testing.T, res *Result) {
	t.Helper()
	require.NotNil(t, res)
	require.NoError(t, res.Err)
	require.True(t, res.OK, res.Message)
	require.Equal(t, StateSucceeded, res.State)
}

// hookRemote lets tests intercept calls to the wrapped store
type hookRemote struct {
	*docserver.MemoryStore

	mu             sync.Mutex
	beforeCommit   func(writes []docserver.Write)
	dropResponses  int // commits applied but reported as failed
	beforeSchema   func()
	schemaCalls    int
	listCollection []string
}

func (h *hookRemote) Commit(ctx context.Context, userID string, writes []docserver.Write) (*docserver.CommitResult, error) {
	h.mu.Lock()
	hook := h.beforeCommit
	h.beforeCommit = nil
	h.mu.Unlock()
	if hook != nil {
		hook(writes)
	}

	res, err := h.MemoryStore.Commit(ctx, userID, writes)
	h.mu.Lock()
	drop := err == nil && h.dropResponses > 0
	if drop {
		h.dropResponses--
	}
	h.mu.Unlock()
	if drop {
		return nil, errors.New("connection reset by peer")
	}
	return res, err
}

func (h *hookRemote) SchemaVersion(ctx context.Context) (int, error) {
	h.mu.Lock()
	hook := h.beforeSchema
	h.beforeSchema = nil
	h.schemaCalls++
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	return h.MemoryStore.SchemaVersion(ctx)
}

func (h *hookRemote) ListDocuments(ctx context.Context, userID, collection string, since time.Time) (*docserver.ListResult, error) {
	h.mu.Lock()
	h.listCollection = append(h.listCollection, collection)
	h.mu.Unlock()
	return h.MemoryStore.ListDocuments(ctx, userID, collection, since)
}
