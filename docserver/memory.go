// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process document store with the same commit and read
// semantics as Store. Useful for tests and local development.
type MemoryStore struct {
	mu            sync.Mutex
	docs          map[string]map[string]*memDoc // "user/collection" -> doc id -> doc
	schemaVersion *int
	maxBatch      int
	now           func() time.Time
	last          time.Time

	// FailCommit, when set, is consulted before each commit; a non-nil error aborts it.
	FailCommit func(writes []Write) error
	// FailList, when set, is consulted before each collection read.
	FailList func(collection string) error
}

type memDoc struct {
	data       map[string]any
	deleted    bool
	updateTime time.Time
}

// NewMemoryStore creates an empty store publishing the given schema version
func NewMemoryStore(schemaVersion int) *MemoryStore {
	m := &MemoryStore{
		docs:     make(map[string]map[string]*memDoc),
		maxBatch: DefaultMaxBatchSize,
		now:      time.Now,
	}
	if schemaVersion > 0 {
		m.SetSchemaVersion(schemaVersion)
	}
	return m
}

// SetClock replaces the time source. Returned times are still forced to be strictly increasing.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetMaxBatchSize changes the commit size limit
func (m *MemoryStore) SetMaxBatchSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxBatch = n
}

// SetSchemaVersion publishes a schema version
func (m *MemoryStore) SetSchemaVersion(v int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemaVersion = &v
}

// ClearSchemaVersion removes the schema metadata document
func (m *MemoryStore) ClearSchemaVersion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemaVersion = nil
}

func (m *MemoryStore) MaxBatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBatch
}

func (m *MemoryStore) SchemaVersion(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schemaVersion == nil {
		return 0, fmt.Errorf("%w: schema metadata document", ErrNotFound)
	}
	return *m.schemaVersion, nil
}

func (m *MemoryStore) ListDocuments(ctx context.Context, userID, collection string, since time.Time) (*ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isValidCollectionName(collection) {
		return nil, fmt.Errorf("%w: invalid collection name %q", ErrInvalidArgument, collection)
	}
	if m.FailList != nil {
		if err := m.FailList(collection); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	result := &ListResult{Documents: []Document{}, ReadTime: m.tick()}
	for id, d := range m.docs[userID+"/"+collection] {
		if !d.updateTime.After(since) {
			continue
		}
		if d.deleted && since.IsZero() {
			continue
		}
		result.Documents = append(result.Documents, d.document(id))
	}
	sort.Slice(result.Documents, func(i, j int) bool {
		a, b := result.Documents[i], result.Documents[j]
		if !a.UpdateTime.Equal(b.UpdateTime) {
			return a.UpdateTime.Before(b.UpdateTime)
		}
		return a.ID < b.ID
	})
	return result, nil
}

func (m *MemoryStore) GetDocument(ctx context.Context, userID, collection, docID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[userID+"/"+collection][docID]
	if !ok || d.deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, docID)
	}
	doc := d.document(docID)
	return &doc, nil
}

func (m *MemoryStore) Commit(ctx context.Context, userID string, writes []Write) (*CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.FailCommit != nil {
		if err := m.FailCommit(writes); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validateWrites(writes, m.maxBatch); err != nil {
		return nil, err
	}
	commitTime := m.tick()
	for _, w := range writes {
		key := userID + "/" + w.Collection
		coll, ok := m.docs[key]
		if !ok {
			coll = make(map[string]*memDoc)
			m.docs[key] = coll
		}
		existing := coll[w.DocID]
		switch w.Op {
		case OpSet:
			data := resolveServerTimestamps(w.Data, commitTime)
			if existing != nil && !existing.deleted {
				merged := maps.Clone(existing.data)
				maps.Copy(merged, data)
				data = merged
			}
			coll[w.DocID] = &memDoc{data: data, updateTime: commitTime}
		case OpDelete:
			coll[w.DocID] = &memDoc{data: map[string]any{}, deleted: true, updateTime: commitTime}
		}
	}
	return &CommitResult{CommitTime: commitTime, Count: len(writes)}, nil
}

// Len returns the number of live documents in a collection
func (m *MemoryStore) Len(userID, collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.docs[userID+"/"+collection] {
		if !d.deleted {
			n++
		}
	}
	return n
}

// tick returns the next store time with microsecond precision, strictly after the previous one.
// Callers must hold mu.
func (m *MemoryStore) tick() time.Time {
	t := m.now().UTC().Truncate(time.Microsecond)
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (d *memDoc) document(id string) Document {
	return Document{
		ID:         id,
		Data:       maps.Clone(d.data),
		UpdateTime: d.updateTime,
		Deleted:    d.deleted,
	}
}
