// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"time"
)

// REST/JSON models shared by the stores, the HTTP handlers and remote clients

// Document is a single document of a collection as seen by readers.
// Deleted documents are returned as tombstones (Deleted=true, empty Data) by incremental lists.
type Document struct {
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
	UpdateTime time.Time      `json:"update_time"` // Server-assigned time of the last write
	Deleted    bool           `json:"deleted,omitempty"`
}

// Write is one entry of an atomic commit
type Write struct {
	Op         string         `json:"op"` // set (merge) or delete
	Collection string         `json:"collection"`
	DocID      string         `json:"doc_id"`
	Data       map[string]any `json:"data,omitempty"` // Fields to merge (set only)
}

// ListResult is the response of a collection read
type ListResult struct {
	Documents []Document `json:"documents"`
	ReadTime  time.Time  `json:"read_time"` // Server time at which the read started
}

// CommitRequest represents a batch commit request from a client
type CommitRequest struct {
	Writes []Write `json:"writes"`
}

// CommitResult represents the server response to a commit
type CommitResult struct {
	CommitTime time.Time `json:"commit_time"`
	Count      int       `json:"count"`
}

// SchemaVersionResponse represents the current schema version
type SchemaVersionResponse struct {
	Version      int `json:"schema_version"`
	MaxBatchSize int `json:"max_batch_size,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SetWrite builds a merge-write for a document
func SetWrite(collection, docID string, data map[string]any) Write {
	return Write{Op: OpSet, Collection: collection, DocID: docID, Data: data}
}

// DeleteWrite builds a delete for a document
func DeleteWrite(collection, docID string) Write {
	return Write{Op: OpDelete, Collection: collection, DocID: docID}
}
