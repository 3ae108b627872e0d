// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

// Write operations accepted by Commit
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// ServerTimestamp may be used as a top-level field value of a set write. The store
// replaces it with the commit time of the batch (RFC3339Nano, UTC).
const ServerTimestamp = "__docserver:server_timestamp__"

// DefaultMaxBatchSize is the number of writes a single commit accepts unless configured otherwise.
const DefaultMaxBatchSize = 500

// SchemaMetadataName is the metadata document holding the integer schema version.
const SchemaMetadataName = "schema"
