// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error sentinels for mapping to transport-level statuses
var (
	ErrInvalidArgument = errors.New("invalid_argument")
	ErrNotFound        = errors.New("not_found")
)

// validateWrites checks a commit batch and normalizes collection names and ops in place
func validateWrites(writes []Write, maxBatch int) error {
	if len(writes) == 0 {
		return fmt.Errorf("%w: empty commit", ErrInvalidArgument)
	}
	if maxBatch > 0 && len(writes) > maxBatch {
		return fmt.Errorf("%w: batch too large: %d > %d", ErrInvalidArgument, len(writes), maxBatch)
	}
	seen := make(map[string]struct{}, len(writes))
	for i := range writes {
		w := &writes[i]
		w.Op = strings.ToLower(strings.TrimSpace(w.Op))
		w.Collection = strings.ToLower(strings.TrimSpace(w.Collection))

		if !isValidCollectionName(w.Collection) {
			return fmt.Errorf("%w: invalid collection name %q", ErrInvalidArgument, w.Collection)
		}
		if !isValidDocID(w.DocID) {
			return fmt.Errorf("%w: invalid document id %q", ErrInvalidArgument, w.DocID)
		}
		key := w.Collection + "/" + w.DocID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: document %s written twice in one commit", ErrInvalidArgument, key)
		}
		seen[key] = struct{}{}

		switch w.Op {
		case OpSet:
			if w.Data == nil {
				return fmt.Errorf("%w: set of %s requires data", ErrInvalidArgument, key)
			}
		case OpDelete:
			if len(w.Data) != 0 {
				return fmt.Errorf("%w: delete of %s must not include data", ErrInvalidArgument, key)
			}
		default:
			return fmt.Errorf("%w: invalid operation %q", ErrInvalidArgument, w.Op)
		}
	}
	return nil
}

// resolveServerTimestamps returns a copy of data with ServerTimestamp placeholders replaced
func resolveServerTimestamps(data map[string]any, commitTime time.Time) map[string]any {
	out := make(map[string]any, len(data))
	ts := commitTime.UTC().Format(time.RFC3339Nano)
	for k, v := range data {
		if s, ok := v.(string); ok && s == ServerTimestamp {
			out[k] = ts
			continue
		}
		out[k] = v
	}
	return out
}

// isValidCollectionName checks if collection name matches ^[a-z0-9_]+$
func isValidCollectionName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}

// isValidDocID accepts non-empty ids without path separators, up to 128 bytes
func isValidDocID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, "/ \t\n")
}
