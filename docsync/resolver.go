// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import "time"

// Decision is the outcome of merging one remote document into the local store
type Decision int

const (
	Insert    Decision = iota // no local row: create it
	Overwrite                 // remote is newer and local has no pending changes
	KeepLocal                 // local wins: pending local changes or remote not newer
)

func (d Decision) String() string {
	switch d {
	case Insert:
		return "insert"
	case Overwrite:
		return "overwrite"
	case KeepLocal:
		return "keep_local"
	}
	return "unknown"
}

// Resolve decides how a remote document with the given timestamp merges with the
// local row (nil when absent). Dirty local rows always win; otherwise strictly newer
// remote data wins. There is no field-level merge.
func Resolve(local *LocalState, remoteUpdatedAt time.Time) Decision {
	switch {
	case local == nil:
		return Insert
	case local.Dirty:
		return KeepLocal
	case remoteUpdatedAt.After(local.UpdatedAt):
		return Overwrite
	default:
		return KeepLocal
	}
}
