// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"errors"
	"fmt"

	"github.com/mobiletoly/go-docsync/docserver"
)

// Session-level errors reported in Result.Err
var (
	ErrNoUser           = errors.New("no authenticated user")
	ErrOffline          = errors.New("remote store is not reachable")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrSchemaMismatch   = errors.New("remote schema version mismatch")
	ErrConnectivityLost = errors.New("connectivity lost during sync")
	ErrUnknownScope     = errors.New("unknown collection")
)

// permanentError marks a remote failure that retrying cannot fix (e.g. a rejected request)
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that the retry loop gives up immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// isPermanent reports whether retrying err is pointless
func isPermanent(err error) bool {
	var p *permanentError
	switch {
	case errors.As(err, &p):
		return true
	case errors.Is(err, docserver.ErrInvalidArgument), errors.Is(err, docserver.ErrNotFound):
		return true
	}
	return false
}

// localStoreError marks failures of the device database; they abort the session
type localStoreError struct {
	op  string
	err error
}

func (e *localStoreError) Error() string { return fmt.Sprintf("local store: %s: %v", e.op, e.err) }
func (e *localStoreError) Unwrap() error { return e.err }

func localErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &localStoreError{op: op, err: err}
}

// IsLocalStoreError reports whether err originated in the device database
func IsLocalStoreError(err error) bool {
	var l *localStoreError
	return errors.As(err, &l)
}
