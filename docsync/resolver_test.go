// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		local  *LocalState
		remote time.Time
		want   Decision
	}{
		{"absent locally", nil, t0, Insert},
		{"remote newer", &LocalState{UpdatedAt: t0}, t0.Add(time.Second), Overwrite},
		{"remote older", &LocalState{UpdatedAt: t0}, t0.Add(-time.Second), KeepLocal},
		{"same time", &LocalState{UpdatedAt: t0}, t0, KeepLocal},
		{"dirty local wins over newer remote", &LocalState{UpdatedAt: t0, Dirty: true}, t0.Add(time.Hour), KeepLocal},
		{"archived tombstone, newer remote", &LocalState{UpdatedAt: t0, Tombstoned: true}, t0.Add(time.Second), Overwrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Resolve(tt.local, tt.remote))
		})
	}
	require.Equal(t, "overwrite", Overwrite.String())
}
