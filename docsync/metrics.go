// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"time"
)

const (
	MetricsPhaseSchema   = "schema_check"
	MetricsPhaseDelete   = "delete"
	MetricsPhaseUpload   = "upload"
	MetricsPhaseDownload = "download"
	MetricsPhaseRestore  = "restore"
	MetricsPhaseSession  = "session"
)

// StageTiming is one timed phase of a sync session, per collection where applicable
type StageTiming struct {
	Phase      string
	Collection string
	Duration   time.Duration
	Count      int
	Error      bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (c *Client) stageStart() time.Time {
	if c.config.StageMetrics == nil && !c.config.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}

func (c *Client) observeStage(ctx context.Context, phase, collection string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Phase:      phase,
		Collection: collection,
		Duration:   time.Since(start),
		Count:      count,
		Error:      hadError,
	}
	if c.config.StageMetrics != nil {
		c.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if c.config.LogStageTimings {
		c.logger.Debug("Stage timing",
			"phase", timing.Phase,
			"collection", timing.Collection,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
