// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpList   = "list"
	MetricsOpCommit = "commit"

	MetricsStageTotal = "total"

	// Commit stages.
	MetricsStageCommitValidate = "validate"
	MetricsStageCommitTx       = "tx"

	// List stages.
	MetricsStageListQuery  = "query"
	MetricsStageListDecode = "decode"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver is embedded by stores that report stage timings
type stageObserver struct {
	recorder StageMetricsRecorder
	logTimes bool
	logger   *slog.Logger
}

func (o *stageObserver) stageStart() time.Time {
	if o.recorder == nil && !o.logTimes {
		return time.Time{}
	}
	return time.Now()
}

func (o *stageObserver) observeStage(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}

	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logTimes && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
