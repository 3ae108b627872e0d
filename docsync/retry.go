// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// withRetry runs a remote operation up to MaxAttempts times with exponential backoff.
// Permanent errors and context cancellation stop immediately. When all attempts fail
// and the remote is no longer reachable, ErrConnectivityLost is returned so that the
// session aborts instead of failing every remaining record.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if isPermanent(err) {
			return err
		}
		if attempt == c.config.MaxAttempts {
			break
		}
		delay := c.backoff(attempt)
		c.logger.Warn("Remote operation failed, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	if !c.connectivity().Reachable(ctx) {
		return fmt.Errorf("%w: %s: %w", ErrConnectivityLost, op, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxAttempts, err)
}

// backoff returns the delay after the given failed attempt (1-based)
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.BackoffMin
	for i := 1; i < attempt && d < c.config.BackoffMax; i++ {
		d *= 2
	}
	if d > c.config.BackoffMax {
		d = c.config.BackoffMax
	}
	return d
}

// isFatal reports whether err must abort the whole session
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, ErrConnectivityLost) ||
		IsLocalStoreError(err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
