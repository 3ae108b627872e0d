// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e12 seconds is far in the future while 1e12 milliseconds is September 2001.
const epochMillisThreshold = 1e12

// minEpochString is the smallest numeric string read as an epoch (March 1973).
// Shorter digit runs such as "2024" are years or garbage, not timestamps.
const minEpochString = 1e8

// timeLayouts are tried in order for string timestamps
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // ISO without zone, assumed UTC
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999", // SQLite CURRENT_TIMESTAMP / datetime()
	"2006-01-02",
}

// NormalizeTime converts the timestamp representations found in remote documents and
// local rows into a UTC time.Time. Accepted forms: time.Time, *time.Time, ISO-8601 /
// RFC 3339 strings, SQLite datetime strings, epoch seconds or milliseconds as integers,
// floats, json.Number or numeric strings, and {seconds, nanos} objects
// (also "_seconds"/"_nanoseconds").
func NormalizeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("missing timestamp")
		}
		return t.UTC(), nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	case json.Number:
		return parseTimeString(t.String())
	case int:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case float64:
		return fromEpoch(t)
	case map[string]any:
		return fromSecondsNanos(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.Abs(f) < minEpochString {
			return time.Time{}, fmt.Errorf("numeric timestamp %q is too small for an epoch", s)
		}
		return fromEpoch(f)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch timestamp %v", f)
	}
	if f >= epochMillisThreshold {
		ms := int64(f)
		return time.UnixMilli(ms).Add(time.Duration((f - float64(ms)) * float64(time.Millisecond))).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func fromSecondsNanos(m map[string]any) (time.Time, error) {
	secV, ok := m["seconds"]
	if !ok {
		secV, ok = m["_seconds"]
	}
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp object without seconds")
	}
	sec, err := toInt64(secV)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp seconds: %w", err)
	}
	var nanos int64
	nanoV, ok := m["nanos"]
	if !ok {
		nanoV, ok = m["_nanoseconds"]
	}
	if ok {
		if nanos, err = toInt64(nanoV); err != nil {
			return time.Time{}, fmt.Errorf("timestamp nanos: %w", err)
		}
	}
	return time.Unix(sec, nanos).UTC(), nil
}

// formatTime is the single representation the engine writes into updated_at columns
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
