// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// encodeValue converts a stored column value into its remote document representation
func encodeValue(kind FieldKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindText:
		switch t := v.(type) {
		case string:
			return t, nil
		case []byte:
			return string(t), nil
		case int64:
			return strconv.FormatInt(t, 10), nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case time.Time:
			return formatTime(t), nil
		}
	case KindInteger:
		return toInt64(v)
	case KindReal:
		return toFloat64(v)
	case KindBool:
		return toBool(v)
	case KindTime:
		t, err := NormalizeTime(v)
		if err != nil {
			return nil, err
		}
		return formatTime(t), nil
	case KindJSON:
		var raw []byte
		switch t := v.(type) {
		case string:
			raw = []byte(t)
		case []byte:
			raw = t
		default:
			return nil, fmt.Errorf("json column holds %T", v)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot encode %T as %s", v, kind)
}

// decodeValue converts a remote document field into a value to store in a column
func decodeValue(kind FieldKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindInteger:
		return toInt64(v)
	case KindReal:
		return toFloat64(v)
	case KindBool:
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case KindTime:
		t, err := NormalizeTime(v)
		if err != nil {
			return nil, err
		}
		return formatTime(t), nil
	case KindJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("invalid json value: %w", err)
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("cannot decode %T as %s", v, kind)
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		return int64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", t.String())
		}
		return toInt64(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", t)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%T is not an integer", v)
}

func toFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", t.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%T is not a number", v)
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", t)
		}
		return b, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return false, fmt.Errorf("%T is not a boolean", v)
	}
	return i != 0, nil
}
