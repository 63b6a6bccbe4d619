package models

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15:04:05"
	dateTimeLayout = "2006-01-02T15:04:05"
)

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	dateTimeLayout,
	"2006-01-02 15:04:05",
	dateLayout,
}

var timeLayouts = []string{
	"15:04:05.999999999",
	timeLayout,
	"15:04",
}

// NullValue returns the placeholder used for a missing value of type t.
func NullValue(t AttributeType) any {
	switch t {
	case AttrBool:
		return false
	case AttrInt:
		return int64(0)
	case AttrFloat:
		return 0.0
	case AttrString:
		return ""
	case AttrDate:
		return time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	case AttrTime:
		return time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC)
	case AttrDateTime:
		return time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return nil
}

// ToLocalValue converts a decoded JSON value to the local representation of
// type t: bool, int64, float64, string or time.Time. Values that cannot be
// converted are returned unchanged. Already converted values pass through.
func ToLocalValue(v any, t AttributeType) any {
	if v == nil {
		return nil
	}
	switch t {
	case AttrBool:
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed
			}
		}
	case AttrInt:
		if f, ok := toFloat(v); ok && f == math.Trunc(f) {
			return int64(f)
		}
		if s, ok := v.(string); ok {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
		}
	case AttrFloat:
		if f, ok := toFloat(v); ok {
			return f
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	case AttrString:
		switch s := v.(type) {
		case string:
			return s
		case json.Number:
			return s.String()
		}
	case AttrDate:
		if ts, ok := parseTime(v, dateTimeLayouts); ok {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		}
	case AttrTime:
		if ts, ok := parseTime(v, timeLayouts); ok {
			return clock(ts)
		}
		if ts, ok := parseTime(v, dateTimeLayouts); ok {
			return clock(ts)
		}
	case AttrDateTime:
		if ts, ok := parseTime(v, dateTimeLayouts); ok {
			return ts
		}
	}
	return v
}

// ToRemoteValue converts a local value to a JSON-safe value for type t.
// Times are formatted as ISO-8601; t may be empty when unknown.
func ToRemoteValue(v any, t AttributeType) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string, float64, int64:
		return val
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case time.Time:
		switch t {
		case AttrDate:
			return val.Format(dateLayout)
		case AttrTime:
			return val.Format(timeLayout)
		case AttrDateTime:
			if val.Location() == time.UTC {
				return val.Format(dateTimeLayout)
			}
			return val.Format(time.RFC3339)
		}
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	}
	return v
}

// ValuesEqual compares two local values. Numbers compare by value and times
// by instant.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if fa, ok := toFloat(a); ok {
		if _, isBool := b.(bool); isBool {
			return false
		}
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func parseTime(v any, layouts []string) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, val); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func clock(ts time.Time) time.Time {
	return time.Date(0, 1, 1, ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC)
}
