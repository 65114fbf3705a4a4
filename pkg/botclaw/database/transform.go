package database

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TimeLayout is the storage format for timestamps. Fixed-width nanoseconds
// keep lexical and chronological ordering identical.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the storage format (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. The empty string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// Transform converts one column between its domain value and the value that
// is written to SQLite.
type Transform struct {
	Encode func(v any) (any, error)
	Decode func(v any) (any, error)
}

// Identity stores values unchanged.
var Identity = Transform{
	Encode: func(v any) (any, error) { return v, nil },
	Decode: func(v any) (any, error) { return v, nil },
}

// Bool stores booleans as 0/1.
var Bool = Transform{
	Encode: func(v any) (any, error) {
		switch b := v.(type) {
		case bool:
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		case nil:
			return nil, nil
		}
		return nil, fmt.Errorf("bool transform: unexpected %T", v)
	},
	Decode: func(v any) (any, error) {
		return Row{"v": v}.Bool("v"), nil
	},
}

// Time stores time.Time values as fixed-width UTC strings.
var Time = TimeOr("")

// TimeOr stores time.Time values as fixed-width UTC strings. A zero or nil
// time is written as sentinel, and sentinel decodes to a nil *time.Time.
// Non-pointer time values decode to time.Time when sentinel is "".
func TimeOr(sentinel string) Transform {
	return Transform{
		Encode: func(v any) (any, error) {
			switch t := v.(type) {
			case time.Time:
				if t.IsZero() {
					return sentinel, nil
				}
				return FormatTime(t), nil
			case *time.Time:
				if t == nil || t.IsZero() {
					return sentinel, nil
				}
				return FormatTime(*t), nil
			case string:
				return t, nil
			case nil:
				return sentinel, nil
			}
			return nil, fmt.Errorf("time transform: unexpected %T", v)
		},
		Decode: func(v any) (any, error) {
			s, _ := v.(string)
			if s == "" || s == sentinel {
				return time.Time{}, nil
			}
			return ParseTime(s)
		},
	}
}

// JSON stores arbitrary values as JSON text and decodes them back into
// generic JSON values (map[string]any, []any, float64, string, bool, nil).
var JSON = Transform{
	Encode: func(v any) (any, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json transform: %w", err)
		}
		return string(data), nil
	},
	Decode: func(v any) (any, error) {
		s := Row{"v": v}.String("v")
		if s == "" {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("json transform: %w", err)
		}
		return out, nil
	},
}

// IDOr stores a zero integer id as sentinel and decodes sentinel back to 0.
// Other stored values decode to int64, including numeric text.
func IDOr(sentinel any) Transform {
	return Transform{
		Encode: func(v any) (any, error) {
			if v == nil || (Row{"v": v}).Int64("v") == 0 {
				return sentinel, nil
			}
			return v, nil
		},
		Decode: func(v any) (any, error) {
			if v == nil || fmt.Sprint(v) == fmt.Sprint(sentinel) {
				return int64(0), nil
			}
			if s, ok := v.(string); ok {
				id, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("id transform: %w", err)
				}
				return id, nil
			}
			return Row{"v": v}.Int64("v"), nil
		},
	}
}
