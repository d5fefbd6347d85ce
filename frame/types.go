package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Type is the logical type of a frame column.
type Type int

const (
	Unknown Type = iota
	String
	Float64
	Float32
	Int16
	Int64
	Bool
	Timestamp
	// JSON columns hold nested documents serialized as text.
	JSON
)

var typeNames = map[Type]string{
	Unknown:   "unknown",
	String:    "string",
	Float64:   "float64",
	Float32:   "float32",
	Int16:     "int16",
	Int64:     "int64",
	Bool:      "bool",
	Timestamp: "timestamp",
	JSON:      "json",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType maps a type name back to its Type.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("unknown column type %q", name)
}

// MarshalText lets Type appear by name in JSON documents such as commit logs.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ErrConvert is returned when a value cannot be represented in the target type.
var ErrConvert = errors.New("cannot convert value")

// timestampLayouts are tried in order when parsing timestamp strings.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Convert coerces v into the Go representation of t. Nil stays nil.
//
// Representations: String/JSON -> string, Float64 -> float64, Float32 -> float32,
// Int16 -> int16, Int64 -> int64, Bool -> bool, Timestamp -> time.Time (UTC).
func Convert(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case String:
		return toString(v)
	case JSON:
		if s, ok := v.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w %v to json: %v", ErrConvert, v, err)
		}
		return string(b), nil
	case Float64:
		return toFloat(v)
	case Float32:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w %v to float32: out of range", ErrConvert, v)
		}
		return float32(f), nil
	case Int16:
		i, err := toInt(v)
		if err != nil {
			return nil, err
		}
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, fmt.Errorf("%w %v to int16: out of range", ErrConvert, v)
		}
		return int16(i), nil
	case Int64:
		return toInt(v)
	case Bool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("%w %q to bool", ErrConvert, b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("%w %T to bool", ErrConvert, v)
	case Timestamp:
		return toTime(v)
	}
	return nil, fmt.Errorf("%w to %s", ErrConvert, t)
}

// InferType guesses the column type of a Go value. Nil yields Unknown.
func InferType(v any) Type {
	switch v.(type) {
	case string:
		return String
	case float64:
		return Float64
	case float32:
		return Float32
	case int16:
		return Int16
	case int, int32, int64:
		return Int64
	case bool:
		return Bool
	case time.Time:
		return Timestamp
	case nil:
		return Unknown
	}
	return JSON
}

func toString(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32), nil
	case int16:
		return strconv.FormatInt(int64(s), 10), nil
	case int:
		return strconv.Itoa(s), nil
	case int32:
		return strconv.FormatInt(int64(s), 10), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	case bool:
		return strconv.FormatBool(s), nil
	case time.Time:
		return s.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return s.String(), nil
	}
	return fmt.Sprint(v), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w %q to float", ErrConvert, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w %T to float", ErrConvert, v)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case float64:
		return floatToInt(n, v)
	case float32:
		return floatToInt(float64(n), v)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w %q to int", ErrConvert, n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w %T to int", ErrConvert, v)
}

func floatToInt(f float64, orig any) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w %v to int: not integral", ErrConvert, orig)
	}
	if f < math.MinInt64 || f > math.MaxInt64 {
		return 0, fmt.Errorf("%w %v to int: out of range", ErrConvert, orig)
	}
	return int64(f), nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w %q to timestamp", ErrConvert, t)
	}
	return time.Time{}, fmt.Errorf("%w %T to timestamp", ErrConvert, v)
}
