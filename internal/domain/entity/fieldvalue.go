// Package entity contains the core domain entities for the index export
// engine. These entities represent the fundamental business objects and have
// no external dependencies.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldKind identifies the concrete type of an ordering field.
type FieldKind string

const (
	FieldTimestamp FieldKind = "timestamp"
	FieldInt64     FieldKind = "int64"
	FieldFloat64   FieldKind = "float64"
)

// validFieldKinds contains all valid field kinds for quick lookup
var validFieldKinds = map[FieldKind]bool{
	FieldTimestamp: true,
	FieldInt64:     true,
	FieldFloat64:   true,
}

// IsValid returns true if the FieldKind is a known valid kind
func (k FieldKind) IsValid() bool {
	return validFieldKinds[k]
}

// String returns the string representation of the FieldKind
func (k FieldKind) String() string {
	return string(k)
}

// ParseFieldKind converts a string into a FieldKind.
func ParseFieldKind(s string) (FieldKind, error) {
	k := FieldKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown field kind %q (want timestamp, int64 or float64)", s)
	}
	return k, nil
}

// ErrInvalidBoundFormat indicates that a textual bound could not be parsed
// into a FieldValue of the expected kind.
var ErrInvalidBoundFormat = errors.New("invalid bound format")

// InvalidBoundError carries the kind and raw input of a bound that failed to
// parse. It unwraps to ErrInvalidBoundFormat.
type InvalidBoundError struct {
	Kind   FieldKind
	Input  string
	Reason string
}

func (e *InvalidBoundError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("cannot parse %q as bound: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("cannot parse %q as %s bound: %s", e.Input, e.Kind, e.Reason)
}

func (e *InvalidBoundError) Unwrap() error {
	return ErrInvalidBoundFormat
}

// FieldValue is a single value of the ordering field: a timestamp, a signed
// integer or a floating point number. Values of the same kind form a total
// order; comparing values of different kinds is a programming error.
//
// The zero FieldValue has no kind and is not a valid bound.
type FieldValue struct {
	kind FieldKind
	ts   time.Time
	i    int64
	f    float64
}

// TimestampValue creates a timestamp FieldValue, normalized to UTC.
func TimestampValue(t time.Time) FieldValue {
	return FieldValue{kind: FieldTimestamp, ts: t.UTC()}
}

// Int64Value creates an integer FieldValue.
func Int64Value(v int64) FieldValue {
	return FieldValue{kind: FieldInt64, i: v}
}

// Float64Value creates a floating point FieldValue. NaN and infinities are
// not orderable bounds and must not be used.
func Float64Value(v float64) FieldValue {
	return FieldValue{kind: FieldFloat64, f: v}
}

// Kind returns the kind of the value, or the empty kind for the zero value.
func (v FieldValue) Kind() FieldKind {
	return v.kind
}

// IsZero returns true for the zero FieldValue.
func (v FieldValue) IsZero() bool {
	return v.kind == ""
}

// Time returns the underlying timestamp. It is only meaningful for
// timestamp values.
func (v FieldValue) Time() time.Time {
	return v.ts
}

// Int64 returns the underlying integer. It is only meaningful for int64
// values.
func (v FieldValue) Int64() int64 {
	return v.i
}

// Float64 returns the underlying float. It is only meaningful for float64
// values.
func (v FieldValue) Float64() float64 {
	return v.f
}

// Compare returns -1 if v sorts before other, 0 if they are equal and +1 if
// v sorts after other. It panics if the kinds differ.
func (v FieldValue) Compare(other FieldValue) int {
	if v.kind != other.kind {
		panic(fmt.Sprintf("entity: comparing %s FieldValue with %s FieldValue", v.kind, other.kind))
	}
	switch v.kind {
	case FieldTimestamp:
		return v.ts.Compare(other.ts)
	case FieldInt64:
		switch {
		case v.i < other.i:
			return -1
		case v.i > other.i:
			return 1
		}
		return 0
	case FieldFloat64:
		switch {
		case v.f < other.f:
			return -1
		case v.f > other.f:
			return 1
		}
		return 0
	}
	panic("entity: comparing zero FieldValues")
}

// Equal returns true if both values have the same kind and compare equal.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.kind != other.kind {
		return false
	}
	if v.kind == "" {
		return true
	}
	return v.Compare(other) == 0
}

// Less returns true if v sorts strictly before other. It panics if the
// kinds differ.
func (v FieldValue) Less(other FieldValue) bool {
	return v.Compare(other) < 0
}

// Bisect returns a midpoint strictly between v and upper, or false when the
// range admits no value distinct from both endpoints. Timestamps bisect at
// nanosecond precision, integers at unit resolution and floats at the
// IEEE-754 midpoint.
func (v FieldValue) Bisect(upper FieldValue) (FieldValue, bool) {
	if !v.Less(upper) {
		return FieldValue{}, false
	}
	switch v.kind {
	case FieldTimestamp:
		// Sub saturates at the Duration limits, which still yields a
		// midpoint strictly inside ranges wider than ~292 years.
		mid := v.ts.Add(upper.ts.Sub(v.ts) / 2)
		if !mid.After(v.ts) || !mid.Before(upper.ts) {
			return FieldValue{}, false
		}
		return TimestampValue(mid), true
	case FieldInt64:
		// Two's-complement difference avoids overflow across the full
		// int64 range.
		d := uint64(upper.i) - uint64(v.i)
		mid := int64(uint64(v.i) + d/2)
		if mid == v.i || mid == upper.i {
			return FieldValue{}, false
		}
		return Int64Value(mid), true
	case FieldFloat64:
		mid := (v.f + upper.f) / 2
		if math.IsInf(mid, 0) {
			mid = v.f/2 + upper.f/2
		}
		if !(v.f < mid && mid < upper.f) {
			return FieldValue{}, false
		}
		return Float64Value(mid), true
	}
	return FieldValue{}, false
}

// String returns the canonical text form of the value: RFC 3339 with
// nanoseconds in UTC for timestamps, base-10 digits for integers and a
// decimal or exponent form for floats. The zero value renders empty.
func (v FieldValue) String() string {
	switch v.kind {
	case FieldTimestamp:
		return v.ts.Format(time.RFC3339Nano)
	case FieldInt64:
		return strconv.FormatInt(v.i, 10)
	case FieldFloat64:
		return canonicalFloat(v.f)
	}
	return ""
}

// canonicalFloat formats f so that the text always re-parses as a float,
// never as an integer.
func canonicalFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// MarshalText implements encoding.TextMarshaler using the canonical form.
func (v FieldValue) MarshalText() ([]byte, error) {
	if v.IsZero() {
		return nil, fmt.Errorf("cannot marshal zero FieldValue")
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The kind is inferred
// from the text: the three canonical grammars are disjoint (timestamps carry
// a date and zone, integers are pure digits, floats carry a fraction or
// exponent).
func (v *FieldValue) UnmarshalText(text []byte) error {
	s := string(text)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*v = Int64Value(n)
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*v = TimestampValue(t)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		*v = Float64Value(f)
		return nil
	}
	return &InvalidBoundError{Kind: "", Input: s, Reason: "not a timestamp, integer or float"}
}

// ParseFieldValue parses text as a bound of the given kind. Malformed input
// is reported as an InvalidBoundError wrapping ErrInvalidBoundFormat.
func ParseFieldValue(kind FieldKind, text string) (FieldValue, error) {
	switch kind {
	case FieldTimestamp:
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return FieldValue{}, &InvalidBoundError{Kind: kind, Input: text, Reason: "want RFC 3339, e.g. 2024-01-02T03:04:05Z"}
		}
		return TimestampValue(t), nil
	case FieldInt64:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return FieldValue{}, &InvalidBoundError{Kind: kind, Input: text, Reason: "want base-10 integer"}
		}
		return Int64Value(n), nil
	case FieldFloat64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return FieldValue{}, &InvalidBoundError{Kind: kind, Input: text, Reason: "want finite decimal number"}
		}
		return Float64Value(f), nil
	}
	return FieldValue{}, fmt.Errorf("unknown field kind %q", kind)
}

// FieldValueFromAny converts a field value as decoded from a document (JSON
// string, json.Number or float64, or a driver-native time.Time or int64)
// into a FieldValue of the given kind.
func FieldValueFromAny(kind FieldKind, value any) (FieldValue, error) {
	switch kind {
	case FieldTimestamp:
		switch t := value.(type) {
		case time.Time:
			return TimestampValue(t), nil
		case string:
			return ParseFieldValue(FieldTimestamp, t)
		}
	case FieldInt64:
		switch n := value.(type) {
		case int64:
			return Int64Value(n), nil
		case int:
			return Int64Value(int64(n)), nil
		case int32:
			return Int64Value(int64(n)), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return FieldValue{}, &InvalidBoundError{Kind: kind, Input: n.String(), Reason: "not an int64"}
			}
			return Int64Value(i), nil
		case float64:
			if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
				return FieldValue{}, &InvalidBoundError{Kind: kind, Input: canonicalFloat(n), Reason: "not an int64"}
			}
			return Int64Value(int64(n)), nil
		case string:
			return ParseFieldValue(FieldInt64, n)
		}
	case FieldFloat64:
		switch f := value.(type) {
		case float64:
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return FieldValue{}, &InvalidBoundError{Kind: kind, Input: canonicalFloat(f), Reason: "want finite decimal number"}
			}
			return Float64Value(f), nil
		case float32:
			return Float64Value(float64(f)), nil
		case int64:
			return Float64Value(float64(f)), nil
		case json.Number:
			v, err := f.Float64()
			if err != nil {
				return FieldValue{}, &InvalidBoundError{Kind: kind, Input: f.String(), Reason: "not a float64"}
			}
			return Float64Value(v), nil
		case string:
			return ParseFieldValue(FieldFloat64, f)
		}
	default:
		return FieldValue{}, fmt.Errorf("unknown field kind %q", kind)
	}
	return FieldValue{}, &InvalidBoundError{Kind: kind, Input: fmt.Sprintf("%v", value), Reason: fmt.Sprintf("unsupported value type %T", value)}
}
