// Package dtypes implements the logical type system shared by pipes,
// connectors, and the sync engine.
//
// A column's logical dtype is one of a closed set: int, float, bool, str,
// bytes, uuid, numeric (with optional precision and scale), json, datetime
// (naive, UTC, or zoned), and the catch-all object. Backends map logical
// dtypes to physical column types; the filter and enforcement layers use
// them to keep comparisons type-stable across heterogeneous sources.
package dtypes

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Base enumerates the logical dtype families.
type Base string

const (
	Int      Base = "int"
	Float    Base = "float"
	Bool     Base = "bool"
	Str      Base = "str"
	Bytes    Base = "bytes"
	UUID     Base = "uuid"
	Numeric  Base = "numeric"
	JSON     Base = "json"
	Datetime Base = "datetime"
	Object   Base = "object"
)

// IsValid checks if the base is one of the defined families.
func (b Base) IsValid() bool {
	switch b {
	case Int, Float, Bool, Str, Bytes, UUID, Numeric, JSON, Datetime, Object:
		return true
	}
	return false
}

// TZMode is the timezone regime of a datetime column.
type TZMode string

const (
	// TZNone marks a tz-naive column: values are wall-clock readings with
	// no offset.
	TZNone TZMode = ""

	// TZUTC marks a tz-aware column pinned to UTC.
	TZUTC TZMode = "UTC"

	// TZZone marks a tz-aware column pinned to a named zone carried in
	// Type.Zone.
	TZZone TZMode = "zone"
)

// Type is a logical column dtype. The zero value is invalid; use Parse or
// one of the constructors.
type Type struct {
	Base Base

	// Precision and Scale apply to numeric types. Zero precision means
	// the backend default.
	Precision int
	Scale     int

	// TZ and Zone apply to datetime types.
	TZ   TZMode
	Zone string
}

// Constructors for the common cases.
func Of(b Base) Type          { return Type{Base: b} }
func NumericOf(p, s int) Type { return Type{Base: Numeric, Precision: p, Scale: s} }
func DatetimeNaive() Type     { return Type{Base: Datetime, TZ: TZNone} }
func DatetimeUTC() Type       { return Type{Base: Datetime, TZ: TZUTC} }
func DatetimeZone(zone string) Type {
	if zone == "" || strings.EqualFold(zone, "UTC") {
		return DatetimeUTC()
	}
	return Type{Base: Datetime, TZ: TZZone, Zone: zone}
}

var numericRe = regexp.MustCompile(`^numeric\s*\(\s*(\d+)\s*,\s*(\d+)\s*\)$`)
var datetimeRe = regexp.MustCompile(`^datetime(?:64)?\[ns(?:\s*,\s*([^\]]+))?\]$`)

// Parse resolves a dtype string to a Type. The accepted strings are the
// closed set of dtype names plus the pandas-style datetime64 spellings;
// anything else is an error.
func Parse(s string) (Type, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "int", "int64":
		return Of(Int), nil
	case "float", "float64":
		return Of(Float), nil
	case "bool":
		return Of(Bool), nil
	case "str", "string":
		return Of(Str), nil
	case "bytes":
		return Of(Bytes), nil
	case "uuid":
		return Of(UUID), nil
	case "numeric":
		return Of(Numeric), nil
	case "json":
		return Of(JSON), nil
	case "object":
		return Of(Object), nil
	case "datetime":
		return DatetimeUTC(), nil
	}
	if m := numericRe.FindStringSubmatch(strings.ToLower(s)); m != nil {
		p, _ := strconv.Atoi(m[1])
		sc, _ := strconv.Atoi(m[2])
		if sc > p {
			return Type{}, fmt.Errorf("invalid dtype %q: scale exceeds precision", s)
		}
		return NumericOf(p, sc), nil
	}
	if m := datetimeRe.FindStringSubmatch(s); m != nil {
		zone := strings.TrimSpace(m[1])
		if zone == "" {
			return DatetimeNaive(), nil
		}
		return DatetimeZone(zone), nil
	}
	return Type{}, fmt.Errorf("unknown dtype %q", s)
}

// MustParse is Parse for compile-time-known strings.
func MustParse(s string) Type {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String renders the canonical dtype string, the inverse of Parse.
func (t Type) String() string {
	switch t.Base {
	case Numeric:
		if t.Precision > 0 {
			return fmt.Sprintf("numeric(%d,%d)", t.Precision, t.Scale)
		}
		return "numeric"
	case Datetime:
		switch t.TZ {
		case TZUTC:
			return "datetime64[ns, UTC]"
		case TZZone:
			return "datetime64[ns, " + t.Zone + "]"
		default:
			return "datetime64[ns]"
		}
	default:
		return string(t.Base)
	}
}

// IsValid checks the type is well formed.
func (t Type) IsValid() bool {
	if !t.Base.IsValid() {
		return false
	}
	if t.Base == Datetime && t.TZ == TZZone && t.Zone == "" {
		return false
	}
	if t.Base == Numeric && t.Scale > t.Precision {
		return false
	}
	return true
}

func (t Type) IsDatetime() bool { return t.Base == Datetime }
func (t Type) IsNumeric() bool  { return t.Base == Numeric }

// Aware reports whether a datetime type carries an offset.
func (t Type) Aware() bool { return t.Base == Datetime && t.TZ != TZNone }

// Location returns the time.Location for a datetime type. Naive columns
// resolve to UTC; their values are wall readings stored in UTC.
func (t Type) Location() (*time.Location, error) {
	if t.Base != Datetime {
		return nil, fmt.Errorf("dtype %s has no location", t)
	}
	switch t.TZ {
	case TZZone:
		loc, err := time.LoadLocation(t.Zone)
		if err != nil {
			return nil, fmt.Errorf("dtype %s: %w", t, err)
		}
		return loc, nil
	default:
		return time.UTC, nil
	}
}

// Equal reports structural equality ignoring numeric width. A numeric(10,2)
// and a bare numeric are the same logical family for stickiness purposes.
func (t Type) Equal(other Type) bool {
	if t.Base != other.Base {
		return false
	}
	if t.Base == Datetime {
		return t.TZ == other.TZ && (t.TZ != TZZone || t.Zone == other.Zone)
	}
	return true
}

// Unify merges a previously declared dtype with a newly observed one and
// returns the dtype the column should carry going forward. Declared regimes
// are sticky: a datetime column keeps its tz mode, a numeric column absorbs
// ints and floats. Combinations with no sensible promotion fall back to
// object.
func Unify(declared, observed Type) Type {
	if declared.Base == observed.Base {
		switch declared.Base {
		case Numeric:
			return NumericOf(
				maxInt(declared.Precision, observed.Precision),
				maxInt(declared.Scale, observed.Scale),
			)
		case Datetime:
			return declared
		default:
			return declared
		}
	}
	a, b := declared.Base, observed.Base
	switch {
	case a == Object || b == Object:
		return Of(Object)
	case a == Numeric && (b == Int || b == Float):
		return declared
	case b == Numeric && (a == Int || a == Float):
		return observed
	case (a == Int && b == Float) || (a == Float && b == Int):
		return Of(Float)
	case a == JSON || b == JSON:
		return Of(JSON)
	default:
		return Of(Object)
	}
}

// ParseMap resolves a column→dtype-string mapping, rejecting any string
// outside the closed set.
func ParseMap(raw map[string]string) (map[string]Type, error) {
	out := make(map[string]Type, len(raw))
	for col, s := range raw {
		t, err := Parse(s)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		out[col] = t
	}
	return out, nil
}

// StringMap renders a column→Type mapping back to the persisted string form.
func StringMap(types map[string]Type) map[string]string {
	out := make(map[string]string, len(types))
	for col, t := range types {
		out[col] = t.String()
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
