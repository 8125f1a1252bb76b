package dtypes

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// timeLayouts are tried in order when parsing datetime strings. Layouts
// with a numeric zone or named zone mark the value as offset-aware.
var timeLayouts = []struct {
	layout string
	aware  bool
}{
	{time.RFC3339Nano, true},
	{time.RFC3339, true},
	{"2006-01-02T15:04:05.999999999Z0700", true},
	{"2006-01-02 15:04:05.999999999Z07:00", true},
	{"2006-01-02 15:04:05Z07:00", true},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05.999999999", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02 15:04", false},
	{"2006-01-02", false},
}

// ParseTime parses a datetime string, reporting whether the text carried an
// explicit offset. Naive strings are returned with their wall fields in UTC.
func ParseTime(s string) (t time.Time, aware bool, ok bool) {
	for _, l := range timeLayouts {
		parsed, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if !l.aware {
			return parsed, false, true
		}
		return parsed, true, true
	}
	return time.Time{}, false, false
}

// valueClass is the shape of a single observed value, used by inference.
type valueClass int

const (
	classNull valueClass = iota
	classBool
	classInt
	classFloatIntegral
	classFloatFractional
	classDecimal
	classStr
	classBytes
	classUUID
	classJSON
	classTimeAware
	classTimeNaive
	classOther
)

func classify(v any) valueClass {
	switch x := v.(type) {
	case nil:
		return classNull
	case bool:
		return classBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return classInt
	case float32:
		return classifyFloat(float64(x))
	case float64:
		return classifyFloat(x)
	case decimal.Decimal:
		return classDecimal
	case string:
		return classStr
	case []byte:
		return classBytes
	case uuid.UUID:
		return classUUID
	case map[string]any, []any:
		return classJSON
	case time.Time:
		return classTimeAware
	case NaiveTime:
		return classTimeNaive
	default:
		return classOther
	}
}

func classifyFloat(f float64) valueClass {
	if f == float64(int64(f)) {
		return classFloatIntegral
	}
	return classFloatFractional
}

// NaiveTime wraps a wall-clock datetime with no offset. Sources that know
// a value is naive pass this instead of a bare time.Time, which is always
// treated as an instant.
type NaiveTime struct{ time.Time }

// InferColumn determines the dtype of a column from its non-null values.
// Rules, in order: uniform datetimes pick a tz regime; uniform decimals are
// numeric; mixed int and float with any fractional value is numeric; any
// map or list makes the column json; uniform uuids, bytes, bools, ints,
// floats, and strings map to their own dtypes; anything else is object.
// A column with no non-null values reports ok=false.
func InferColumn(values []any) (Type, bool) {
	var (
		seen     int
		counts   [classOther + 1]int
		anyAware bool
	)
	for _, v := range values {
		c := classify(v)
		if c == classNull {
			continue
		}
		seen++
		counts[c]++
		if c == classTimeAware {
			anyAware = true
		}
	}
	if seen == 0 {
		return Type{}, false
	}

	only := func(classes ...valueClass) bool {
		n := 0
		for _, c := range classes {
			n += counts[c]
		}
		return n == seen
	}

	switch {
	case only(classTimeAware, classTimeNaive):
		if counts[classTimeAware] > 0 && counts[classTimeNaive] > 0 {
			return DatetimeUTC(), true
		}
		if anyAware {
			return DatetimeUTC(), true
		}
		return DatetimeNaive(), true
	case only(classDecimal):
		return Of(Numeric), true
	case counts[classInt] > 0 && counts[classFloatFractional] > 0 &&
		only(classInt, classFloatIntegral, classFloatFractional):
		return Of(Numeric), true
	case counts[classDecimal] > 0 &&
		only(classDecimal, classInt, classFloatIntegral, classFloatFractional):
		return Of(Numeric), true
	case counts[classJSON] > 0:
		return Of(JSON), true
	case only(classUUID):
		return Of(UUID), true
	case only(classBytes):
		return Of(Bytes), true
	case only(classBool):
		return Of(Bool), true
	case only(classInt):
		return Of(Int), true
	case only(classInt, classFloatIntegral):
		return Of(Int), true
	case only(classInt, classFloatIntegral, classFloatFractional):
		return Of(Float), true
	case only(classStr):
		return Of(Str), true
	default:
		return Of(Object), true
	}
}

// InferAxis determines the dtype of the datetime axis column by sampling
// its values: parseable strings and times pick a tz regime, integers keep
// the axis as int. Reports ok=false when no value settles the question.
func InferAxis(values []any) (Type, bool) {
	for _, v := range values {
		switch x := v.(type) {
		case nil:
			continue
		case time.Time:
			return DatetimeUTC(), true
		case NaiveTime:
			return DatetimeNaive(), true
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return Of(Int), true
		case string:
			if _, aware, ok := ParseTime(x); ok {
				if aware {
					return DatetimeUTC(), true
				}
				return DatetimeNaive(), true
			}
			return Type{}, false
		default:
			return Type{}, false
		}
	}
	return Type{}, false
}
