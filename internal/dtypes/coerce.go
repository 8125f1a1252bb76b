package dtypes

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Coerce converts a single value to the canonical in-memory form for t:
// int64, float64, bool, string, []byte, uuid.UUID, decimal.Decimal,
// time.Time, decoded json values, or nil. A value that cannot be converted
// returns an error naming the offending input; callers attach column and
// row position.
func Coerce(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.Base {
	case Int:
		return coerceInt(v)
	case Float:
		return coerceFloat(v)
	case Bool:
		return coerceBool(v)
	case Str:
		return coerceStr(v)
	case Bytes:
		return coerceBytes(v)
	case UUID:
		return coerceUUID(v)
	case Numeric:
		return coerceNumeric(v, t)
	case JSON:
		return coerceJSON(v)
	case Datetime:
		return CoerceTime(v, t)
	case Object:
		return v, nil
	}
	return nil, fmt.Errorf("invalid dtype %q", t.Base)
}

func coerceInt(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("cannot coerce %d to int: overflow", x)
		}
		return int64(x), nil
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case decimal.Decimal:
		if x.IsInteger() {
			return x.IntPart(), nil
		}
		return nil, fmt.Errorf("cannot coerce %s to int: fractional", x)
	case json.Number:
		return coerceInt(string(x))
	case string:
		s := strings.TrimSpace(x)
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return n, nil
		}
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr == nil {
			return floatToInt(f)
		}
		return nil, fmt.Errorf("cannot coerce %q to int", x)
	default:
		return nil, fmt.Errorf("cannot coerce %T to int", v)
	}
}

func floatToInt(f float64) (any, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("cannot coerce %v to int: fractional", f)
	}
	return int64(f), nil
}

func coerceFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case decimal.Decimal:
		f, _ := x.Float64()
		return f, nil
	case json.Number:
		return coerceFloat(string(x))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to float", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to float", v)
	}
}

// coerceBool accepts true/false, 1/0, and their string spellings. Wider
// truthy vocabularies ("yes", "on") are rejected.
func coerceBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int:
		return intToBool(int64(x))
	case int64:
		return intToBool(x)
	case float64:
		if x == 1 {
			return true, nil
		}
		if x == 0 {
			return false, nil
		}
		return nil, fmt.Errorf("cannot coerce %v to bool", x)
	case string:
		switch strings.TrimSpace(x) {
		case "true", "True", "1":
			return true, nil
		case "false", "False", "0":
			return false, nil
		}
		return nil, fmt.Errorf("cannot coerce %q to bool", x)
	default:
		return nil, fmt.Errorf("cannot coerce %T to bool", v)
	}
}

func intToBool(n int64) (any, error) {
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return nil, fmt.Errorf("cannot coerce %d to bool", n)
}

func coerceStr(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case decimal.Decimal:
		return x.String(), nil
	case uuid.UUID:
		return x.String(), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case NaiveTime:
		return x.Format("2006-01-02T15:04:05.999999999"), nil
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %T to str: %w", v, err)
		}
		return string(data), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func coerceBytes(v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to bytes: not base64", x)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to bytes", v)
	}
}

func coerceUUID(v any) (any, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x, nil
	case [16]byte:
		return uuid.UUID(x), nil
	case string:
		if len(x) != 36 {
			return nil, fmt.Errorf("cannot coerce %q to uuid: want 36-char canonical form", x)
		}
		u, err := uuid.Parse(x)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to uuid: %v", x, err)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to uuid", v)
	}
}

func coerceNumeric(v any, t Type) (any, error) {
	var d decimal.Decimal
	switch x := v.(type) {
	case decimal.Decimal:
		d = x
	case int:
		d = decimal.NewFromInt(int64(x))
	case int64:
		d = decimal.NewFromInt(x)
	case float32:
		d = decimal.NewFromFloat32(x)
	case float64:
		d = decimal.NewFromFloat(x)
	case json.Number:
		parsed, err := decimal.NewFromString(string(x))
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to numeric", x)
		}
		d = parsed
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to numeric", x)
		}
		d = parsed
	default:
		return nil, fmt.Errorf("cannot coerce %T to numeric", v)
	}
	if t.Precision > 0 {
		d = d.Round(int32(t.Scale))
	}
	return d, nil
}

func coerceJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any, []any, bool, float64, int, int64:
		return x, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(x, &out); err != nil {
			return nil, fmt.Errorf("cannot coerce to json: %v", err)
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(x)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") ||
			trimmed == "null" || trimmed == "true" || trimmed == "false" ||
			strings.HasPrefix(trimmed, "\"") || looksNumeric(trimmed) {
			var out any
			if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
				return nil, fmt.Errorf("cannot coerce %q to json: %v", x, err)
			}
			return out, nil
		}
		return x, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %T to json: %v", v, err)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func looksNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// CoerceTime converts a value to the column's tz regime. Incoming aware
// values on a naive column are converted to UTC and the offset dropped;
// naive values on an aware column are assumed to be UTC readings. Naive
// results carry their wall fields in UTC.
func CoerceTime(v any, t Type) (any, error) {
	if t.Base != Datetime {
		return nil, fmt.Errorf("dtype %s is not a datetime", t)
	}
	var (
		in    time.Time
		aware bool
	)
	switch x := v.(type) {
	case time.Time:
		in, aware = x, true
	case NaiveTime:
		in, aware = x.Time, false
	case string:
		parsed, parsedAware, ok := ParseTime(x)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %q to datetime", x)
		}
		in, aware = parsed, parsedAware
	default:
		return nil, fmt.Errorf("cannot coerce %T to datetime", v)
	}

	switch t.TZ {
	case TZNone:
		if aware {
			u := in.UTC()
			return NaiveTime{u}, nil
		}
		return NaiveTime{time.Date(
			in.Year(), in.Month(), in.Day(),
			in.Hour(), in.Minute(), in.Second(), in.Nanosecond(), time.UTC,
		)}, nil
	case TZUTC:
		if !aware {
			return time.Date(
				in.Year(), in.Month(), in.Day(),
				in.Hour(), in.Minute(), in.Second(), in.Nanosecond(), time.UTC,
			), nil
		}
		return in.UTC(), nil
	case TZZone:
		loc, err := t.Location()
		if err != nil {
			return nil, err
		}
		if !aware {
			utc := time.Date(
				in.Year(), in.Month(), in.Day(),
				in.Hour(), in.Minute(), in.Second(), in.Nanosecond(), time.UTC,
			)
			return utc.In(loc), nil
		}
		return in.In(loc), nil
	}
	return nil, fmt.Errorf("invalid tz mode %q", t.TZ)
}

// Equal compares two canonical values under a dtype. Nulls compare equal to
// each other only; numerics respect the declared scale; aware datetimes
// compare as instants and naive ones by wall fields; json and object values
// compare deeply.
func Equal(a, b any, t Type) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch t.Base {
	case Numeric:
		da, aok := a.(decimal.Decimal)
		db, bok := b.(decimal.Decimal)
		if !aok || !bok {
			return false
		}
		if t.Precision > 0 {
			return da.Round(int32(t.Scale)).Equal(db.Round(int32(t.Scale)))
		}
		return da.Equal(db)
	case Datetime:
		return timesEqual(a, b)
	case Bytes:
		ba, aok := a.([]byte)
		bb, bok := b.([]byte)
		return aok && bok && bytes.Equal(ba, bb)
	case JSON:
		return jsonEqual(a, b)
	case Float:
		fa, aok := a.(float64)
		fb, bok := b.(float64)
		return aok && bok && fa == fb
	default:
		// Object columns can hold maps and slices; == would panic there.
		return reflect.DeepEqual(a, b)
	}
}

func timesEqual(a, b any) bool {
	ta, aok := asTime(a)
	tb, bok := asTime(b)
	return aok && bok && ta.Equal(tb)
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case NaiveTime:
		return x.Time, true
	}
	return time.Time{}, false
}

func jsonEqual(a, b any) bool {
	da, erra := json.Marshal(a)
	db, errb := json.Marshal(b)
	if erra != nil || errb != nil {
		return false
	}
	return bytes.Equal(da, db)
}
