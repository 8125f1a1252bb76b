package valkeyconn

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// naiveLayout renders tz-naive datetimes without an offset so they decode
// back as naive.
const naiveLayout = "2006-01-02 15:04:05.999999999"

// encodeRow renders one record as the stored row JSON. Values outside
// JSON's native types take their canonical string form and round-trip
// through dtype coercion on read.
func encodeRow(rec map[string]any) (string, error) {
	out := make(map[string]any, len(rec))
	for col, v := range rec {
		out[col] = encodeValue(v)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", meta.E(meta.KindInternal, "encode row", err)
	}
	return string(data), nil
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case dtypes.NaiveTime:
		return x.Format(naiveLayout)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case uuid.UUID:
		return x.String()
	case decimal.Decimal:
		return x.String()
	default:
		return v
	}
}

// decodeRow parses stored row JSON back into canonical values. Columns
// with a known dtype coerce to their canonical form; the rest keep the
// parsed representation with integral numbers as int64.
func decodeRow(raw string, types map[string]dtypes.Type) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, meta.E(meta.KindInternal, "decode row", err)
	}
	for col, v := range rec {
		v = decodeTree(v)
		if t, ok := types[col]; ok && v != nil {
			if cv, err := dtypes.Coerce(v, t); err == nil {
				v = cv
			}
		}
		rec[col] = v
	}
	return rec, nil
}

// decodeTree replaces json.Number nodes with int64 or float64 at every
// depth.
func decodeTree(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = decodeTree(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = decodeTree(e)
		}
		return x
	default:
		return v
	}
}

// axisScore maps an axis value onto the sorted-set score. Datetimes score
// as epoch microseconds, which float64 represents exactly for centuries
// either side of the epoch; integer axes score as themselves.
func axisScore(v any) (float64, bool) {
	switch x := v.(type) {
	case time.Time:
		return float64(x.UnixMicro()), true
	case dtypes.NaiveTime:
		return float64(x.Time.UnixMicro()), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case string:
		if t, _, ok := dtypes.ParseTime(x); ok {
			return float64(t.UnixMicro()), true
		}
	}
	return 0, false
}

// scoreWindow renders the score range covering [begin, end). Scores floor
// sub-microsecond precision away, so both edges stay inclusive here and
// the exact bounds apply to decoded values afterwards; the window is a
// superset, never smaller than the true range.
func scoreWindow(begin, end any) (min, max string, err error) {
	min, max = "-inf", "+inf"
	if begin != nil {
		s, ok := axisScore(begin)
		if !ok {
			return "", "", meta.Errorf(meta.KindConfig, "query bound", "unorderable begin value %v", begin)
		}
		min = formatScore(s)
	}
	if end != nil {
		s, ok := axisScore(end)
		if !ok {
			return "", "", meta.Errorf(meta.KindConfig, "query bound", "unorderable end value %v", end)
		}
		max = formatScore(s)
	}
	return min, max, nil
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// exactScore reports whether a bound's score carries its full precision,
// making score-level counting exact. Nil bounds are trivially exact.
func exactScore(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case time.Time:
		return x.UnixNano()%int64(time.Microsecond) == 0
	case dtypes.NaiveTime:
		return x.Time.UnixNano()%int64(time.Microsecond) == 0
	case int64:
		return x < (1<<53) && x > -(1<<53)
	case int:
		return exactScore(int64(x))
	case float64:
		return x == math.Trunc(x)
	default:
		return false
	}
}

// axisLess orders two axis values. Decoded rows and coerced bounds share a
// representation, so mixed numeric cases only arise on undeclared axes.
func axisLess(a, b any) bool {
	if at, aok := asTime(a); aok {
		if bt, bok := asTime(b); bok {
			return at.Before(bt)
		}
	}
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	return aok && bok && af < bf
}

// axisInRange applies the exact bounds: begin inclusive, end exclusive.
func axisInRange(v, begin, end any) bool {
	if v == nil {
		return begin == nil && end == nil
	}
	if begin != nil && axisLess(v, begin) {
		return false
	}
	if end != nil && !axisLess(v, end) {
		return false
	}
	return true
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case dtypes.NaiveTime:
		return x.Time, true
	case string:
		if t, _, ok := dtypes.ParseTime(x); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
