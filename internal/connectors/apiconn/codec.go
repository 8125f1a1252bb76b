package apiconn

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// naiveLayout renders tz-naive datetimes without an offset so they decode
// back as naive.
const naiveLayout = "2006-01-02 15:04:05.999999999"

// encodeRecords renders a frame's rows with canonical spellings for the
// values JSON cannot carry natively. They round-trip through dtype
// coercion on the far side.
func encodeRecords(f *frame.Frame) []map[string]any {
	if f.Len() == 0 {
		return nil
	}
	out := make([]map[string]any, 0, f.Len())
	for row := 0; row < f.Len(); row++ {
		rec := f.Record(row)
		enc := make(map[string]any, len(rec))
		for col, v := range rec {
			enc[col] = encodeValue(v)
		}
		out = append(out, enc)
	}
	return out
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

// decodeFrame rebuilds a frame from wire records. Declared columns coerce
// to their canonical forms; the rest keep the parsed representation with
// integral numbers as int64.
func decodeFrame(records []map[string]any, types map[string]dtypes.Type, columns []string) *frame.Frame {
	f := frame.New(columns...)
	for _, rec := range records {
		out := make(map[string]any, len(rec))
		for col, v := range rec {
			v = decodeTree(v)
			if t, ok := types[col]; ok && v != nil {
				if cv, err := dtypes.Coerce(v, t); err == nil {
					v = cv
				}
			}
			out[col] = v
		}
		f.AppendRecord(out)
	}
	return f
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

// decodeScalar maps a wire scalar onto its axis value form. Datetime
// strings come back as time values, aware or naive as written.
func decodeScalar(v any) any {
	switch x := decodeTree(v).(type) {
	case string:
		if t, aware, ok := dtypes.ParseTime(x); ok {
			if aware {
				return t
			}
			return dtypes.NaiveTime{Time: t}
		}
		return x
	default:
		return x
	}
}

func declaredTypes(params pipes.Params) (map[string]dtypes.Type, error) {
	declared, err := params.DTypes()
	if err != nil {
		return nil, meta.E(meta.KindSchema, "declared dtypes", err)
	}
	return declared, nil
}
