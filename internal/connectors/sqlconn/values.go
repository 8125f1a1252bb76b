package sqlconn

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// sqliteTimeLayout stores instants as UTC text with fixed-width
// fractional seconds so lexicographic order matches chronological order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000Z07:00"

// sqliteNaiveLayout stores naive wall readings without an offset.
const sqliteNaiveLayout = "2006-01-02 15:04:05.000000000"

// bindValue converts a canonical in-memory value to the driver value for
// one column. The input is expected to already be in canonical form
// (int64, float64, bool, string, []byte, uuid.UUID, decimal.Decimal,
// time.Time, dtypes.NaiveTime, decoded json, or nil).
func (c *Connector) bindValue(t dtypes.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.Base {
	case dtypes.Int, dtypes.Float, dtypes.Str, dtypes.Bytes:
		return v, nil
	case dtypes.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("bool column got %T", v)
		}
		if c.d.flavor == FlavorSQLite || c.d.mysqlLike() {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return b, nil
	case dtypes.UUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u.String(), nil
		case string:
			return u, nil
		}
		return nil, fmt.Errorf("uuid column got %T", v)
	case dtypes.Numeric:
		switch n := v.(type) {
		case decimal.Decimal:
			return n.String(), nil
		case string:
			return n, nil
		}
		return nil, fmt.Errorf("numeric column got %T", v)
	case dtypes.JSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json column: %w", err)
		}
		return string(data), nil
	case dtypes.Datetime:
		return c.bindTime(t, v)
	case dtypes.Object:
		return objectToDriver(v)
	}
	return nil, fmt.Errorf("invalid dtype %q", t.Base)
}

func (c *Connector) bindTime(t dtypes.Type, v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		if t.TZ == dtypes.TZNone {
			// Should not happen after coercion, but keep the write safe.
			x = x.UTC()
			if c.d.flavor == FlavorSQLite {
				return x.Format(sqliteNaiveLayout), nil
			}
			return x, nil
		}
		if c.d.flavor == FlavorSQLite {
			return x.UTC().Format(sqliteTimeLayout), nil
		}
		return x.UTC(), nil
	case dtypes.NaiveTime:
		if c.d.flavor == FlavorSQLite {
			return x.Time.Format(sqliteNaiveLayout), nil
		}
		// Wall fields ride in UTC so drivers write them verbatim.
		return x.Time, nil
	default:
		return nil, fmt.Errorf("datetime column got %T", v)
	}
}

// boundTimes checks datetime cells against the engine's representable
// range. An enforced pipe rejects the first out-of-range value; an
// unenforced pipe stores the engine's extreme and reports a warning.
func (c *Connector) boundTimes(batch pipes.WriteBatch, types map[string]dtypes.Type, enforce bool) ([]string, error) {
	if c.d.timeMin.IsZero() && c.d.timeMax.IsZero() {
		return nil, nil
	}
	var warnings []string
	for _, f := range []*frame.Frame{batch.Inserts, batch.Updates} {
		if f == nil {
			continue
		}
		for _, col := range f.Columns() {
			t, ok := types[col]
			if !ok || !t.IsDatetime() {
				continue
			}
			clamped := false
			for i := 0; i < f.Len(); i++ {
				v, moved, err := c.clampTime(f.Value(i, col), enforce, col)
				if err != nil {
					return nil, err
				}
				if moved {
					f.SetValue(i, col, v)
					clamped = true
				}
			}
			if clamped {
				warnings = append(warnings, fmt.Sprintf(
					"clamped out-of-range values in column %q to the %s datetime limit",
					col, c.d.flavor))
			}
		}
	}
	return warnings, nil
}

// clampTime bounds one datetime cell, preserving its naive or aware form.
func (c *Connector) clampTime(v any, enforce bool, col string) (any, bool, error) {
	instant, naive := time.Time{}, false
	switch x := v.(type) {
	case time.Time:
		instant = x
	case dtypes.NaiveTime:
		instant, naive = x.Time, true
	default:
		return v, false, nil
	}
	bounded := instant
	if bounded.Before(c.d.timeMin) {
		bounded = c.d.timeMin
	} else if bounded.After(c.d.timeMax) {
		bounded = c.d.timeMax
	}
	if bounded.Equal(instant) {
		return v, false, nil
	}
	if enforce {
		return nil, false, meta.Errorf(meta.KindSchema, "bind value",
			"column %q: %s is outside the %s datetime range",
			col, instant.Format(time.RFC3339), c.d.flavor)
	}
	if naive {
		return dtypes.NaiveTime{Time: bounded}, true, nil
	}
	return bounded, true, nil
}

// objectToDriver stores object cells as their JSON text when they are not
// already scalar.
func objectToDriver(v any) (any, error) {
	switch v.(type) {
	case string, []byte, int64, float64, bool, int:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("object column: %w", err)
		}
		return string(data), nil
	}
}

// readValue converts a scanned driver value back to canonical form for
// one declared dtype. Drivers hand back int64, float64, bool, []byte,
// string, time.Time, or nil.
func (c *Connector) readValue(t dtypes.Type, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	// Text-ish columns come back as []byte from several drivers; the
	// bytes dtype is the only one that keeps them raw.
	if b, ok := raw.([]byte); ok && t.Base != dtypes.Bytes {
		raw = string(b)
	}
	if b, ok := raw.([]byte); ok && t.Base == dtypes.Bytes {
		cp := make([]byte, len(b))
		copy(cp, b)
		return cp, nil
	}
	return dtypes.Coerce(raw, t)
}

// scanFrame reads all rows from a cursor into a frame, converting each
// column through the declared dtypes. Columns absent from types pass
// through untouched.
func (c *Connector) scanFrame(rows *sql.Rows, types map[string]dtypes.Type) (*frame.Frame, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := frame.New(cols...)
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]any, len(cols))
		for i, col := range cols {
			t, ok := types[col]
			if !ok {
				row[i] = copyRaw(dest[i])
				continue
			}
			v, err := c.readValue(t, dest[i])
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			row[i] = v
		}
		out.AppendRow(row...)
	}
	return out, rows.Err()
}

// copyRaw detaches driver-owned buffers for columns read without a dtype.
func copyRaw(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
