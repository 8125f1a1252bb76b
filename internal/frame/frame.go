// Package frame provides the in-memory row batch passed between fetch,
// filter, and write stages. A frame is columnar: an ordered set of column
// names with one value slice per column, all the same length. Values use
// the canonical forms produced by the dtypes package.
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mrsm-io/mrsm/internal/dtypes"
)

// Frame is a column-ordered batch of rows.
type Frame struct {
	cols []string
	data map[string][]any
	n    int
}

// New returns an empty frame with the given column order.
func New(cols ...string) *Frame {
	f := &Frame{data: make(map[string][]any, len(cols))}
	for _, c := range cols {
		f.addColumn(c)
	}
	return f
}

// FromRecords builds a frame from row maps. Column order follows first
// appearance; rows missing a column carry nil there.
func FromRecords(records []map[string]any) *Frame {
	f := New()
	for _, rec := range records {
		f.AppendRecord(rec)
	}
	return f
}

func (f *Frame) addColumn(name string) {
	if _, ok := f.data[name]; ok {
		return
	}
	f.cols = append(f.cols, name)
	f.data[name] = make([]any, f.n)
}

// AppendRecord adds one row, growing the column set as needed.
func (f *Frame) AppendRecord(rec map[string]any) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f.addColumn(k)
	}
	for _, c := range f.cols {
		v, ok := rec[c]
		if !ok {
			v = nil
		}
		f.data[c] = append(f.data[c], v)
	}
	f.n++
}

// AppendRow adds one row given values in column order. Missing trailing
// values are nil.
func (f *Frame) AppendRow(values ...any) {
	for i, c := range f.cols {
		var v any
		if i < len(values) {
			v = values[i]
		}
		f.data[c] = append(f.data[c], v)
	}
	f.n++
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return f.n
}

// Columns returns the column names in order. The slice is shared; do not
// mutate.
func (f *Frame) Columns() []string { return f.cols }

// HasColumn reports whether the column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.data[name]
	return ok
}

// Column returns the value slice for a column, or nil if absent. The slice
// is shared; do not mutate.
func (f *Frame) Column(name string) []any { return f.data[name] }

// Value returns the cell at (row, col). Absent columns read as nil.
func (f *Frame) Value(row int, col string) any {
	vals, ok := f.data[col]
	if !ok || row < 0 || row >= len(vals) {
		return nil
	}
	return vals[row]
}

// SetValue writes the cell at (row, col), adding the column if needed.
func (f *Frame) SetValue(row int, col string, v any) {
	f.addColumn(col)
	f.data[col][row] = v
}

// SetColumn replaces a column's values. The slice length must match Len.
func (f *Frame) SetColumn(name string, values []any) error {
	if len(values) != f.n {
		return fmt.Errorf("column %q: %d values for %d rows", name, len(values), f.n)
	}
	f.addColumn(name)
	f.data[name] = values
	return nil
}

// Record materialises one row as a map.
func (f *Frame) Record(row int) map[string]any {
	rec := make(map[string]any, len(f.cols))
	for _, c := range f.cols {
		rec[c] = f.data[c][row]
	}
	return rec
}

// Records materialises the whole frame as row maps.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, f.n)
	for i := range out {
		out[i] = f.Record(i)
	}
	return out
}

// Select returns a new frame containing only the named columns that exist,
// in the given order. Values are shared with the receiver.
func (f *Frame) Select(cols ...string) *Frame {
	out := &Frame{data: make(map[string][]any, len(cols)), n: f.n}
	for _, c := range cols {
		vals, ok := f.data[c]
		if !ok {
			continue
		}
		out.cols = append(out.cols, c)
		out.data[c] = vals
	}
	return out
}

// Take returns a new frame containing the rows at the given indices, in
// order.
func (f *Frame) Take(indices []int) *Frame {
	out := New(f.cols...)
	for _, i := range indices {
		for _, c := range f.cols {
			out.data[c] = append(out.data[c], f.data[c][i])
		}
		out.n++
	}
	return out
}

// Concat appends other's rows to a copy of f, unioning columns.
func Concat(a, b *Frame) *Frame {
	out := New()
	for _, rec := range a.Records() {
		out.AppendRecord(rec)
	}
	for _, rec := range b.Records() {
		out.AppendRecord(rec)
	}
	return out
}

// Bounds returns the minimum and maximum non-null values of a column under
// its dtype's ordering. ok is false when the column is empty or all null.
func (f *Frame) Bounds(col string, t dtypes.Type) (min, max any, ok bool) {
	for _, v := range f.data[col] {
		if v == nil {
			continue
		}
		if !ok {
			min, max, ok = v, v, true
			continue
		}
		if less(v, min, t) {
			min = v
		}
		if less(max, v, t) {
			max = v
		}
	}
	return min, max, ok
}

func less(a, b any, t dtypes.Type) bool {
	switch t.Base {
	case dtypes.Datetime:
		ta, aok := asTime(a)
		tb, bok := asTime(b)
		return aok && bok && ta.Before(tb)
	case dtypes.Int:
		ia, aok := a.(int64)
		ib, bok := b.(int64)
		return aok && bok && ia < ib
	case dtypes.Float:
		fa, aok := a.(float64)
		fb, bok := b.(float64)
		return aok && bok && fa < fb
	default:
		return fmt.Sprint(a) < fmt.Sprint(b)
	}
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case dtypes.NaiveTime:
		return x.Time, true
	}
	return time.Time{}, false
}

// Key renders the row's projection onto cols as a join key. Values are
// serialised under their dtypes so rows from different sources key
// identically. Null cells render as a reserved marker; hasNull reports
// whether any projected cell was null.
func (f *Frame) Key(row int, cols []string, types map[string]dtypes.Type) (key string, hasNull bool) {
	var buf bytes.Buffer
	for _, c := range cols {
		v := f.Value(row, c)
		if v == nil {
			hasNull = true
			buf.WriteString("\x00\x01")
			continue
		}
		buf.WriteString(keyPart(v, types[c]))
		buf.WriteByte(0)
	}
	return buf.String(), hasNull
}

func keyPart(v any, t dtypes.Type) string {
	switch t.Base {
	case dtypes.Datetime:
		if ts, ok := asTime(v); ok {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	case dtypes.Numeric:
		if d, ok := v.(decimalLike); ok {
			return d.String()
		}
	}
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case dtypes.NaiveTime:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
	return fmt.Sprint(v)
}

type decimalLike interface{ String() string }

// MarshalJSON encodes the frame as a list of row objects.
func (f *Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Records())
}

// UnmarshalJSON decodes a list of row objects.
func (f *Frame) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var records []map[string]any
	if err := dec.Decode(&records); err != nil {
		return err
	}
	*f = *FromRecords(records)
	return nil
}
