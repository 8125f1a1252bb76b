package frame

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/meta"
)

func TestFromRecordsColumnUnion(t *testing.T) {
	f := FromRecords([]map[string]any{
		{"dt": "2024-01-01", "id": 1},
		{"dt": "2024-01-02", "id": 2, "v": 3.5},
	})
	if f.Len() != 2 {
		t.Fatalf("Len = %d", f.Len())
	}
	if !f.HasColumn("v") {
		t.Fatal("column v should exist after union")
	}
	if got := f.Value(0, "v"); got != nil {
		t.Errorf("missing cell should read nil, got %v", got)
	}
	if got := f.Value(1, "v"); got != 3.5 {
		t.Errorf("got %v", got)
	}
}

func TestSelectAndTake(t *testing.T) {
	f := FromRecords([]map[string]any{
		{"a": 1, "b": "x", "c": true},
		{"a": 2, "b": "y", "c": false},
		{"a": 3, "b": "z", "c": true},
	})
	sel := f.Select("a", "missing", "c")
	if len(sel.Columns()) != 2 {
		t.Errorf("Select kept %v", sel.Columns())
	}
	sub := f.Take([]int{2, 0})
	if sub.Len() != 2 || sub.Value(0, "a") != 3 || sub.Value(1, "b") != "x" {
		t.Errorf("Take gave %v", sub.Records())
	}
}

func TestBoundsDatetime(t *testing.T) {
	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	f := New("dt")
	f.AppendRow(t1)
	f.AppendRow(nil)
	f.AppendRow(t2)
	f.AppendRow(t3)
	min, max, ok := f.Bounds("dt", dtypes.DatetimeUTC())
	if !ok {
		t.Fatal("expected bounds")
	}
	if !min.(time.Time).Equal(t2) || !max.(time.Time).Equal(t3) {
		t.Errorf("got [%v, %v]", min, max)
	}
	_, _, ok = New("dt").Bounds("dt", dtypes.DatetimeUTC())
	if ok {
		t.Error("empty column should report no bounds")
	}
}

func TestKeyStability(t *testing.T) {
	types := map[string]dtypes.Type{
		"dt": dtypes.DatetimeUTC(),
		"id": dtypes.Of(dtypes.Int),
	}
	utc := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	offset := time.Date(2024, 1, 1, 5, 0, 0, 0, time.FixedZone("x", 2*3600))

	a := New("dt", "id")
	a.AppendRow(utc, int64(1))
	b := New("dt", "id")
	b.AppendRow(offset, int64(1))

	ka, nullA := a.Key(0, []string{"dt", "id"}, types)
	kb, _ := b.Key(0, []string{"dt", "id"}, types)
	if ka != kb {
		t.Errorf("same instant should key identically: %q vs %q", ka, kb)
	}
	if nullA {
		t.Error("no nulls present")
	}

	c := New("dt", "id")
	c.AppendRow(nil, int64(1))
	_, hasNull := c.Key(0, []string{"dt", "id"}, types)
	if !hasNull {
		t.Error("null cell should be reported")
	}
}

func TestEnforceTypes(t *testing.T) {
	f := FromRecords([]map[string]any{
		{"x": "7", "keep": "raw"},
		{"x": "8", "keep": 1},
	})
	err := f.EnforceTypes(map[string]dtypes.Type{"x": dtypes.Of(dtypes.Int)})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if f.Value(0, "x") != int64(7) || f.Value(1, "x") != int64(8) {
		t.Errorf("coercion not applied: %v", f.Records())
	}
	if f.Value(0, "keep") != "raw" {
		t.Error("undeclared column should be untouched")
	}
}

func TestEnforceTypesFailureNamesColumnAndRow(t *testing.T) {
	f := FromRecords([]map[string]any{
		{"x": "7"},
		{"x": "abc"},
	})
	err := f.EnforceTypes(map[string]dtypes.Type{"x": dtypes.Of(dtypes.Int)})
	if err == nil {
		t.Fatal("expected coercion failure")
	}
	if meta.KindOf(err) != meta.KindSchema {
		t.Errorf("kind = %v, want schema", meta.KindOf(err))
	}
	var me *meta.Error
	if !errors.As(err, &me) {
		t.Fatal("expected a classified error")
	}
	msg := err.Error()
	if !strings.Contains(msg, `"x"`) || !strings.Contains(msg, "row 1") {
		t.Errorf("message should name column and row: %q", msg)
	}
}

func TestInferTypesSkipsDeclared(t *testing.T) {
	f := FromRecords([]map[string]any{
		{"x": 1, "y": map[string]any{"a": 1}},
		{"x": 2, "y": []any{"b"}},
	})
	declared := map[string]dtypes.Type{"x": dtypes.Of(dtypes.Numeric)}
	inferred := f.InferTypes(declared)
	if _, ok := inferred["x"]; ok {
		t.Error("declared column should not be re-inferred")
	}
	if inferred["y"].Base != dtypes.JSON {
		t.Errorf("y inferred as %v", inferred["y"])
	}
}

func TestJSONRoundTrip(t *testing.T) {
	f := FromRecords([]map[string]any{
		{"id": int64(1), "name": "a"},
		{"id": int64(2), "name": "b"},
	})
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Frame
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Len() != 2 || back.Value(1, "name") != "b" {
		t.Errorf("got %v", back.Records())
	}
	if _, ok := back.Value(0, "id").(json.Number); !ok {
		t.Errorf("numbers should decode as json.Number, got %T", back.Value(0, "id"))
	}
}
