package dtypes

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestInferColumn(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name   string
		values []any
		want   string
		wantOK bool
	}{
		{"all ints", []any{1, 2, nil, 3}, "int", true},
		{"all floats", []any{1.5, 2.0}, "float", true},
		{"ints with integral floats", []any{1, 2.0}, "int", true},
		{"mixed int and fractional float", []any{1, 2.5}, "numeric", true},
		{"all decimals", []any{decimal.NewFromInt(1), decimal.NewFromFloat(2.5)}, "numeric", true},
		{"decimal with ints", []any{decimal.NewFromInt(1), 2}, "numeric", true},
		{"any dict", []any{"x", map[string]any{"a": 1}}, "json", true},
		{"any list", []any{[]any{"x"}, nil}, "json", true},
		{"all uuids", []any{uuid.New(), uuid.New()}, "uuid", true},
		{"all bytes", []any{[]byte{1}, []byte{2}}, "bytes", true},
		{"all bools", []any{true, false}, "bool", true},
		{"all strings", []any{"a", "b"}, "str", true},
		{"aware times", []any{now, now.Add(time.Hour)}, "datetime64[ns, UTC]", true},
		{"naive times", []any{NaiveTime{now}, NaiveTime{now.Add(time.Hour)}}, "datetime64[ns]", true},
		{"mixed awareness promotes to utc", []any{now, NaiveTime{now}}, "datetime64[ns, UTC]", true},
		{"mixed scalar types", []any{1, "a"}, "object", true},
		{"time with int", []any{now, 1}, "object", true},
		{"all null", []any{nil, nil}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, ok := InferColumn(tt.values)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && typ.String() != tt.want {
				t.Errorf("got %s, want %s", typ, tt.want)
			}
		})
	}
}

func TestInferAxis(t *testing.T) {
	tests := []struct {
		name   string
		values []any
		want   string
		wantOK bool
	}{
		{"naive date string", []any{"2024-01-01"}, "datetime64[ns]", true},
		{"aware string", []any{"2024-01-01T00:00:00Z"}, "datetime64[ns, UTC]", true},
		{"time value", []any{time.Now()}, "datetime64[ns, UTC]", true},
		{"integer axis", []any{nil, 42}, "int", true},
		{"unparseable", []any{"not a date"}, "", false},
		{"all null", []any{nil}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, ok := InferAxis(tt.values)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && typ.String() != tt.want {
				t.Errorf("got %s, want %s", typ, tt.want)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in    string
		aware bool
		ok    bool
	}{
		{"2024-05-01", false, true},
		{"2024-05-01 10:30:00", false, true},
		{"2024-05-01T10:30:00", false, true},
		{"2024-05-01T10:30:00Z", true, true},
		{"2024-05-01T10:30:00+02:00", true, true},
		{"2024-05-01 10:30:00.123456789", false, true},
		{"garbage", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, aware, ok := ParseTime(tt.in)
			if ok != tt.ok || aware != tt.aware {
				t.Errorf("ParseTime(%q) aware=%v ok=%v, want aware=%v ok=%v",
					tt.in, aware, ok, tt.aware, tt.ok)
			}
		})
	}
}
