package dtypes

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestCoerceInt(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    int64
		wantErr bool
	}{
		{"int", 7, 7, false},
		{"int64", int64(-3), -3, false},
		{"string digits", "7", 7, false},
		{"string padded", " 42 ", 42, false},
		{"integral float", 9.0, 9, false},
		{"fractional float", 9.5, 0, true},
		{"alpha string", "abc", 0, true},
		{"bool", true, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, Of(Int))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.(int64) != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoerceBoolConservative(t *testing.T) {
	accepted := map[any]bool{
		true: true, false: false,
		"true": true, "false": false,
		"True": true, "False": false,
		"1": true, "0": false,
		1: true, 0: false,
	}
	for in, want := range accepted {
		got, err := Coerce(in, Of(Bool))
		if err != nil {
			t.Errorf("Coerce(%v, bool): %v", in, err)
			continue
		}
		if got.(bool) != want {
			t.Errorf("Coerce(%v, bool) = %v, want %v", in, got, want)
		}
	}
	for _, in := range []any{"yes", "no", "on", "off", "t", "f", 2, "TRUE"} {
		if _, err := Coerce(in, Of(Bool)); err == nil {
			t.Errorf("Coerce(%v, bool) should fail", in)
		}
	}
	got, err := Coerce(nil, Of(Bool))
	if err != nil || got != nil {
		t.Errorf("nil should pass through, got %v, %v", got, err)
	}
}

func TestCoerceUUIDCanonicalOnly(t *testing.T) {
	id := uuid.MustParse("a9f1d6a2-3a2e-4a44-9db1-2a3a28c5b1ff")
	got, err := Coerce(id.String(), Of(UUID))
	if err != nil {
		t.Fatalf("canonical uuid: %v", err)
	}
	if got.(uuid.UUID) != id {
		t.Errorf("got %v, want %v", got, id)
	}
	for _, in := range []string{
		"a9f1d6a23a2e4a449db12a3a28c5b1ff",
		"{a9f1d6a2-3a2e-4a44-9db1-2a3a28c5b1ff}",
		"not-a-uuid",
	} {
		if _, err := Coerce(in, Of(UUID)); err == nil {
			t.Errorf("Coerce(%q, uuid) should fail", in)
		}
	}
}

func TestCoerceBytesBase64(t *testing.T) {
	got, err := Coerce("aGVsbG8=", Of(Bytes))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if string(got.([]byte)) != "hello" {
		t.Errorf("got %q", got)
	}
	raw := []byte{0x01, 0x02}
	got, err = Coerce(raw, Of(Bytes))
	if err != nil {
		t.Fatalf("raw bytes: %v", err)
	}
	if string(got.([]byte)) != string(raw) {
		t.Errorf("raw bytes altered: %v", got)
	}
	if _, err := Coerce("not base64 !!", Of(Bytes)); err == nil {
		t.Error("invalid base64 should fail")
	}
}

func TestCoerceNumericScale(t *testing.T) {
	got, err := Coerce("3.14159", NumericOf(10, 2))
	if err != nil {
		t.Fatalf("numeric: %v", err)
	}
	if got.(decimal.Decimal).String() != "3.14" {
		t.Errorf("scale not applied: %v", got)
	}
	got, err = Coerce(7, Of(Numeric))
	if err != nil {
		t.Fatalf("int to numeric: %v", err)
	}
	if !got.(decimal.Decimal).Equal(decimal.NewFromInt(7)) {
		t.Errorf("got %v", got)
	}
}

func TestCoerceJSON(t *testing.T) {
	got, err := Coerce(`{"b":1}`, Of(JSON))
	if err != nil {
		t.Fatalf("json object string: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["b"].(float64) != 1 {
		t.Errorf("got %#v", got)
	}
	got, err = Coerce([]any{"x"}, Of(JSON))
	if err != nil {
		t.Fatalf("json list: %v", err)
	}
	if got.([]any)[0] != "x" {
		t.Errorf("got %#v", got)
	}
	if _, err := Coerce("{broken", Of(JSON)); err == nil {
		t.Error("malformed json object string should fail")
	}
}

func TestCoerceTimeRegimes(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	aware := time.Date(2024, 1, 1, 5, 0, 0, 0, berlin)

	t.Run("aware into naive strips after utc conversion", func(t *testing.T) {
		got, err := CoerceTime(aware, DatetimeNaive())
		if err != nil {
			t.Fatal(err)
		}
		nt := got.(NaiveTime)
		if nt.Hour() != 4 || nt.Day() != 1 {
			t.Errorf("want wall 04:00 Jan 1, got %v", nt.Time)
		}
	})

	t.Run("naive into aware assumes utc", func(t *testing.T) {
		got, err := CoerceTime("2024-01-01 05:00:00", DatetimeUTC())
		if err != nil {
			t.Fatal(err)
		}
		ts := got.(time.Time)
		want := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
		if !ts.Equal(want) {
			t.Errorf("got %v, want %v", ts, want)
		}
	})

	t.Run("aware into utc converts", func(t *testing.T) {
		got, err := CoerceTime("2024-01-01T05:00:00+02:00", DatetimeUTC())
		if err != nil {
			t.Fatal(err)
		}
		ts := got.(time.Time)
		if ts.Hour() != 3 || ts.Location() != time.UTC {
			t.Errorf("got %v", ts)
		}
	})

	t.Run("naive string stays naive", func(t *testing.T) {
		got, err := CoerceTime("2024-01-01", DatetimeNaive())
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := got.(NaiveTime); !ok {
			t.Errorf("want NaiveTime, got %T", got)
		}
	})

	t.Run("zoned column converts instants", func(t *testing.T) {
		got, err := CoerceTime("2024-06-01T12:00:00Z", DatetimeZone("Europe/Berlin"))
		if err != nil {
			t.Fatal(err)
		}
		ts := got.(time.Time)
		if ts.Hour() != 14 {
			t.Errorf("want 14:00 Berlin summer time, got %v", ts)
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		if _, err := CoerceTime("not a date", DatetimeUTC()); err == nil {
			t.Error("expected parse failure")
		}
	})
}

func TestEqual(t *testing.T) {
	d1 := decimal.NewFromFloat(1.001)
	d2 := decimal.NewFromFloat(1.004)
	if !Equal(d1, d2, NumericOf(10, 2)) {
		t.Error("numerics should compare at declared scale")
	}
	if Equal(d1, d2, NumericOf(10, 3)) {
		t.Error("scale 3 distinguishes 1.001 and 1.004")
	}
	if !Equal(nil, nil, Of(Int)) {
		t.Error("null equals null")
	}
	if Equal(nil, int64(0), Of(Int)) {
		t.Error("null does not equal zero")
	}
	utc := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	off := time.Date(2024, 1, 1, 5, 0, 0, 0, time.FixedZone("x", 2*3600))
	if !Equal(utc, off, DatetimeUTC()) {
		t.Error("same instant should compare equal")
	}
	if !Equal(map[string]any{"a": []any{1.0}}, map[string]any{"a": []any{1.0}}, Of(JSON)) {
		t.Error("deep json equality")
	}
	if !Equal([]byte{1, 2}, []byte{1, 2}, Of(Bytes)) {
		t.Error("byte equality")
	}
}
