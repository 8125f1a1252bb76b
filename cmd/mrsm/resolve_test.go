package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
	"github.com/mrsm-io/mrsm/internal/testutil/testenv"
)

func TestParseAxis(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{"empty", "", nil},
		{"date", "2024-05-01", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"datetime", "2024-05-01 12:30:00", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
		{"minutes", "2024-05-01 12:30", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
		{"rfc3339", "2024-05-01T12:30:00Z", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
		{"integer", "42", int64(42)},
		{"padded", "  7  ", int64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAxis(tt.raw)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAxisRejectsJunk(t *testing.T) {
	_, err := parseAxis("next tuesday")
	assert.Error(t, err)
	assert.Equal(t, meta.KindConfig, meta.KindOf(err))
}

func TestParseParams(t *testing.T) {
	params, err := parseParams(`{"station": "KATL"}`)
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"station": "KATL"}, params)

	params, err = parseParams("   ")
	assert.NoError(t, err)
	assert.Nil(t, params)

	_, err = parseParams(`{"station":`)
	assert.Error(t, err)
}

func TestFilterFlags(t *testing.T) {
	f := filterFlags{
		connectors: []string{"sql:src"},
		metrics:    []string{"weather"},
		tags:       []string{"prod", "_stale"},
	}
	filter := f.filter()
	assert.Equal(t, []string{"sql:src"}, filter.ConnectorKeys)
	assert.Equal(t, []string{"weather"}, filter.MetricKeys)
	assert.Empty(t, filter.LocationKeys)
	assert.Equal(t, []string{"prod", "_stale"}, filter.Tags)
}

func TestSelectPipes(t *testing.T) {
	e := testenv.New(t)
	e.RegisterPipe("plugin:noaa", "weather", "atl", nil)
	e.RegisterPipe("plugin:noaa", "power", "", nil)

	selected, err := selectPipes(e.Ctx, e.Instance, pipes.KeysFilter{MetricKeys: []string{"weather"}})
	assert.NoError(t, err)
	if assert.Len(t, selected, 1) {
		p := selected[0]
		assert.Equal(t, "weather", p.MetricKey())
		assert.Equal(t, e.Instance, p.Instance())
	}

	all, err := selectPipes(e.Ctx, e.Instance, pipes.KeysFilter{})
	assert.NoError(t, err)
	assert.Len(t, all, 2)
}
