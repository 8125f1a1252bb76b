package pluginconn

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// stubModule is a test module with switchable failure modes.
type stubModule struct {
	name     string
	frames   []*frame.Frame
	fetchErr error
	panics   bool
	params   map[string]any
}

func (m *stubModule) Name() string { return m.name }

func (m *stubModule) Fetch(ctx context.Context, p *pipes.Pipe, q pipes.FetchQuery) (pipes.Batches, error) {
	if m.panics {
		panic("boom")
	}
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return pipes.BatchesOf(m.frames...), nil
}

func (m *stubModule) RegisterParams(ctx context.Context, p *pipes.Pipe) (map[string]any, error) {
	return m.params, nil
}

func newTestConnector(t *testing.T, m Module, manifestDir string) *Connector {
	t.Helper()
	reg := NewRegistry(manifestDir)
	if err := reg.Add(m); err != nil {
		t.Fatal(err)
	}
	c, err := New(context.Background(), reg, keys.MustParse("plugin:"+m.Name()), nil)
	if err != nil {
		t.Fatalf("build connector: %v", err)
	}
	return c
}

func testPipe(t *testing.T) *pipes.Pipe {
	t.Helper()
	p, err := pipes.New("plugin:noaa", "weather", "atl")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRegistryAddAndGet(t *testing.T) {
	reg := NewRegistry("")
	if err := reg.Add(&stubModule{name: "noaa"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(&stubModule{name: "tides"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(&stubModule{name: "noaa"}); !errors.Is(err, meta.ErrAlreadyRegistered) {
		t.Errorf("duplicate add: %v", err)
	}
	if _, err := reg.Get("ghost"); !errors.Is(err, meta.ErrNotFound) {
		t.Errorf("unknown module: %v", err)
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "noaa" || names[1] != "tides" {
		t.Errorf("names = %v", names)
	}
}

func TestFactoryResolvesLabel(t *testing.T) {
	reg := NewRegistry("")
	if err := reg.Add(&stubModule{name: "noaa"}); err != nil {
		t.Fatal(err)
	}
	factory := reg.Factory()

	conn, err := factory(context.Background(), keys.MustParse("plugin:noaa"), map[string]any{"station": "KATL"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if conn.Keys().String() != "plugin:noaa" {
		t.Errorf("keys = %s", conn.Keys())
	}
	if conn.Attributes()["station"] != "KATL" {
		t.Errorf("attrs = %v", conn.Attributes())
	}
	if err := conn.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}

	if _, err := factory(context.Background(), keys.MustParse("plugin:ghost"), nil); !errors.Is(err, meta.ErrNotFound) {
		t.Errorf("unknown label: %v", err)
	}
}

func TestFetchYieldsFrames(t *testing.T) {
	f := frame.New("dt", "temp_f")
	f.AppendRow(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), 75.1)
	c := newTestConnector(t, &stubModule{name: "noaa", frames: []*frame.Frame{f}}, "")

	batches, err := c.Fetch(context.Background(), testPipe(t), pipes.FetchQuery{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer batches.Close()

	got, err := batches.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Len() != 1 || got.Value(0, "temp_f") != 75.1 {
		t.Errorf("frame = %v", got)
	}
	if _, err := batches.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("after final batch: %v", err)
	}
}

func TestFetchClassifiesModuleErrors(t *testing.T) {
	c := newTestConnector(t, &stubModule{name: "noaa", fetchErr: errors.New("upstream 503")}, "")
	_, err := c.Fetch(context.Background(), testPipe(t), pipes.FetchQuery{})
	if meta.KindOf(err) != meta.KindPlugin {
		t.Errorf("kind = %v (%v)", meta.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "plugin noaa") {
		t.Errorf("err = %v", err)
	}

	classified := meta.Errorf(meta.KindTransient, "http fetch", "connection reset")
	c = newTestConnector(t, &stubModule{name: "flaky", fetchErr: classified}, "")
	_, err = c.Fetch(context.Background(), testPipe(t), pipes.FetchQuery{})
	if meta.KindOf(err) != meta.KindTransient {
		t.Errorf("classified errors should pass through, kind = %v", meta.KindOf(err))
	}
}

func TestFetchPanicBecomesPluginError(t *testing.T) {
	c := newTestConnector(t, &stubModule{name: "noaa", panics: true}, "")
	_, err := c.Fetch(context.Background(), testPipe(t), pipes.FetchQuery{})
	if meta.KindOf(err) != meta.KindPlugin {
		t.Fatalf("kind = %v (%v)", meta.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Errorf("err = %v", err)
	}
}

func TestRegisterParamsMergesManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := `
version = "0.3.1"
description = "hourly weather"

[parameters.columns]
datetime = "dt"

[parameters.fetch]
backtrack_minutes = 90
`
	if err := os.WriteFile(filepath.Join(dir, "noaa.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &stubModule{name: "noaa", params: map[string]any{
		"columns": map[string]any{"id": "station"},
	}}
	c := newTestConnector(t, m, dir)

	params, err := c.RegisterParams(context.Background(), testPipe(t))
	if err != nil {
		t.Fatalf("RegisterParams: %v", err)
	}
	merged := pipes.NewParams(params)
	if merged.Column(pipes.RoleDatetime) != "dt" {
		t.Errorf("manifest column lost: %v", params)
	}
	if merged.Column(pipes.RoleID) != "station" {
		t.Errorf("module column lost: %v", params)
	}
	if v := intIn(merged.Fetch(), "backtrack_minutes"); v != 90 {
		t.Errorf("backtrack = %d", v)
	}
}

func TestRegisterParamsModuleOverridesManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := `
[parameters.columns]
datetime = "dt"
`
	if err := os.WriteFile(filepath.Join(dir, "noaa.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &stubModule{name: "noaa", params: map[string]any{
		"columns": map[string]any{"datetime": "ts"},
	}}
	c := newTestConnector(t, m, dir)

	params, err := c.RegisterParams(context.Background(), testPipe(t))
	if err != nil {
		t.Fatal(err)
	}
	if col := pipes.NewParams(params).Column(pipes.RoleDatetime); col != "ts" {
		t.Errorf("module should win, got %q", col)
	}
}

func TestManifestMissingIsFine(t *testing.T) {
	c := newTestConnector(t, &stubModule{name: "noaa"}, t.TempDir())
	params, err := c.RegisterParams(context.Background(), testPipe(t))
	if err != nil {
		t.Fatalf("RegisterParams: %v", err)
	}
	if len(params) != 0 {
		t.Errorf("params = %v", params)
	}
}

func TestManifestMalformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "noaa.toml"), []byte("version = [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(dir)
	if err := reg.Add(&stubModule{name: "noaa"}); err != nil {
		t.Fatal(err)
	}
	_, err := New(context.Background(), reg, keys.MustParse("plugin:noaa"), nil)
	if meta.KindOf(err) != meta.KindConfig {
		t.Errorf("kind = %v (%v)", meta.KindOf(err), err)
	}
}

func intIn(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
