// Package testenv provides isolated fixtures for engine tests.
//
// Each environment carries a temp-dir config root, a registry with the
// sql factory installed, and an in-memory sqlite instance resolved
// through that registry, so tests cover the same config → registry →
// factory path the CLI uses. Everything is cleaned up with the test.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := testenv.New(t)
//	    p := env.RegisterPipe("plugin:noaa", "weather", "atl", nil)
//	    env.InsertRows(p, testenv.Frame([]string{"dt", "temp"}, ...))
//	}
package testenv

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/connectors"
	"github.com/mrsm-io/mrsm/internal/connectors/sqlconn"
	"github.com/mrsm-io/mrsm/internal/events"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
	"github.com/mrsm-io/mrsm/internal/sync"
)

// InstanceKeys is the connector key every environment registers its
// sqlite instance under.
const InstanceKeys = "sql:test"

// NewInstance opens a standalone in-memory sqlite connector, bypassing
// config and registry. Prefer New for tests that touch the CLI path.
func NewInstance(t testing.TB) *sqlconn.Connector {
	t.Helper()
	c, err := sqlconn.New(context.Background(), keys.MustParse(InstanceKeys), map[string]any{
		"flavor":   "sqlite",
		"database": ":memory:",
	})
	if err != nil {
		t.Fatalf("testenv: open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Env is a per-test engine environment.
type Env struct {
	t        testing.TB
	Ctx      context.Context
	Cfg      *config.Config
	Registry *connectors.Registry
	Instance pipes.Instance
	Bus      *events.Bus

	syncer *sync.Syncer
}

// New builds an environment over a fresh temp root. The instance is an
// in-memory sqlite connector declared in config as sql:test and resolved
// through the registry.
func New(t testing.TB) *Env {
	t.Helper()

	cfg, err := config.Load(
		config.WithRootDir(t.TempDir()),
		config.WithoutEnv(),
		config.WithPatch(map[string]any{
			"meerschaum": map[string]any{
				"instance": InstanceKeys,
				"connectors": map[string]any{
					"sql": map[string]any{
						"test": map[string]any{
							"flavor":   "sqlite",
							"database": ":memory:",
						},
					},
				},
			},
		}),
	)
	if err != nil {
		t.Fatalf("testenv: load config: %v", err)
	}

	reg := connectors.NewRegistry(cfg, log.Logger)
	if err := reg.RegisterType("sql", sqlconn.Factory); err != nil {
		t.Fatalf("testenv: register sql factory: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	conn, err := reg.Instance(context.Background(), "")
	if err != nil {
		t.Fatalf("testenv: resolve instance: %v", err)
	}
	inst, ok := conn.(pipes.Instance)
	if !ok {
		t.Fatalf("testenv: connector %T is not an instance", conn)
	}

	return &Env{
		t:        t,
		Ctx:      context.Background(),
		Cfg:      cfg,
		Registry: reg,
		Instance: inst,
		Bus:      events.New(log.Logger),
	}
}

// Syncer returns the engine bound to this environment's config and bus.
func (e *Env) Syncer() *sync.Syncer {
	if e.syncer == nil {
		e.syncer = sync.New(e.Cfg, e.Bus)
	}
	return e.syncer
}

// RegisterPipe builds and registers a pipe on the environment's instance.
func (e *Env) RegisterPipe(connectorKeys, metric, location string, params map[string]any) *pipes.Pipe {
	e.t.Helper()
	opts := []pipes.Option{pipes.WithInstance(e.Instance)}
	if params != nil {
		opts = append(opts, pipes.WithParameters(params))
	}
	p, err := pipes.New(connectorKeys, metric, location, opts...)
	if err != nil {
		e.t.Fatalf("testenv: build pipe: %v", err)
	}
	if st := p.Register(e.Ctx); !st.Success {
		e.t.Fatalf("testenv: register %s: %s", p, st.Message)
	}
	return p
}

// WeatherPipe registers the conventional test pipe: datetime axis dt,
// id column station, float column temp_f.
func (e *Env) WeatherPipe() *pipes.Pipe {
	e.t.Helper()
	return e.RegisterPipe("plugin:noaa", "weather", "atl", map[string]any{
		"columns": map[string]any{"datetime": "dt", "id": "station"},
		"dtypes": map[string]any{
			"dt":      "datetime64[ns, UTC]",
			"station": "str",
			"temp_f":  "float",
		},
	})
}

// InsertRows writes a frame straight to the instance, skipping the
// filter stage.
func (e *Env) InsertRows(p *pipes.Pipe, f *frame.Frame) meta.SyncStats {
	e.t.Helper()
	stats, err := e.Instance.SyncPipe(e.Ctx, p, pipes.WriteBatch{Inserts: f})
	if err != nil {
		e.t.Fatalf("testenv: insert rows into %s: %v", p, err)
	}
	return stats
}

// Sync pushes a frame through the full engine pipeline.
func (e *Env) Sync(p *pipes.Pipe, f *frame.Frame) meta.SuccessTuple {
	e.t.Helper()
	return e.Syncer().Sync(e.Ctx, p, sync.Plan{Frame: f})
}

// Frame builds a row frame from a column list and rows.
func Frame(cols []string, rows ...[]any) *frame.Frame {
	f := frame.New(cols...)
	for _, row := range rows {
		f.AppendRow(row...)
	}
	return f
}

// MustTime parses an RFC3339 timestamp.
func MustTime(t testing.TB, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("testenv: parse time %q: %v", s, err)
	}
	return parsed
}
