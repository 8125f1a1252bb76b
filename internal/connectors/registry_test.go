package connectors

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/keys"
)

type fakeConn struct {
	keys  keys.Key
	attrs map[string]any
}

func (f *fakeConn) Keys() keys.Key               { return f.keys }
func (f *fakeConn) Attributes() map[string]any   { return f.attrs }
func (f *fakeConn) Ping(_ context.Context) error { return nil }
func (f *fakeConn) Close() error                 { return nil }

func newTestRegistry(t *testing.T, patch map[string]any) *Registry {
	t.Helper()
	opts := []config.Option{
		config.WithRootDir(t.TempDir()),
		config.WithoutEnv(),
	}
	if patch != nil {
		opts = append(opts, config.WithPatch(patch))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return NewRegistry(cfg, zerolog.Nop())
}

func TestRegistryMemoises(t *testing.T) {
	r := newTestRegistry(t, nil)
	built := 0
	err := r.RegisterType("sql", func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		built++
		return &fakeConn{keys: k, attrs: attrs}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := r.Get(ctx, "sql:main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := r.Get(ctx, "sql:main")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if a != b {
		t.Error("same keys should return the same handle")
	}
	if built != 1 {
		t.Errorf("factory ran %d times", built)
	}
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	r := newTestRegistry(t, nil)
	f := func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		return &fakeConn{keys: k, attrs: attrs}, nil
	}
	if err := r.RegisterType("sql", f); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterType("sql", f); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := newTestRegistry(t, nil)
	if _, err := r.Get(context.Background(), "nope:main"); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestAttributesMergeDefaults(t *testing.T) {
	r := newTestRegistry(t, map[string]any{
		"meerschaum": map[string]any{
			"connectors": map[string]any{
				"sql": map[string]any{
					"default": map[string]any{"flavor": "sqlite", "timeout": 5},
					"custom":  map[string]any{"flavor": "postgresql", "host": "db"},
				},
			},
		},
	})
	var got map[string]any
	_ = r.RegisterType("sql", func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		got = attrs
		return &fakeConn{keys: k, attrs: attrs}, nil
	})
	if _, err := r.Get(context.Background(), "sql:custom"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["flavor"] != "postgresql" {
		t.Errorf("label value should win: %v", got["flavor"])
	}
	if got["timeout"] != 5 {
		t.Errorf("default should fill gaps: %v", got["timeout"])
	}
	if got["host"] != "db" {
		t.Errorf("got %v", got)
	}
}

func TestAttributesFromEnvURI(t *testing.T) {
	t.Setenv("MRSM_SQL_REMOTE", "postgresql://user:pw@dbhost:5432/metrics?sslmode=require")
	r := newTestRegistry(t, nil)
	var got map[string]any
	_ = r.RegisterType("sql", func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		got = attrs
		return &fakeConn{keys: k, attrs: attrs}, nil
	})
	if _, err := r.Get(context.Background(), "sql:remote"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["flavor"] != "postgresql" || got["host"] != "dbhost" || got["port"] != 5432 {
		t.Errorf("uri expansion: %v", got)
	}
	if got["username"] != "user" || got["password"] != "pw" || got["database"] != "metrics" {
		t.Errorf("credentials: %v", got)
	}
	if got["sslmode"] != "require" {
		t.Errorf("query params: %v", got)
	}
}

func TestAttributesFromEnvJSON(t *testing.T) {
	t.Setenv("MRSM_VALKEY_CACHE", `{"host": "cache.internal", "port": 6380}`)
	r := newTestRegistry(t, nil)
	var got map[string]any
	_ = r.RegisterType("valkey", func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		got = attrs
		return &fakeConn{keys: k, attrs: attrs}, nil
	})
	if _, err := r.Get(context.Background(), "valkey:cache"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["host"] != "cache.internal" {
		t.Errorf("env json attrs: %v", got)
	}
	// Defaults from the valkey:default subtree still fill gaps.
	if got["db"] != 0 {
		t.Errorf("default merge under env attrs: %v", got)
	}
}

func TestInstanceDefaultFallback(t *testing.T) {
	r := newTestRegistry(t, nil)
	var gotKey keys.Key
	_ = r.RegisterType("sql", func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		gotKey = k
		return &fakeConn{keys: k, attrs: attrs}, nil
	})
	if _, err := r.Instance(context.Background(), ""); err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if gotKey.String() != "sql:main" {
		t.Errorf("default instance = %v", gotKey)
	}
}

func TestChainingRefusedForPlainHTTP(t *testing.T) {
	r := newTestRegistry(t, map[string]any{
		"meerschaum": map[string]any{
			"connectors": map[string]any{
				"api": map[string]any{
					"cloud": map[string]any{"uri": "http://mrsm.example.com"},
				},
			},
		},
	})
	_ = r.RegisterType("api", func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		return &fakeConn{keys: k, attrs: attrs}, nil
	})
	_, err := r.Instance(context.Background(), "api:cloud")
	if err == nil {
		t.Fatal("plain http chaining should be refused")
	}
	if !strings.Contains(err.Error(), "HTTPS") {
		t.Errorf("message should explain the https requirement: %v", err)
	}
}

func TestChainingAllowedForHTTPS(t *testing.T) {
	r := newTestRegistry(t, map[string]any{
		"meerschaum": map[string]any{
			"connectors": map[string]any{
				"api": map[string]any{
					"cloud": map[string]any{"uri": "https://mrsm.example.com"},
				},
			},
		},
	})
	_ = r.RegisterType("api", func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		return &fakeConn{keys: k, attrs: attrs}, nil
	})
	if _, err := r.Instance(context.Background(), "api:cloud"); err != nil {
		t.Errorf("https chaining should be allowed: %v", err)
	}
}

func TestChainingInsecureFlag(t *testing.T) {
	r := newTestRegistry(t, map[string]any{
		"meerschaum": map[string]any{
			"connectors": map[string]any{
				"api": map[string]any{
					"cloud": map[string]any{"uri": "http://mrsm.example.com"},
				},
			},
			"permissions": map[string]any{
				"chaining": map[string]any{"insecure_parent_instance": true},
			},
		},
	})
	_ = r.RegisterType("api", func(_ context.Context, k keys.Key, attrs map[string]any) (Connector, error) {
		return &fakeConn{keys: k, attrs: attrs}, nil
	})
	if _, err := r.Instance(context.Background(), "api:cloud"); err != nil {
		t.Errorf("insecure flag should permit chaining: %v", err)
	}
}
