package connectors

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// Registry resolves connector keys to handles. Factories are registered
// explicitly at startup; there is no import-time side channel.
type Registry struct {
	cfg *config.Config
	log zerolog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]Connector
}

// NewRegistry builds an empty registry over a loaded configuration.
func NewRegistry(cfg *config.Config, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		log:       log.With().Str("component", "connectors").Logger(),
		factories: make(map[string]Factory),
		cache:     make(map[string]Connector),
	}
}

// RegisterType installs the factory for a connector type. Registering the
// same type twice is an error so plugins cannot silently shadow the core
// variants.
func (r *Registry) RegisterType(typ string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if typ == "" || f == nil {
		return meta.Errorf(meta.KindConfig, "register type", "empty connector type or nil factory")
	}
	if _, ok := r.factories[typ]; ok {
		return meta.Errorf(meta.KindConfig, "register type", "connector type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// Types lists the registered connector types.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Get parses a type:label string and returns the memoised connector.
func (r *Registry) Get(ctx context.Context, keyStr string) (Connector, error) {
	k, err := keys.Parse(keyStr)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "parse connector keys", err)
	}
	return r.GetKey(ctx, k)
}

// GetKey returns the memoised connector for a parsed key, building it on
// first use. Construction runs under the registry lock so each key is
// built at most once.
func (r *Registry) GetKey(ctx context.Context, k keys.Key) (Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.cache[k.String()]; ok {
		return conn, nil
	}
	factory, ok := r.factories[k.Type]
	if !ok {
		return nil, meta.Errorf(meta.KindConfig, "get connector",
			"unknown connector type %q (registered: %s)", k.Type, strings.Join(r.typesLocked(), ", "))
	}
	attrs, err := r.attributes(k)
	if err != nil {
		return nil, err
	}
	conn, err := factory(ctx, k, attrs)
	if err != nil {
		return nil, meta.E(meta.KindConnector, "build "+k.String(), err)
	}
	r.cache[k.String()] = conn
	r.log.Debug().Str("keys", k.String()).Msg("built connector")
	return conn, nil
}

func (r *Registry) typesLocked() []string {
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// attributes resolves the attribute map for a key: the per-label config
// subtree over the type's default subtree, or an environment definition
// when the config has neither.
func (r *Registry) attributes(k keys.Key) (map[string]any, error) {
	defaults := r.cfg.Sub("meerschaum:connectors:" + k.Type + ":default")
	labelled := r.cfg.Sub("meerschaum:connectors:" + k.Type + ":" + k.Label)

	if labelled == nil {
		envAttrs, ok, err := attrsFromEnv(k)
		if err != nil {
			return nil, err
		}
		if !ok {
			if defaults == nil {
				return nil, meta.Errorf(meta.KindConfig, "resolve "+k.String(),
					"no configuration for connector %q and %s is unset", k.String(), k.EnvVar())
			}
			return defaults, nil
		}
		labelled = envAttrs
	}
	if defaults == nil {
		return labelled, nil
	}
	return config.Merge(defaults, labelled), nil
}

// Instance resolves instance keys, falling back to the configured default
// instance when keyStr is empty. Chaining through an API connector is
// refused unless the API is HTTPS or the insecure flag is set.
func (r *Registry) Instance(ctx context.Context, keyStr string) (Connector, error) {
	if strings.TrimSpace(keyStr) == "" {
		keyStr = r.cfg.GetString("meerschaum:instance", "sql:main")
	}
	conn, err := r.Get(ctx, keyStr)
	if err != nil {
		return nil, err
	}
	if conn.Keys().Type == "api" {
		if err := r.checkChaining(conn); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// Repository resolves repository keys, falling back to the configured
// default repository.
func (r *Registry) Repository(ctx context.Context, keyStr string) (Connector, error) {
	if strings.TrimSpace(keyStr) == "" {
		keyStr = r.cfg.GetString("meerschaum:default_repository", "api:mrsm")
	}
	return r.Get(ctx, keyStr)
}

func (r *Registry) checkChaining(conn Connector) error {
	uri, _ := conn.Attributes()["uri"].(string)
	if u, err := url.Parse(uri); err == nil && u.Scheme == "https" {
		return nil
	}
	if r.cfg.GetBool("meerschaum:permissions:chaining:insecure_parent_instance", false) {
		return nil
	}
	return meta.Errorf(meta.KindConfig, "chaining",
		"connector %q cannot serve as an instance: parent API must be HTTPS "+
			"(or set meerschaum:permissions:chaining:insecure_parent_instance)",
		conn.Keys().String())
}

// Status describes one live connector for diagnostics output.
type Status struct {
	Keys      string `json:"keys"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// Statuses pings every cached connector and reports the results sorted by
// key.
func (r *Registry) Statuses(ctx context.Context) []Status {
	r.mu.Lock()
	conns := make([]Connector, 0, len(r.cache))
	for _, c := range r.cache {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		s := Status{Keys: c.Keys().String(), Reachable: true}
		if err := c.Ping(ctx); err != nil {
			s.Reachable = false
			s.Error = err.Error()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Keys < out[j].Keys })
	return out
}

// Close releases every cached connector, keeping the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for key, conn := range r.cache {
		if err := conn.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", key, err)
		}
		delete(r.cache, key)
	}
	return first
}
