// Package pluginconn adapts in-process plugin modules as source
// connectors.
//
// A Module is ordinary Go code compiled into the binary and added to a
// Registry at startup; the connector label selects the module by name.
// There is no dynamic loading and no import-time registration. A module
// may ship a TOML manifest next to the plugins directory contributing
// default pipe parameters; parameters returned by the module itself win
// over the manifest.
package pluginconn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mrsm-io/mrsm/internal/connectors"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// Module is an in-process plugin: a named fetch implementation. Modules
// may additionally implement pipes.PipeRegistrar to seed parameters at
// registration, Ping for reachability checks, and Close for teardown.
type Module interface {
	// Name is the connector label the module answers to.
	Name() string

	// Fetch yields row batches for the pipe.
	Fetch(ctx context.Context, p *pipes.Pipe, q pipes.FetchQuery) (pipes.Batches, error)
}

// Registry holds the modules available to plugin connectors. It is built
// at startup and handed to the connector registry through Factory.
type Registry struct {
	manifestDir string

	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry builds an empty module registry. manifestDir is the plugins
// directory searched for <name>.toml manifests; it may be empty.
func NewRegistry(manifestDir string) *Registry {
	return &Registry{
		manifestDir: manifestDir,
		modules:     map[string]Module{},
	}
}

// Add registers a module under its name. Adding a second module with the
// same name fails.
func (r *Registry) Add(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := m.Name()
	if _, ok := r.modules[name]; ok {
		return meta.E(meta.KindConfig, "add plugin", fmt.Errorf("%s: %w", name, meta.ErrAlreadyRegistered))
	}
	r.modules[name] = m
	return nil
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, meta.E(meta.KindConfig, "plugin lookup", fmt.Errorf("plugin %s: %w", name, meta.ErrNotFound))
	}
	return m, nil
}

// Names lists the registered module names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory adapts the registry for the connector registry. The connector
// label selects the module.
func (r *Registry) Factory() connectors.Factory {
	return func(ctx context.Context, k keys.Key, attrs map[string]any) (connectors.Connector, error) {
		return New(ctx, r, k, attrs)
	}
}

// Connector exposes one module as a source connector.
type Connector struct {
	key      keys.Key
	attrs    map[string]any
	module   Module
	manifest Manifest
	logger   zerolog.Logger
}

// New resolves the module named by the key's label and loads its manifest
// when one exists.
func New(ctx context.Context, r *Registry, k keys.Key, attrs map[string]any) (*Connector, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	m, err := r.Get(k.Label)
	if err != nil {
		return nil, err
	}
	manifest, err := loadManifest(r.manifestDir, k.Label)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		key:      k,
		attrs:    attrs,
		module:   m,
		manifest: manifest,
		logger: log.With().
			Str("component", "pluginconn").
			Str("keys", k.String()).
			Logger(),
	}
	if manifest.Version != "" {
		c.logger.Debug().Str("version", manifest.Version).Msg("plugin loaded")
	}
	return c, nil
}

// Keys returns the connector's type:label address.
func (c *Connector) Keys() keys.Key { return c.key }

// Attributes returns the resolved attribute map.
func (c *Connector) Attributes() map[string]any { return c.attrs }

// Ping delegates to the module when it checks reachability; modules
// without external state are always reachable.
func (c *Connector) Ping(ctx context.Context) error {
	if pinger, ok := c.module.(interface{ Ping(context.Context) error }); ok {
		return classifyPluginErr("ping plugin", c.module.Name(), pinger.Ping(ctx))
	}
	return nil
}

// Close tears the module down when it holds resources.
func (c *Connector) Close() error {
	if closer, ok := c.module.(interface{ Close() error }); ok {
		return classifyPluginErr("close plugin", c.module.Name(), closer.Close())
	}
	return nil
}

// classifyPluginErr tags unclassified module errors with the plugin kind.
// Already-classified errors and context errors pass through.
func classifyPluginErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var classified *meta.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return meta.E(meta.KindPlugin, op, fmt.Errorf("plugin %s: %w", name, err))
}
