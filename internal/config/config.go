// Package config loads and resolves the layered runtime configuration.
//
// Configuration is assembled from five layers, later layers winning:
// built-in defaults, the files in the config directory (one YAML or JSON
// file per top-level key), the MRSM_CONFIG environment patch, the
// MRSM_PATCH environment patch, and finally any per-invocation patch.
// After merging, MRSM{a:b:c} references inside string values are resolved
// against the merged tree.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mrsm-io/mrsm/internal/meta"
)

// Environment variables recognised by the loader.
const (
	EnvConfig     = "MRSM_CONFIG"
	EnvPatch      = "MRSM_PATCH"
	EnvRootDir    = "MRSM_ROOT_DIR"
	EnvConfigDir  = "MRSM_CONFIG_DIR"
	EnvPluginsDir = "MRSM_PLUGINS_DIR"
	EnvVenvsDir   = "MRSM_VENVS_DIR"
	EnvNoAsk      = "MRSM_NOASK"
)

// symlinksKey is the reserved top-level key inside each config file that
// records which values are MRSM{} references, so an edit and save cycle
// writes the reference back rather than the resolved value.
const symlinksKey = "_symlinks"

// Config is the merged configuration tree.
type Config struct {
	mu    sync.RWMutex
	tree  map[string]any
	links map[string]any
	paths Paths
}

// Option adjusts Load behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	rootDir   string
	skipFiles bool
	skipEnv   bool
	patches   []map[string]any
}

// WithRootDir overrides the root directory, taking precedence over
// MRSM_ROOT_DIR.
func WithRootDir(dir string) Option {
	return func(o *loadOptions) { o.rootDir = dir }
}

// WithPatch appends a per-invocation patch, applied after the environment
// layers.
func WithPatch(patch map[string]any) Option {
	return func(o *loadOptions) { o.patches = append(o.patches, patch) }
}

// WithoutFiles skips the config directory layer. Used by tests and by
// ephemeral instances that must not touch the filesystem.
func WithoutFiles() Option {
	return func(o *loadOptions) { o.skipFiles = true }
}

// WithoutEnv skips the MRSM_CONFIG and MRSM_PATCH layers.
func WithoutEnv() Option {
	return func(o *loadOptions) { o.skipEnv = true }
}

// Load assembles the configuration tree from all layers.
func Load(opts ...Option) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	paths, err := ResolvePaths(o.rootDir)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "resolve paths", err)
	}

	c := &Config{
		tree:  Defaults(paths),
		links: map[string]any{},
		paths: paths,
	}

	if !o.skipFiles {
		if err := c.mergeFiles(); err != nil {
			return nil, err
		}
	}
	if !o.skipEnv {
		for _, env := range []string{EnvConfig, EnvPatch} {
			raw := os.Getenv(env)
			if raw == "" {
				continue
			}
			patch, err := ParsePatch(raw)
			if err != nil {
				return nil, meta.E(meta.KindConfig, env, err)
			}
			c.tree = Merge(c.tree, patch)
		}
	}
	for _, patch := range o.patches {
		c.tree = Merge(c.tree, patch)
	}

	if err := c.substituteAll(); err != nil {
		return nil, err
	}
	return c, nil
}

// mergeFiles reads every file in the config directory whose stem names a
// top-level key. Extensions decide the format; viper handles yaml, yml,
// json, and toml.
func (c *Config) mergeFiles() error {
	entries, err := os.ReadDir(c.paths.ConfigDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return meta.E(meta.KindConfig, "read config dir", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		switch ext {
		case "yaml", "yml", "json", "toml":
		default:
			continue
		}
		key := strings.TrimSuffix(name, filepath.Ext(name))
		sub, err := readFile(filepath.Join(c.paths.ConfigDir, name), ext)
		if err != nil {
			return meta.E(meta.KindConfig, "read "+name, err)
		}
		if links, ok := sub[symlinksKey].(map[string]any); ok {
			c.links[key] = links
			delete(sub, symlinksKey)
		}
		c.tree = Merge(c.tree, map[string]any{key: sub})
	}
	return nil
}

func readFile(path, ext string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(ext)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

// ParsePatch decodes an environment patch. JSON and YAML flow forms are
// both accepted.
func ParsePatch(raw string) (map[string]any, error) {
	var patch map[string]any
	if err := yaml.Unmarshal([]byte(raw), &patch); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	return normalizeTree(patch), nil
}

// Merge applies patch over base recursively. Maps merge key-wise; any
// other value in the patch replaces the base value. Neither input is
// mutated.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		bv, ok := out[k]
		if !ok {
			out[k] = pv
			continue
		}
		bm, bIsMap := bv.(map[string]any)
		pm, pIsMap := pv.(map[string]any)
		if bIsMap && pIsMap {
			out[k] = Merge(bm, pm)
			continue
		}
		out[k] = pv
	}
	return out
}

// normalizeTree rewrites map[any]any nodes produced by YAML into
// map[string]any so the tree has a single map shape.
func normalizeTree(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return normalizeTree(x)
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[fmt.Sprint(k)] = normalizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalizeValue(vv)
		}
		return out
	default:
		return v
	}
}

// Paths returns the resolved resource directories.
func (c *Config) Paths() Paths {
	return c.paths
}

// Get resolves a colon-separated path like "meerschaum:connectors:sql:main".
func (c *Config) Get(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.tree, splitPath(path))
}

func splitPath(path string) []string {
	parts := strings.Split(path, ":")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lookup(tree map[string]any, parts []string) (any, bool) {
	var cur any = tree
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString reads a string at path, falling back to def.
func (c *Config) GetString(path, def string) string {
	v, ok := c.Get(path)
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// GetInt reads an integer at path, falling back to def.
func (c *Config) GetInt(path string, def int) int {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n
		}
	}
	return def
}

// GetFloat reads a float at path, falling back to def.
func (c *Config) GetFloat(path string, def float64) float64 {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool reads a bool at path, falling back to def.
func (c *Config) GetBool(path string, def bool) bool {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return b
		}
	}
	return def
}

// Sub returns a deep copy of the subtree at path, or nil when absent or
// not a map.
func (c *Config) Sub(path string) map[string]any {
	v, ok := c.Get(path)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return deepCopy(m)
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mm, ok := v.(map[string]any); ok {
			out[k] = deepCopy(mm)
			continue
		}
		if ss, ok := v.([]any); ok {
			cp := make([]any, len(ss))
			copy(cp, ss)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Set writes a value at a colon-separated path, creating intermediate
// maps.
func (c *Config) Set(path string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	cur := c.tree
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Patch merges a patch into the live tree and re-resolves references.
func (c *Config) Patch(patch map[string]any) error {
	c.mu.Lock()
	c.tree = Merge(c.tree, normalizeTree(patch))
	c.mu.Unlock()
	return c.substituteAll()
}

// NoAsk reports whether interactive prompts are disabled for this process.
func NoAsk() bool {
	v := strings.TrimSpace(os.Getenv(EnvNoAsk))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Save writes one top-level key back to its file in the config directory,
// re-applying any recorded symlink references so MRSM{} values survive an
// edit cycle.
func (c *Config) Save(topKey string) error {
	c.mu.RLock()
	sub, ok := c.tree[topKey].(map[string]any)
	var links map[string]any
	if l, lok := c.links[topKey].(map[string]any); lok {
		links = l
	}
	c.mu.RUnlock()
	if !ok {
		return meta.Errorf(meta.KindConfig, "save", "no such config key %q", topKey)
	}

	out := deepCopy(sub)
	if links != nil {
		overlayLinks(out, links)
		out[symlinksKey] = links
	}

	if err := os.MkdirAll(c.paths.ConfigDir, 0o755); err != nil {
		return meta.E(meta.KindConfig, "save", err)
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return meta.E(meta.KindConfig, "save", err)
	}
	path := filepath.Join(c.paths.ConfigDir, topKey+".yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return meta.E(meta.KindConfig, "save", err)
	}
	return nil
}

// overlayLinks copies reference strings from the symlink subtree over the
// resolved values, mirroring structure.
func overlayLinks(dst, links map[string]any) {
	for k, lv := range links {
		switch ref := lv.(type) {
		case string:
			dst[k] = ref
		case map[string]any:
			if sub, ok := dst[k].(map[string]any); ok {
				overlayLinks(sub, ref)
			}
		}
	}
}
