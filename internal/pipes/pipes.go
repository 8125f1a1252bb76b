package pipes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// Pipe is a named, addressable data stream. The identity fields never
// change after construction; parameters are mutable through the
// write-through cache guarded by mu.
type Pipe struct {
	connectorKeys keys.Key
	metricKey     string
	locationKey   string
	instanceKeys  keys.Key

	instance Instance
	source   Fetcher

	mu     sync.Mutex
	params map[string]any
	loaded bool
	id     int64
}

// Option configures a Pipe at construction.
type Option func(*Pipe)

// WithInstance binds the storage backend handle.
func WithInstance(inst Instance) Option {
	return func(p *Pipe) {
		p.instance = inst
		if inst != nil {
			p.instanceKeys = inst.Keys()
		}
	}
}

// WithSource binds the source connector used by fetch-driven syncs.
func WithSource(f Fetcher) Option {
	return func(p *Pipe) { p.source = f }
}

// WithParameters seeds the local parameters cache without touching the
// instance. Used at registration time and by tests.
func WithParameters(params map[string]any) Option {
	return func(p *Pipe) {
		p.params = copyTree(params)
		p.loaded = true
	}
}

// New builds a pipe identity. The location key is normalised: the literal
// strings "None", "none", and "null" collapse to absent.
func New(connectorKeys, metricKey, locationKey string, opts ...Option) (*Pipe, error) {
	ck, err := keys.Parse(connectorKeys)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "new pipe", err)
	}
	if strings.TrimSpace(metricKey) == "" {
		return nil, meta.Errorf(meta.KindConfig, "new pipe", "empty metric key")
	}
	if strings.HasPrefix(metricKey, keys.NegationPrefix) {
		return nil, meta.Errorf(meta.KindConfig, "new pipe",
			"metric key %q uses the reserved prefix %q", metricKey, keys.NegationPrefix)
	}
	p := &Pipe{
		connectorKeys: ck,
		metricKey:     metricKey,
		locationKey:   NormalizeLocation(locationKey),
	}
	if strings.HasPrefix(p.locationKey, keys.NegationPrefix) {
		return nil, meta.Errorf(meta.KindConfig, "new pipe",
			"location key %q uses the reserved prefix %q", locationKey, keys.NegationPrefix)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NormalizeLocation collapses the textual null spellings to the empty
// string.
func NormalizeLocation(loc string) string {
	switch strings.TrimSpace(loc) {
	case "", "None", "none", "null", "NULL", "nil":
		return ""
	default:
		return strings.TrimSpace(loc)
	}
}

// ConnectorKeys returns the source connector address.
func (p *Pipe) ConnectorKeys() keys.Key { return p.connectorKeys }

// MetricKey returns the metric component of the identity.
func (p *Pipe) MetricKey() string { return p.metricKey }

// LocationKey returns the location component, "" when absent.
func (p *Pipe) LocationKey() string { return p.locationKey }

// InstanceKeys returns the instance connector address.
func (p *Pipe) InstanceKeys() keys.Key { return p.instanceKeys }

// Instance returns the bound storage backend.
func (p *Pipe) Instance() Instance { return p.instance }

// Source returns the bound source connector, nil when the pipe is fed
// directly with frames.
func (p *Pipe) Source() Fetcher { return p.source }

// Tuple returns the identity triple used in listings.
func (p *Pipe) Tuple() KeyTuple {
	return KeyTuple{
		ConnectorKeys: p.connectorKeys.String(),
		MetricKey:     p.metricKey,
		LocationKey:   p.locationKey,
	}
}

// String renders the identity the way results are printed.
func (p *Pipe) String() string {
	if p.locationKey == "" {
		return fmt.Sprintf("Pipe(%s, %s)", p.connectorKeys, p.metricKey)
	}
	return fmt.Sprintf("Pipe(%s, %s, %s)", p.connectorKeys, p.metricKey, p.locationKey)
}

// TargetName returns the physical table name: the explicit target
// parameter if set, else the derived name bounded to maxIdent characters
// with a stable hash suffix when truncation is needed. maxIdent <= 0 means
// unbounded.
func (p *Pipe) TargetName(maxIdent int) string {
	p.mu.Lock()
	explicit := NewParams(p.params).Target()
	p.mu.Unlock()
	if explicit != "" {
		return boundIdent(explicit, maxIdent)
	}
	name := p.connectorKeys.FlatName() + "_" + p.metricKey
	if p.locationKey != "" {
		name += "_" + p.locationKey
	}
	return boundIdent(name, maxIdent)
}

// boundIdent truncates a name to max characters, replacing the tail with a
// short hash of the full name so distinct long names stay distinct.
func boundIdent(name string, max int) string {
	if max <= 0 || len(name) <= max {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	if max <= len(suffix) {
		return hex.EncodeToString(sum[:])[:max]
	}
	return name[:max-len(suffix)] + suffix
}

// Params returns a snapshot view of the cached parameters. Call
// Attributes first when the cache may be cold.
func (p *Pipe) Params() Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NewParams(copyTree(p.params))
}

// UniqueColumns returns the effective unique constraint from the cached
// parameters.
func (p *Pipe) UniqueColumns() []string {
	return p.Params().UniqueColumns()
}

// DeclaredTypes parses the cached dtype declarations, defaulting the
// datetime axis column to tz-aware UTC when it is declared as a role but
// carries no dtype.
func (p *Pipe) DeclaredTypes() (map[string]dtypes.Type, error) {
	params := p.Params()
	declared, err := params.DTypes()
	if err != nil {
		return nil, meta.E(meta.KindSchema, "declared dtypes", err)
	}
	return declared, nil
}
