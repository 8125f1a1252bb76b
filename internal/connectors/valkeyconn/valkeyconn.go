// Package valkeyconn implements the Valkey connector: a pipes instance
// backend and a fetch source over a Valkey or Redis server.
//
// Layout on the server:
//   - mrsm:pipes                hash: identity triple -> registration JSON
//   - mrsm:pipes:counter        surrogate pipe id sequence
//   - mrsm:pipe:<digest>:rows   hash: row id -> row JSON
//   - mrsm:pipe:<digest>:dt     zset: row ids scored along the datetime axis
//   - mrsm:pipe:<digest>:seq    row id sequence for unconstrained pipes
//
// Rows are stored as dtype-tagged JSON; the datetime zset serves range
// reads and sync times. Pipes without a datetime axis degrade to full-set
// scans over the rows hash.
package valkeyconn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mrsm-io/mrsm/internal/connectors"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

const (
	// pipesKey is the hash of registered pipes on this server.
	pipesKey = "mrsm:pipes"

	// counterKey assigns surrogate pipe ids.
	counterKey = "mrsm:pipes:counter"

	// pipePrefix roots every per-pipe key.
	pipePrefix = "mrsm:pipe:"
)

// Connector speaks RESP to one Valkey server and serves both the instance
// and the fetch-source roles.
type Connector struct {
	key    keys.Key
	attrs  map[string]any
	client *redis.Client
	logger zerolog.Logger
}

// Factory builds a Connector from registry attributes. Register it as the
// "valkey" type.
func Factory(ctx context.Context, k keys.Key, attrs map[string]any) (connectors.Connector, error) {
	return New(ctx, k, attrs)
}

// New opens a client for the server described by attrs and verifies the
// connection. Recognised attributes: uri, host, port, db, username,
// password.
func New(ctx context.Context, k keys.Key, attrs map[string]any) (*Connector, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	opts, err := clientOptions(attrs)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "valkey connector", err)
	}
	c := &Connector{
		key:    k,
		attrs:  attrs,
		client: redis.NewClient(opts),
		logger: log.With().Str("component", "valkeyconn").Str("keys", k.String()).Logger(),
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, meta.E(meta.KindConnector, "ping valkey", err)
	}
	c.logger.Debug().Str("addr", opts.Addr).Msg("connected")
	return c, nil
}

// clientOptions resolves connection options from a URI or from discrete
// host attributes. The valkey:// schemes alias the redis:// ones.
func clientOptions(attrs map[string]any) (*redis.Options, error) {
	if uri := stringAttr(attrs, "uri"); uri != "" {
		uri = strings.Replace(uri, "valkeys://", "rediss://", 1)
		uri = strings.Replace(uri, "valkey://", "redis://", 1)
		opts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("parse uri: %w", err)
		}
		applyRetryDefaults(opts)
		return opts, nil
	}
	host := stringAttr(attrs, "host")
	if host == "" {
		host = "localhost"
	}
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, intAttr(attrs, "port", 6379)),
		Username: stringAttr(attrs, "username"),
		Password: stringAttr(attrs, "password"),
		DB:       intAttr(attrs, "db", 0),
	}
	applyRetryDefaults(opts)
	return opts, nil
}

// applyRetryDefaults keeps transient command failures inside the client so
// single syncs survive brief connection drops.
func applyRetryDefaults(opts *redis.Options) {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.MinRetryBackoff == 0 {
		opts.MinRetryBackoff = 50 * time.Millisecond
	}
	if opts.MaxRetryBackoff == 0 {
		opts.MaxRetryBackoff = time.Second
	}
}

// Keys returns the connector's type:label address.
func (c *Connector) Keys() keys.Key { return c.key }

// Attributes returns the attribute map the connector was built from.
func (c *Connector) Attributes() map[string]any { return c.attrs }

// Client exposes the underlying client for tests.
func (c *Connector) Client() *redis.Client { return c.client }

// Ping verifies the server is reachable.
func (c *Connector) Ping(ctx context.Context) error {
	if c.client == nil {
		return meta.ErrClosed
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return meta.E(meta.KindConnector, "ping", err)
	}
	return nil
}

// Close releases the client's pool.
func (c *Connector) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// tripleField is the registration hash field for a pipe: the identity
// triple as a JSON array, so PipeKeys can decode it without a separator
// convention.
func tripleField(p *pipes.Pipe) string {
	data, _ := json.Marshal([3]string{
		p.ConnectorKeys().String(), p.MetricKey(), p.LocationKey(),
	})
	return string(data)
}

// pipeDigest names the per-pipe key space: a short stable hash of the
// identity triple.
func pipeDigest(p *pipes.Pipe) string {
	sum := sha256.Sum256([]byte(tripleField(p)))
	return hex.EncodeToString(sum[:])[:16]
}

func (c *Connector) rowsKey(p *pipes.Pipe) string { return pipePrefix + pipeDigest(p) + ":rows" }
func (c *Connector) axisKey(p *pipes.Pipe) string { return pipePrefix + pipeDigest(p) + ":dt" }
func (c *Connector) seqKey(p *pipes.Pipe) string  { return pipePrefix + pipeDigest(p) + ":seq" }

// rowID names one row in the rows hash: the digest of its unique-key
// values.
func rowID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// stringAttr reads a string attribute, tolerating nil maps.
func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return strings.TrimSpace(s)
}

// intAttr reads an integer attribute with a default.
func intAttr(attrs map[string]any, key string, def int) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
