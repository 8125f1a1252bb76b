// Package apiconn speaks to a remote mrsm HTTP API, presenting it as both
// an instance backend and a source connector.
//
// All requests are JSON posts and gets under /mrsm/v1, authenticated with
// a bearer token. The token comes from the "token" attribute or from a
// login with the "username" and "password" attributes. Server errors
// carry a machine kind alongside the message, so classification survives
// the wire; 5xx responses and transport failures retry with exponential
// backoff before surfacing.
package apiconn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mrsm-io/mrsm/internal/connectors"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// apiPrefix roots every route on the remote server.
const apiPrefix = "/mrsm/v1"

const defaultTimeout = 30 * time.Second

// Connector is an HTTP client for one remote mrsm API.
type Connector struct {
	key     keys.Key
	attrs   map[string]any
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// Factory builds api connectors for the registry.
func Factory(ctx context.Context, k keys.Key, attrs map[string]any) (connectors.Connector, error) {
	return New(ctx, k, attrs)
}

// New connects to the remote API named by the attributes and verifies it
// is healthy. A "token" attribute wins over username/password login.
func New(ctx context.Context, k keys.Key, attrs map[string]any) (*Connector, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	base, err := baseURL(attrs)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "api connector", err)
	}
	timeout := defaultTimeout
	if secs := intAttr(attrs, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	c := &Connector{
		key:     k,
		attrs:   attrs,
		baseURL: base,
		token:   stringAttr(attrs, "token"),
		http:    &http.Client{Timeout: timeout},
		logger: log.With().
			Str("component", "apiconn").
			Str("keys", k.String()).
			Str("url", base).
			Logger(),
	}
	if c.token == "" && stringAttr(attrs, "username") != "" {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	c.logger.Debug().Msg("connected")
	return c, nil
}

// baseURL resolves the server address from the "uri" attribute, falling
// back to protocol/host/port parts.
func baseURL(attrs map[string]any) (string, error) {
	raw := stringAttr(attrs, "uri")
	if raw == "" {
		host := stringAttr(attrs, "host")
		if host == "" {
			return "", fmt.Errorf("missing uri or host attribute")
		}
		protocol := stringAttr(attrs, "protocol")
		if protocol == "" {
			protocol = "http"
		}
		raw = fmt.Sprintf("%s://%s:%d", protocol, host, intAttr(attrs, "port", 8000))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("uri %q is not http or https", raw)
	}
	return strings.TrimSuffix(raw, "/"), nil
}

// login exchanges the username/password attributes for a bearer token.
func (c *Connector) login(ctx context.Context) error {
	body := map[string]any{
		"username": stringAttr(c.attrs, "username"),
		"password": stringAttr(c.attrs, "password"),
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, "login", http.MethodPost, "/login", nil, body, &resp); err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return meta.Errorf(meta.KindConfig, "login", "server returned no access token")
	}
	c.token = resp.AccessToken
	return nil
}

// Keys returns the connector's type:label address.
func (c *Connector) Keys() keys.Key { return c.key }

// Attributes returns the resolved attribute map.
func (c *Connector) Attributes() map[string]any { return c.attrs }

// Ping checks the remote health route and fails when the server reports
// itself unhealthy.
func (c *Connector) Ping(ctx context.Context) error {
	if c.http == nil {
		return meta.E(meta.KindConnector, "ping api", meta.ErrClosed)
	}
	var health struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, nil, &health); err != nil {
		return err
	}
	if health.Status == "unhealthy" {
		return meta.Errorf(meta.KindConnector, "ping api", "remote instance is unhealthy: %s", health.Error)
	}
	return nil
}

// Close drops the underlying transport. Requests after Close fail with
// meta.ErrClosed.
func (c *Connector) Close() error {
	if c.http != nil {
		c.http.CloseIdleConnections()
		c.http = nil
	}
	return nil
}

func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return strings.TrimSpace(s)
}

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
