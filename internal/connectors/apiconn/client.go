package apiconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// requestRetries bounds the retry attempts after a 5xx or transport
// failure.
const requestRetries = 3

// do sends one JSON request and decodes the response into out. Transport
// failures and 5xx responses retry with exponential backoff; 4xx
// responses are permanent.
func (c *Connector) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	if c.http == nil {
		return meta.E(meta.KindConnector, op, meta.ErrClosed)
	}
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return meta.E(meta.KindInternal, op, err)
		}
	}
	target := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	defer c.observe(op, time.Now())

	var payload []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(meta.E(meta.KindInternal, op, err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.countError(op)
			return meta.E(meta.KindConnector, op, err)
		}
		defer resp.Body.Close()
		payload, err = io.ReadAll(resp.Body)
		if err != nil {
			c.countError(op)
			return meta.E(meta.KindConnector, op, err)
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(meta.Errorf(meta.KindConfig, op, "authentication failed: unauthorized"))
		case resp.StatusCode >= http.StatusInternalServerError:
			c.countError(op)
			return decodeWireError(op, resp.StatusCode, payload)
		case resp.StatusCode >= http.StatusBadRequest:
			return backoff.Permanent(decodeWireError(op, resp.StatusCode, payload))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, requestRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return meta.E(meta.KindInternal, op, err)
	}
	return nil
}

// wireSentinels are reconstructed from server messages so errors.Is keeps
// working on this side of the wire.
var wireSentinels = []error{
	meta.ErrAlreadyRegistered,
	meta.ErrNotRegistered,
	meta.ErrNotFound,
	meta.ErrClosed,
}

// remoteError keeps the server's full message while matching the sentinel
// it names.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// decodeWireError maps an error response onto a classified error. The
// body's kind field wins; otherwise the status code decides.
func decodeWireError(op string, status int, body []byte) error {
	var we struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(body, &we); err != nil || we.Error == "" {
		return meta.Errorf(statusKind(status), op, "http status %d", status)
	}
	kind := meta.Kind(we.Kind)
	if !kind.IsValid() {
		kind = statusKind(status)
	}
	var cause error = errors.New(we.Error)
	for _, sentinel := range wireSentinels {
		if strings.Contains(we.Error, sentinel.Error()) {
			cause = &remoteError{msg: we.Error, sentinel: sentinel}
			break
		}
	}
	return meta.E(kind, op, cause)
}

func statusKind(status int) meta.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return meta.KindConfig
	case status == http.StatusConflict:
		return meta.KindIntegrity
	case status == http.StatusUnprocessableEntity:
		return meta.KindSchema
	case status >= http.StatusInternalServerError:
		return meta.KindTransient
	default:
		return meta.KindConnector
	}
}

// pipePath builds the route for one pipe, with the location's null
// spelling made explicit so the path keeps its four segments.
func pipePath(p *pipes.Pipe, parts ...string) string {
	lk := p.LocationKey()
	if lk == "" {
		lk = "None"
	}
	segs := []string{
		"pipes",
		url.PathEscape(p.ConnectorKeys().String()),
		url.PathEscape(p.MetricKey()),
		url.PathEscape(lk),
	}
	segs = append(segs, parts...)
	return "/" + strings.Join(segs, "/")
}
