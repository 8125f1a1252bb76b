package apiconn

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// RegisterPipe claims the pipe's identity triple on the remote instance.
func (c *Connector) RegisterPipe(ctx context.Context, p *pipes.Pipe) error {
	body := map[string]any{"parameters": p.Params().Raw()}
	return c.do(ctx, "register", http.MethodPost, pipePath(p, "register"), nil, body, nil)
}

// EditPipe persists the pipe's in-memory parameters remotely. With
// patch=true the server merges them into the stored map.
func (c *Connector) EditPipe(ctx context.Context, p *pipes.Pipe, patch bool) error {
	q := url.Values{}
	if patch {
		q.Set("patch", "true")
	}
	body := map[string]any{"parameters": p.Params().Raw()}
	return c.do(ctx, "edit", http.MethodPatch, pipePath(p, "attributes"), q, body, nil)
}

// DeletePipe removes the remote registration and target storage.
func (c *Connector) DeletePipe(ctx context.Context, p *pipes.Pipe) error {
	return c.do(ctx, "delete", http.MethodDelete, pipePath(p), nil, nil, nil)
}

// PipeID returns the surrogate id assigned by the remote instance.
func (c *Connector) PipeID(ctx context.Context, p *pipes.Pipe) (int64, error) {
	var resp struct {
		PipeID int64 `json:"pipe_id"`
	}
	if err := c.do(ctx, "pipe_id", http.MethodGet, pipePath(p, "id"), nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.PipeID, nil
}

// PipeAttributes returns the remotely stored parameters map.
func (c *Connector) PipeAttributes(ctx context.Context, p *pipes.Pipe) (map[string]any, error) {
	var attrs map[string]any
	if err := c.do(ctx, "attributes", http.MethodGet, pipePath(p, "attributes"), nil, nil, &attrs); err != nil {
		return nil, err
	}
	if attrs == nil {
		return map[string]any{}, nil
	}
	return decodeTree(attrs).(map[string]any), nil
}

// PipeKeys lists registered identity triples matching the filter. The
// filter is serialised as repeated query parameters; the server applies
// it, negations included.
func (c *Connector) PipeKeys(ctx context.Context, filter pipes.KeysFilter) ([]pipes.KeyTuple, error) {
	q := url.Values{}
	for _, ck := range filter.ConnectorKeys {
		q.Add("connector", ck)
	}
	for _, mk := range filter.MetricKeys {
		q.Add("metric", mk)
	}
	for _, lk := range filter.LocationKeys {
		q.Add("location", lk)
	}
	for _, tag := range filter.Tags {
		q.Add("tags", tag)
	}
	var tuples []pipes.KeyTuple
	if err := c.do(ctx, "pipe_keys", http.MethodGet, "/pipes", q, nil, &tuples); err != nil {
		return nil, err
	}
	return tuples, nil
}

// storedParams loads the registered parameters, falling back to the pipe's
// in-memory view when the pipe is unregistered.
func (c *Connector) storedParams(ctx context.Context, p *pipes.Pipe) (pipes.Params, error) {
	attrs, err := c.PipeAttributes(ctx, p)
	if errors.Is(err, meta.ErrNotRegistered) {
		return p.Params(), nil
	}
	if err != nil {
		return pipes.Params{}, err
	}
	return pipes.NewParams(attrs), nil
}
