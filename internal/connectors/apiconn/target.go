package apiconn

import (
	"context"
	"net/http"

	"github.com/mrsm-io/mrsm/internal/pipes"
)

// PipeExists reports whether the remote target holds any data.
func (c *Connector) PipeExists(ctx context.Context, p *pipes.Pipe) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	if err := c.do(ctx, "exists", http.MethodGet, pipePath(p, "exists"), nil, nil, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// PipeColumnsTypes maps column names to the remote backend's physical
// types.
func (c *Connector) PipeColumnsTypes(ctx context.Context, p *pipes.Pipe) (map[string]string, error) {
	var types map[string]string
	if err := c.do(ctx, "columns_types", http.MethodGet, pipePath(p, "columns", "types"), nil, nil, &types); err != nil {
		return nil, err
	}
	if types == nil {
		types = map[string]string{}
	}
	return types, nil
}

// PipeColumnsIndices maps column names to the remote index names covering
// them.
func (c *Connector) PipeColumnsIndices(ctx context.Context, p *pipes.Pipe) (map[string][]string, error) {
	var indices map[string][]string
	if err := c.do(ctx, "columns_indices", http.MethodGet, pipePath(p, "columns", "indices"), nil, nil, &indices); err != nil {
		return nil, err
	}
	if indices == nil {
		indices = map[string][]string{}
	}
	return indices, nil
}

// CreatePipeIndices rebuilds the remote indices over the given columns, or
// the full declared set when cols is nil.
func (c *Connector) CreatePipeIndices(ctx context.Context, p *pipes.Pipe, cols []string) error {
	body := map[string]any{}
	if len(cols) > 0 {
		body["columns"] = cols
	}
	return c.do(ctx, "create_index", http.MethodPost, pipePath(p, "indices", "create"), nil, body, nil)
}

// DropPipeIndices drops the remote indices over the given columns, or all
// pipe indices when cols is nil.
func (c *Connector) DropPipeIndices(ctx context.Context, p *pipes.Pipe, cols []string) error {
	body := map[string]any{}
	if len(cols) > 0 {
		body["columns"] = cols
	}
	return c.do(ctx, "drop_index", http.MethodPost, pipePath(p, "indices", "drop"), nil, body, nil)
}

// DropPipe removes the remote target storage but keeps the registration.
func (c *Connector) DropPipe(ctx context.Context, p *pipes.Pipe) error {
	return c.do(ctx, "drop", http.MethodPost, pipePath(p, "drop"), nil, nil, nil)
}
