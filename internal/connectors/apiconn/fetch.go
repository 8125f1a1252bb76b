package apiconn

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// fetchPageRows bounds the rows per page request.
const fetchPageRows = 10_000

// fetchBody is the JSON body for one page request.
type fetchBody struct {
	Begin    any            `json:"begin,omitempty"`
	End      any            `json:"end,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// Fetch pages through a remote pipe's stored rows. The fetch parameters
// name the remote triple, defaulting to the syncing pipe's own; pages
// arrive in axis order until the server reports no more.
func (c *Connector) Fetch(ctx context.Context, p *pipes.Pipe, q pipes.FetchQuery) (pipes.Batches, error) {
	fetch := p.Params().Fetch()
	ck := stringAttr(fetch, "connector")
	if ck == "" {
		ck = p.ConnectorKeys().String()
	}
	mk := stringAttr(fetch, "metric")
	if mk == "" {
		mk = p.MetricKey()
	}
	lk := p.LocationKey()
	if v, ok := fetch["location"]; ok {
		lk, _ = v.(string)
	}
	remote, err := pipes.New(ck, mk, lk)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "fetch", err)
	}

	// Decode with the remote pipe's declared dtypes; an unregistered
	// remote falls back to the syncing pipe's own.
	var types map[string]dtypes.Type
	attrs, err := c.PipeAttributes(ctx, remote)
	switch {
	case errors.Is(err, meta.ErrNotRegistered):
		if types, err = declaredTypes(p.Params()); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if types, err = declaredTypes(pipes.NewParams(attrs)); err != nil {
			return nil, err
		}
	}

	body := fetchBody{
		Begin:    encodeValue(q.Begin),
		End:      encodeValue(q.End),
		PageSize: fetchPageRows,
	}
	if fp, ok := fetch["params"].(map[string]any); ok {
		body.Params = fp
	}

	done := false
	next := func(ctx context.Context) (*frame.Frame, error) {
		for !done {
			var resp struct {
				Records []map[string]any `json:"records"`
				More    bool             `json:"more"`
			}
			if err := c.do(ctx, "fetch", http.MethodPost, pipePath(remote, "fetch"), nil, body, &resp); err != nil {
				return nil, err
			}
			body.Page++
			done = !resp.More
			if len(resp.Records) > 0 {
				return decodeFrame(resp.Records, types, nil), nil
			}
		}
		return nil, io.EOF
	}
	return pipes.BatchesFunc(next, nil), nil
}
