package apiconn

import (
	"context"
	"net/http"

	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// dataQueryWire is the JSON body shared by the data, rowcount, and clear
// routes.
type dataQueryWire struct {
	Begin     any            `json:"begin,omitempty"`
	End       any            `json:"end,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Columns   []string       `json:"columns,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	OrderDesc bool           `json:"order_desc,omitempty"`
}

func queryWire(q pipes.DataQuery) dataQueryWire {
	return dataQueryWire{
		Begin:     encodeValue(q.Begin),
		End:       encodeValue(q.End),
		Params:    q.Params,
		Columns:   q.Columns,
		Limit:     q.Limit,
		OrderDesc: q.OrderDesc,
	}
}

// PipeData reads rows from the remote target. Bounds, filters, projection,
// ordering, and the limit all apply server side.
func (c *Connector) PipeData(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (*frame.Frame, error) {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return nil, err
	}
	types, err := declaredTypes(params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Records []map[string]any `json:"records"`
	}
	if err := c.do(ctx, "select", http.MethodPost, pipePath(p, "data"), nil, queryWire(q), &resp); err != nil {
		return nil, err
	}
	return decodeFrame(resp.Records, types, q.Columns), nil
}

// PipeRowCount counts rows in the remote target within the query bounds.
func (c *Connector) PipeRowCount(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, "count", http.MethodPost, pipePath(p, "rowcount"), nil, queryWire(q), &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// SyncTime returns the extreme of the remote datetime axis, nil when the
// target is empty or has no axis.
func (c *Connector) SyncTime(ctx context.Context, p *pipes.Pipe, q pipes.SyncTimeQuery) (any, error) {
	body := map[string]any{
		"newest":     q.Newest,
		"round_down": q.RoundDown,
	}
	if len(q.Params) > 0 {
		body["params"] = q.Params
	}
	var resp struct {
		Value any `json:"value"`
	}
	if err := c.do(ctx, "sync_time", http.MethodPost, pipePath(p, "sync_time"), nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, nil
	}
	return decodeScalar(resp.Value), nil
}
