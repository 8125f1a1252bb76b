package apiconn

import (
	"context"
	"net/http"
	"net/url"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// SyncPipe ships the batch to the remote instance, which applies its own
// write semantics and returns the stats. Schema and integrity failures
// come back with their kinds intact, so the caller's upsert fallback
// works against remote instances too.
func (c *Connector) SyncPipe(ctx context.Context, p *pipes.Pipe, batch pipes.WriteBatch) (meta.SyncStats, error) {
	if batch.Rows() == 0 {
		return meta.SyncStats{}, nil
	}
	q := url.Values{}
	if batch.Upsert {
		q.Set("upsert", "true")
	}
	if batch.CheckExisting {
		q.Set("check_existing", "true")
	}
	body := map[string]any{}
	if recs := encodeRecords(batch.Inserts); len(recs) > 0 {
		body["inserts"] = recs
	}
	if recs := encodeRecords(batch.Updates); len(recs) > 0 {
		body["updates"] = recs
	}
	var stats meta.SyncStats
	if err := c.do(ctx, "sync", http.MethodPost, pipePath(p, "sync"), q, body, &stats); err != nil {
		return meta.SyncStats{}, err
	}
	return stats, nil
}

// ClearPipe deletes remote rows bounded by the axis and params, returning
// the deleted count.
func (c *Connector) ClearPipe(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, "clear", http.MethodPost, pipePath(p, "clear"), nil, queryWire(q), &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}
