package valkeyconn

import (
	"context"

	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// fetchChunkRows bounds the rows per yielded frame.
const fetchChunkRows = 10_000

// Fetch reads another pipe's stored rows from this server and yields them
// in row chunks. The fetch parameters name the source triple, defaulting
// to the syncing pipe's own; the source's registration supplies the axis
// column for the incremental bounds.
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
	src, err := pipes.New(ck, mk, lk, pipes.WithInstance(c))
	if err != nil {
		return nil, meta.E(meta.KindConfig, "fetch", err)
	}
	dq := pipes.DataQuery{Begin: q.Begin, End: q.End}
	if fp, ok := fetch["params"].(map[string]any); ok {
		dq.Params = fp
	}
	f, err := c.PipeData(ctx, src, dq)
	if err != nil {
		return nil, err
	}
	return pipes.BatchesOf(chunkFrames(f, fetchChunkRows)...), nil
}

// chunkFrames splits a frame into chunks of at most size rows.
func chunkFrames(f *frame.Frame, size int) []*frame.Frame {
	if f.Len() <= size {
		return []*frame.Frame{f}
	}
	var out []*frame.Frame
	for start := 0; start < f.Len(); start += size {
		stop := start + size
		if stop > f.Len() {
			stop = f.Len()
		}
		idx := make([]int, 0, stop-start)
		for i := start; i < stop; i++ {
			idx = append(idx, i)
		}
		out = append(out, f.Take(idx))
	}
	return out
}
