package valkeyconn

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// PipeExists reports whether the pipe's rows hash holds any data. Hashes
// vanish with their last field, so existence and non-emptiness coincide.
func (c *Connector) PipeExists(ctx context.Context, p *pipes.Pipe) (bool, error) {
	n, err := c.client.Exists(ctx, c.rowsKey(p)).Result()
	if err != nil {
		return false, meta.E(meta.KindConnector, "target exists", err)
	}
	return n > 0, nil
}

// PipeColumnsTypes maps stored column names to dtype strings. Declared
// dtypes are authoritative; undeclared columns infer from one sampled row.
func (c *Connector) PipeColumnsTypes(ctx context.Context, p *pipes.Pipe) (map[string]string, error) {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return nil, err
	}
	declared, err := declaredTypes(params)
	if err != nil {
		return nil, err
	}
	out := dtypes.StringMap(declared)
	exists, err := c.PipeExists(ctx, p)
	if err != nil || !exists {
		return out, err
	}
	fields, _, err := c.client.HScan(ctx, c.rowsKey(p), 0, "", 1).Result()
	if err != nil {
		return nil, meta.E(meta.KindConnector, "columns types", err)
	}
	if len(fields) >= 2 {
		rec, err := decodeRow(fields[1], declared)
		if err != nil {
			return nil, err
		}
		for col, v := range rec {
			if _, ok := out[col]; ok || v == nil {
				continue
			}
			if t, ok := dtypes.InferColumn([]any{v}); ok {
				out[col] = t.String()
			}
		}
	}
	return out, nil
}

// PipeColumnsIndices reports the structures serving as indices: the axis
// zset and the unique columns folded into the row key.
func (c *Connector) PipeColumnsIndices(ctx context.Context, p *pipes.Pipe) (map[string][]string, error) {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return nil, err
	}
	out := map[string][]string{}
	if axis := params.Column(pipes.RoleDatetime); axis != "" {
		out[axis] = append(out[axis], "dt")
	}
	for _, col := range params.UniqueColumns() {
		out[col] = append(out[col], "rowkey")
	}
	return out, nil
}

// CreatePipeIndices rebuilds the axis zset from the rows hash. The row-key
// index is intrinsic to the storage layout and never needs rebuilding.
func (c *Connector) CreatePipeIndices(ctx context.Context, p *pipes.Pipe, only []string) error {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return err
	}
	axis := params.Column(pipes.RoleDatetime)
	if axis == "" || !coversAxis(only, axis) {
		return nil
	}
	types, err := declaredTypes(params)
	if err != nil {
		return err
	}
	all, err := c.client.HGetAll(ctx, c.rowsKey(p)).Result()
	if err != nil {
		return meta.E(meta.KindConnector, "create indices", err)
	}
	defer c.observe("create_index", time.Now())
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.axisKey(p))
	n := 0
	for id, raw := range all {
		rec, err := decodeRow(raw, types)
		if err != nil {
			return err
		}
		score, ok := axisScore(rec[axis])
		if !ok {
			continue
		}
		pipe.ZAdd(ctx, c.axisKey(p), redis.Z{Score: score, Member: id})
		n++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return meta.E(meta.KindConnector, "create indices", err)
	}
	c.logger.Debug().Str("pipe", p.String()).Int("rows", n).Msg("rebuilt axis index")
	return nil
}

// DropPipeIndices removes the axis zset. Reads degrade to full-set scans
// until it is rebuilt.
func (c *Connector) DropPipeIndices(ctx context.Context, p *pipes.Pipe, only []string) error {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return err
	}
	axis := params.Column(pipes.RoleDatetime)
	if axis == "" || !coversAxis(only, axis) {
		return nil
	}
	defer c.observe("drop_index", time.Now())
	if err := c.client.Del(ctx, c.axisKey(p)).Err(); err != nil {
		return meta.E(meta.KindConnector, "drop indices", err)
	}
	return nil
}

// coversAxis checks an index column selection against the axis column.
// An empty selection means every index.
func coversAxis(only []string, axis string) bool {
	if len(only) == 0 {
		return true
	}
	for _, col := range only {
		if col == axis {
			return true
		}
	}
	return false
}

// DropPipe removes the pipe's stored rows, axis index, and row sequence,
// keeping metadata.
func (c *Connector) DropPipe(ctx context.Context, p *pipes.Pipe) error {
	defer c.observe("drop", time.Now())
	err := c.client.Del(ctx, c.rowsKey(p), c.axisKey(p), c.seqKey(p)).Err()
	if err != nil {
		return meta.E(meta.KindConnector, "drop pipe", err)
	}
	c.logger.Info().Str("pipe", p.String()).Msg("dropped target keys")
	return nil
}
