package valkeyconn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// SyncPipe writes a partitioned batch to the pipe's keys. The rows hash
// and axis zset appear on first write; static pipes reject undeclared
// columns.
func (c *Connector) SyncPipe(ctx context.Context, p *pipes.Pipe, batch pipes.WriteBatch) (meta.SyncStats, error) {
	var stats meta.SyncStats
	if batch.Rows() == 0 {
		return stats, nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return stats, err
	}
	types, order, err := resolveWriteTypes(params, batch)
	if err != nil {
		return stats, err
	}
	if err := c.prepareTarget(ctx, p, params, order); err != nil {
		return stats, err
	}

	if batch.Upsert {
		n, err := c.upsertRows(ctx, p, mergedFrame(batch), params, types)
		if err != nil {
			return stats, err
		}
		stats.Upserted += n
		c.countRows("upsert", n)
		stats.Batches++
		return stats, nil
	}

	if batch.Inserts.Len() > 0 {
		n, err := c.insertRows(ctx, p, batch.Inserts, params, types)
		if err != nil {
			return stats, err
		}
		stats.Inserted += n
		c.countRows("insert", n)
	}
	if batch.Updates.Len() > 0 {
		n, err := c.updateRows(ctx, p, batch.Updates, params, types)
		if err != nil {
			return stats, err
		}
		stats.Updated += n
		c.countRows("update", n)
	}
	stats.Batches++
	return stats, nil
}

// mergedFrame joins the insert and update partitions for upsert writes.
func mergedFrame(batch pipes.WriteBatch) *frame.Frame {
	if batch.Updates.Len() == 0 {
		return batch.Inserts
	}
	if batch.Inserts.Len() == 0 {
		return batch.Updates
	}
	return frame.Concat(batch.Inserts, batch.Updates)
}

// resolveWriteTypes returns the dtype of every batch column: declared
// dtypes win and fresh columns are inferred from the batch values. There
// is no physical schema to read back.
func resolveWriteTypes(params pipes.Params, batch pipes.WriteBatch) (map[string]dtypes.Type, []string, error) {
	declared, err := declaredTypes(params)
	if err != nil {
		return nil, nil, err
	}
	types := make(map[string]dtypes.Type, len(declared))
	for col, t := range declared {
		types[col] = t
	}
	var order []string
	seen := map[string]bool{}
	for _, f := range []*frame.Frame{batch.Inserts, batch.Updates} {
		if f == nil {
			continue
		}
		for _, col := range f.Columns() {
			if seen[col] {
				continue
			}
			seen[col] = true
			order = append(order, col)
			if _, ok := types[col]; ok {
				continue
			}
			t, ok := dtypes.InferColumn(f.Column(col))
			if !ok {
				t = dtypes.Of(dtypes.Object)
			}
			types[col] = t
		}
	}
	return types, order, nil
}

// prepareTarget rejects new columns on static pipes. There is no schema
// to create or grow otherwise.
func (c *Connector) prepareTarget(ctx context.Context, p *pipes.Pipe, params pipes.Params, order []string) error {
	if !params.Static() {
		return nil
	}
	exists, err := c.PipeExists(ctx, p)
	if err != nil || !exists {
		return err
	}
	known, err := c.PipeColumnsTypes(ctx, p)
	if err != nil {
		return err
	}
	var fresh []string
	for _, col := range order {
		if _, ok := known[col]; !ok {
			fresh = append(fresh, col)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	return meta.Errorf(meta.KindSchema, "sync pipe",
		"static pipe %s rejects new columns %v", p, fresh)
}

// rowIDs assigns the hash field for every frame row. Keyed rows hash their
// unique-key values; rows without a usable key draw from the sequence so
// repeated inserts never collide.
func (c *Connector) rowIDs(ctx context.Context, p *pipes.Pipe, f *frame.Frame, params pipes.Params, types map[string]dtypes.Type) ([]string, error) {
	unique := params.UniqueColumns()
	nullKeyed := params.NullIndices()
	ids := make([]string, f.Len())
	fresh := 0
	for row := 0; row < f.Len(); row++ {
		if len(unique) == 0 {
			fresh++
			continue
		}
		key, hasNull := f.Key(row, unique, types)
		if hasNull && !nullKeyed {
			fresh++
			continue
		}
		ids[row] = rowID(key)
	}
	if fresh > 0 {
		end, err := c.client.IncrBy(ctx, c.seqKey(p), int64(fresh)).Result()
		if err != nil {
			return nil, meta.E(meta.KindConnector, "row sequence", err)
		}
		next := end - int64(fresh) + 1
		for row := range ids {
			if ids[row] == "" {
				ids[row] = fmt.Sprintf("r%016x", next)
				next++
			}
		}
	}
	return ids, nil
}

// stageRow queues the hash write and axis score for one record. Rows with
// a null axis leave the zset so range reads skip them.
func (c *Connector) stageRow(ctx context.Context, pipe redis.Pipeliner, p *pipes.Pipe, rec map[string]any, id, axis string) error {
	raw, err := encodeRow(rec)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, c.rowsKey(p), id, raw)
	if axis == "" {
		return nil
	}
	if score, ok := axisScore(rec[axis]); ok {
		pipe.ZAdd(ctx, c.axisKey(p), redis.Z{Score: score, Member: id})
	} else {
		pipe.ZRem(ctx, c.axisKey(p), id)
	}
	return nil
}

// loadRaw fetches the stored JSON for the ids that exist.
func (c *Connector) loadRaw(ctx context.Context, p *pipes.Pipe, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for start := 0; start < len(ids); start += hydrateChunk {
		end := start + hydrateChunk
		if end > len(ids) {
			end = len(ids)
		}
		vals, err := c.client.HMGet(ctx, c.rowsKey(p), ids[start:end]...).Result()
		if err != nil {
			return nil, meta.E(meta.KindConnector, "load rows", err)
		}
		for i, v := range vals {
			if raw, ok := v.(string); ok {
				out[ids[start+i]] = raw
			}
		}
	}
	return out, nil
}

// insertRows appends the frame, guarding keyed rows against collisions the
// way a unique index would: a conflicting id fails the whole frame before
// anything is written.
func (c *Connector) insertRows(ctx context.Context, p *pipes.Pipe, f *frame.Frame, params pipes.Params, types map[string]dtypes.Type) (int, error) {
	unique := params.UniqueColumns()
	ids, err := c.rowIDs(ctx, p, f, params, types)
	if err != nil {
		return 0, err
	}
	if len(unique) > 0 {
		if err := c.checkConflicts(ctx, p, ids, unique); err != nil {
			return 0, err
		}
	}
	defer c.observe("insert", time.Now())
	pipe := c.client.TxPipeline()
	axis := params.Column(pipes.RoleDatetime)
	for row := 0; row < f.Len(); row++ {
		if err := c.stageRow(ctx, pipe, p, f.Record(row), ids[row], axis); err != nil {
			return 0, err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, meta.E(meta.KindConnector, "insert rows", err)
	}
	return f.Len(), nil
}

// checkConflicts fails the batch when any id is already stored or appears
// twice in the frame, standing in for the unique index a relational
// target would enforce.
func (c *Connector) checkConflicts(ctx context.Context, p *pipes.Pipe, ids []string, unique []string) error {
	seen := make(map[string]bool, len(ids))
	distinct := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return duplicateKeyErr(unique)
		}
		seen[id] = true
		distinct = append(distinct, id)
	}
	stored, err := c.loadRaw(ctx, p, distinct)
	if err != nil {
		return err
	}
	if len(stored) > 0 {
		return duplicateKeyErr(unique)
	}
	return nil
}

// duplicateKeyErr classifies key collisions as integrity errors so the
// orchestrator can fall back to an upsert pass.
func duplicateKeyErr(unique []string) error {
	return meta.Errorf(meta.KindIntegrity, "insert rows",
		"duplicate key value violates unique constraint on %s", strings.Join(unique, ", "))
}

// updateRows merges the update partition over the stored rows, matching
// on the effective unique columns. Rows whose match vanished still count
// as attempted.
func (c *Connector) updateRows(ctx context.Context, p *pipes.Pipe, f *frame.Frame, params pipes.Params, types map[string]dtypes.Type) (int, error) {
	unique := params.UniqueColumns()
	if len(unique) == 0 {
		return 0, meta.Errorf(meta.KindSchema, "update rows",
			"pipe %s has no unique columns to match on", p)
	}
	keySet := make(map[string]bool, len(unique))
	for _, k := range unique {
		keySet[k] = true
	}
	var setCols []string
	for _, col := range f.Columns() {
		if !keySet[col] {
			setCols = append(setCols, col)
		}
	}
	if len(setCols) == 0 {
		return 0, nil
	}
	ids := make([]string, f.Len())
	for row := 0; row < f.Len(); row++ {
		key, _ := f.Key(row, unique, types)
		ids[row] = rowID(key)
	}
	existing, err := c.loadRaw(ctx, p, ids)
	if err != nil {
		return 0, err
	}
	defer c.observe("update", time.Now())
	pipe := c.client.TxPipeline()
	axis := params.Column(pipes.RoleDatetime)
	updated := 0
	for row := 0; row < f.Len(); row++ {
		updated++
		raw, ok := existing[ids[row]]
		if !ok {
			continue
		}
		rec, err := decodeRow(raw, types)
		if err != nil {
			return 0, err
		}
		for _, col := range setCols {
			rec[col] = f.Value(row, col)
		}
		if err := c.stageRow(ctx, pipe, p, rec, ids[row], axis); err != nil {
			return 0, err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, meta.E(meta.KindConnector, "update rows", err)
	}
	return updated, nil
}

// upsertRows merges the frame over the stored rows, inserting where no
// match exists. Later duplicates in the frame win.
func (c *Connector) upsertRows(ctx context.Context, p *pipes.Pipe, f *frame.Frame, params pipes.Params, types map[string]dtypes.Type) (int, error) {
	unique := params.UniqueColumns()
	if len(unique) == 0 {
		return 0, meta.Errorf(meta.KindSchema, "upsert rows",
			"pipe %s has no unique columns to upsert on", p)
	}
	ids, err := c.rowIDs(ctx, p, f, params, types)
	if err != nil {
		return 0, err
	}
	existing, err := c.loadRaw(ctx, p, ids)
	if err != nil {
		return 0, err
	}
	defer c.observe("upsert", time.Now())
	axis := params.Column(pipes.RoleDatetime)
	staged := map[string]map[string]any{}
	order := make([]string, 0, f.Len())
	for row := 0; row < f.Len(); row++ {
		id := ids[row]
		base := staged[id]
		if base == nil {
			if raw, ok := existing[id]; ok {
				rec, err := decodeRow(raw, types)
				if err != nil {
					return 0, err
				}
				base = rec
			} else {
				base = map[string]any{}
			}
			order = append(order, id)
		}
		for _, col := range f.Columns() {
			base[col] = f.Value(row, col)
		}
		staged[id] = base
	}
	pipe := c.client.TxPipeline()
	for _, id := range order {
		if err := c.stageRow(ctx, pipe, p, staged[id], id, axis); err != nil {
			return 0, err
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, meta.E(meta.KindConnector, "upsert rows", err)
	}
	return f.Len(), nil
}

// ClearPipe deletes rows in the given range and returns the count.
func (c *Connector) ClearPipe(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (int64, error) {
	exists, err := c.PipeExists(ctx, p)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return 0, err
	}
	types, err := declaredTypes(params)
	if err != nil {
		return 0, err
	}
	axis := params.Column(pipes.RoleDatetime)
	axisType, axisTyped := types[axis]
	begin, err := boundValue(axisType, axisTyped, q.Begin)
	if err != nil {
		return 0, err
	}
	end, err := boundValue(axisType, axisTyped, q.End)
	if err != nil {
		return 0, err
	}
	ids, err := c.selectIDs(ctx, p, axis, begin, end)
	if err != nil {
		return 0, err
	}
	raws, err := c.loadRaw(ctx, p, ids)
	if err != nil {
		return 0, err
	}
	bounded := axis != "" && (begin != nil || end != nil)
	var victims []string
	for _, id := range ids {
		raw, ok := raws[id]
		if !ok {
			continue
		}
		rec, err := decodeRow(raw, types)
		if err != nil {
			return 0, err
		}
		if bounded && !axisInRange(rec[axis], begin, end) {
			continue
		}
		if len(q.Params) > 0 && !matchParams(rec, q.Params, types) {
			continue
		}
		victims = append(victims, id)
	}
	if len(victims) == 0 {
		return 0, nil
	}
	defer c.observe("clear", time.Now())
	pipe := c.client.TxPipeline()
	for start := 0; start < len(victims); start += hydrateChunk {
		stop := start + hydrateChunk
		if stop > len(victims) {
			stop = len(victims)
		}
		chunk := victims[start:stop]
		pipe.HDel(ctx, c.rowsKey(p), chunk...)
		if axis != "" {
			pipe.ZRem(ctx, c.axisKey(p), members(chunk)...)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, meta.E(meta.KindConnector, "clear pipe", err)
	}
	return int64(len(victims)), nil
}

func members(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
