package valkeyconn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// hydrateChunk bounds the fields per HMGET.
const hydrateChunk = 512

// declaredTypes resolves the dtypes of stored columns. Declared dtypes are
// the only schema a key-value target carries.
func declaredTypes(params pipes.Params) (map[string]dtypes.Type, error) {
	declared, err := params.DTypes()
	if err != nil {
		return nil, meta.E(meta.KindSchema, "declared dtypes", err)
	}
	return declared, nil
}

// boundValue coerces a query bound through the axis dtype before
// comparing. Axes without a declared dtype compare verbatim.
func boundValue(t dtypes.Type, typed bool, v any) (any, error) {
	if v == nil || !typed {
		return v, nil
	}
	canon, err := dtypes.Coerce(v, t)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "query bound", err)
	}
	return canon, nil
}

// selectIDs narrows the candidate row ids for a read. Bounded queries use
// the axis zset; unbounded ones walk the zset in axis order and append the
// rows missing from it, and pipes without an axis scan the whole hash in
// id order.
func (c *Connector) selectIDs(ctx context.Context, p *pipes.Pipe, axis string, begin, end any) ([]string, error) {
	if axis != "" && (begin != nil || end != nil) {
		min, max, err := scoreWindow(begin, end)
		if err != nil {
			return nil, err
		}
		ids, err := c.client.ZRangeByScore(ctx, c.axisKey(p), &redis.ZRangeBy{Min: min, Max: max}).Result()
		if err != nil {
			return nil, meta.E(meta.KindConnector, "select rows", err)
		}
		return ids, nil
	}
	if axis != "" {
		ids, err := c.client.ZRange(ctx, c.axisKey(p), 0, -1).Result()
		if err != nil {
			return nil, meta.E(meta.KindConnector, "select rows", err)
		}
		all, err := c.client.HKeys(ctx, c.rowsKey(p)).Result()
		if err != nil {
			return nil, meta.E(meta.KindConnector, "select rows", err)
		}
		indexed := make(map[string]bool, len(ids))
		for _, id := range ids {
			indexed[id] = true
		}
		var stray []string
		for _, id := range all {
			if !indexed[id] {
				stray = append(stray, id)
			}
		}
		sort.Strings(stray)
		return append(ids, stray...), nil
	}
	ids, err := c.client.HKeys(ctx, c.rowsKey(p)).Result()
	if err != nil {
		return nil, meta.E(meta.KindConnector, "select rows", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// hydrate loads and decodes the rows behind ids, skipping ids deleted
// since selection.
func (c *Connector) hydrate(ctx context.Context, key string, ids []string, types map[string]dtypes.Type) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(ids))
	for start := 0; start < len(ids); start += hydrateChunk {
		end := start + hydrateChunk
		if end > len(ids) {
			end = len(ids)
		}
		vals, err := c.client.HMGet(ctx, key, ids[start:end]...).Result()
		if err != nil {
			return nil, meta.E(meta.KindConnector, "load rows", err)
		}
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decodeRow(raw, types)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// matchParams applies the column filters to one decoded record: scalar or
// list values match, string values with the negation prefix exclude, and
// nil matches a missing or null value.
func matchParams(rec map[string]any, params map[string]any, types map[string]dtypes.Type) bool {
	for col, raw := range params {
		v := rec[col]
		t, typed := types[col]
		var positives []any
		nullPositive := false
		for _, fv := range valueList(raw) {
			if fv == nil {
				nullPositive = true
				continue
			}
			if s, ok := fv.(string); ok && strings.HasPrefix(s, "_") && len(s) > 1 {
				rest := s[1:]
				if rest == "None" || rest == "null" {
					if v == nil {
						return false
					}
				} else if filterEqual(v, rest, t, typed) {
					return false
				}
				continue
			}
			positives = append(positives, fv)
		}
		if len(positives) == 0 && !nullPositive {
			continue
		}
		hit := nullPositive && v == nil
		for _, fv := range positives {
			if filterEqual(v, fv, t, typed) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// filterEqual compares a stored value against a filter value, coercing the
// filter through the column dtype when one is declared.
func filterEqual(v, fv any, t dtypes.Type, typed bool) bool {
	if v == nil || fv == nil {
		return false
	}
	if typed {
		cv, err := dtypes.Coerce(fv, t)
		if err != nil {
			return false
		}
		return dtypes.Equal(v, cv, t)
	}
	return looseEqual(v, fv)
}

// looseEqual covers undeclared columns: exact match first, then the
// numeric and time families.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
	}
	if at, ok := asTime(a); ok {
		if bt, ok := asTime(b); ok {
			return at.Equal(bt)
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func valueList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return []any{x}
	}
}

// PipeData reads stored rows. A missing target yields an empty frame.
func (c *Connector) PipeData(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (*frame.Frame, error) {
	exists, err := c.PipeExists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !exists {
		return frame.New(), nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return nil, err
	}
	types, err := declaredTypes(params)
	if err != nil {
		return nil, err
	}
	axis := params.Column(pipes.RoleDatetime)
	axisType, axisTyped := types[axis]
	begin, err := boundValue(axisType, axisTyped, q.Begin)
	if err != nil {
		return nil, err
	}
	end, err := boundValue(axisType, axisTyped, q.End)
	if err != nil {
		return nil, err
	}
	defer c.observe("select", time.Now())
	ids, err := c.selectIDs(ctx, p, axis, begin, end)
	if err != nil {
		return nil, err
	}
	recs, err := c.hydrate(ctx, c.rowsKey(p), ids, types)
	if err != nil {
		return nil, err
	}
	bounded := axis != "" && (begin != nil || end != nil)
	rows := recs[:0]
	for _, rec := range recs {
		if bounded && !axisInRange(rec[axis], begin, end) {
			continue
		}
		if len(q.Params) > 0 && !matchParams(rec, q.Params, types) {
			continue
		}
		rows = append(rows, rec)
	}
	if q.OrderDesc {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	if len(q.Columns) > 0 {
		out := frame.New(q.Columns...)
		for _, rec := range rows {
			proj := make(map[string]any, len(q.Columns))
			for _, col := range q.Columns {
				if v, ok := rec[col]; ok {
					proj[col] = v
				}
			}
			out.AppendRecord(proj)
		}
		return out, nil
	}
	out := frame.New()
	for _, rec := range rows {
		out.AppendRecord(rec)
	}
	return out, nil
}

// PipeRowCount counts rows within the query bounds, avoiding row loads
// when the hash length or the axis zset can answer exactly.
func (c *Connector) PipeRowCount(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (int64, error) {
	exists, err := c.PipeExists(ctx, p)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	if len(q.Params) == 0 && q.Begin == nil && q.End == nil {
		n, err := c.client.HLen(ctx, c.rowsKey(p)).Result()
		if err != nil {
			return 0, meta.E(meta.KindConnector, "row count", err)
		}
		return n, nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return 0, err
	}
	axis := params.Column(pipes.RoleDatetime)
	if len(q.Params) == 0 && axis != "" && exactScore(q.Begin) && exactScore(q.End) {
		min, max, err := scoreWindow(q.Begin, q.End)
		if err != nil {
			return 0, err
		}
		if q.End != nil {
			// End is exclusive; ZCOUNT bounds are inclusive by default.
			max = "(" + max
		}
		n, err := c.client.ZCount(ctx, c.axisKey(p), min, max).Result()
		if err != nil {
			return 0, meta.E(meta.KindConnector, "row count", err)
		}
		return n, nil
	}
	f, err := c.PipeData(ctx, p, q)
	if err != nil {
		return 0, err
	}
	return int64(f.Len()), nil
}

// SyncTime returns the extreme axis value, nil when the target is empty,
// missing, or has no axis.
func (c *Connector) SyncTime(ctx context.Context, p *pipes.Pipe, q pipes.SyncTimeQuery) (any, error) {
	exists, err := c.PipeExists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return nil, err
	}
	axis := params.Column(pipes.RoleDatetime)
	if axis == "" {
		return nil, nil
	}
	types, err := declaredTypes(params)
	if err != nil {
		return nil, err
	}
	if len(q.Params) == 0 {
		start, stop := int64(0), int64(0)
		if q.Newest {
			start, stop = -1, -1
		}
		ids, err := c.client.ZRange(ctx, c.axisKey(p), start, stop).Result()
		if err != nil {
			return nil, meta.E(meta.KindConnector, "sync time", err)
		}
		recs, err := c.hydrate(ctx, c.rowsKey(p), ids, types)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, nil
		}
		v := recs[0][axis]
		if q.RoundDown {
			v = roundDownMinute(v)
		}
		return v, nil
	}
	f, err := c.PipeData(ctx, p, pipes.DataQuery{Params: q.Params, Columns: []string{axis}})
	if err != nil {
		return nil, err
	}
	var extreme any
	for row := 0; row < f.Len(); row++ {
		v := f.Value(row, axis)
		if v == nil {
			continue
		}
		if extreme == nil || (q.Newest && axisLess(extreme, v)) || (!q.Newest && axisLess(v, extreme)) {
			extreme = v
		}
	}
	if extreme == nil {
		return nil, nil
	}
	if q.RoundDown {
		extreme = roundDownMinute(extreme)
	}
	return extreme, nil
}

// roundDownMinute truncates datetime sync times to the minute.
func roundDownMinute(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Truncate(time.Minute)
	case dtypes.NaiveTime:
		return dtypes.NaiveTime{Time: t.Time.Truncate(time.Minute)}
	default:
		return v
	}
}

