// Package sync implements the per-pipe synchronisation engine: the
// filter that partitions candidate rows against the rows already on the
// instance, and the orchestrator that drives fetch, dtype resolution,
// filtering, and writes, reporting a SuccessTuple per pipe.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/events"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// Syncer orchestrates pipe syncs. One Syncer serves the whole process;
// it holds no per-pipe state.
type Syncer struct {
	cfg    *config.Config
	bus    *events.Bus
	logger zerolog.Logger
}

// New builds a Syncer. The bus may be nil when no hooks are registered.
func New(cfg *config.Config, bus *events.Bus) *Syncer {
	return &Syncer{
		cfg:    cfg,
		bus:    bus,
		logger: log.With().Str("component", "sync").Logger(),
	}
}

// Plan describes one sync invocation.
type Plan struct {
	// Frame feeds the sync directly. When nil the pipe's source connector
	// is fetched instead.
	Frame *frame.Frame

	// Begin and End bound the fetch along the datetime axis. A nil Begin
	// defaults to the pipe's sync time minus the backtrack window.
	Begin any
	End   any

	// Params filter the fetch and the existing-row reads.
	Params map[string]any

	// SkipCheckExisting disables the filter so every row writes as unseen.
	SkipCheckExisting bool

	// ChunkInterval overrides the fetch chunking hint.
	ChunkInterval time.Duration
}

// Sync runs one pipe sync and reports the outcome.
func (s *Syncer) Sync(ctx context.Context, p *pipes.Pipe, plan Plan) meta.SuccessTuple {
	result, _ := s.SyncWithStats(ctx, p, plan)
	return result
}

// SyncWithStats is Sync exposing the accumulated row counts, so callers
// composing multiple syncs can total them.
func (s *Syncer) SyncWithStats(ctx context.Context, p *pipes.Pipe, plan Plan) (meta.SuccessTuple, meta.SyncStats) {
	start := time.Now()
	s.dispatch(ctx, events.SyncStarted, p, plan, nil, nil, 0)

	result, stats := s.run(ctx, p, plan)

	// Post hooks still observe cancelled and timed-out runs.
	s.dispatch(context.WithoutCancel(ctx), events.ResultType(result.Success),
		p, plan, &stats, &result, time.Since(start))
	return result, stats
}

// run performs the orchestration: resolve the source, then for each batch
// resolve dtypes, enforce, filter, and write. Every batch must succeed
// for the sync to succeed.
func (s *Syncer) run(ctx context.Context, p *pipes.Pipe, plan Plan) (meta.SuccessTuple, meta.SyncStats) {
	var stats meta.SyncStats
	if p.Instance() == nil {
		return meta.FromError(meta.Errorf(meta.KindConfig, "sync", "%s has no bound instance", p)), stats
	}
	params, err := p.Attributes(ctx)
	if err != nil {
		return meta.FromError(err), stats
	}

	registered, err := p.IsRegistered(ctx)
	if err != nil {
		return meta.FromError(err), stats
	}
	if !registered {
		if result := p.Register(ctx); !result.Success {
			return result, stats
		}
		s.logger.Info().Str("pipe", p.String()).Msg("registered pipe before first sync")
	}

	batches, err := s.resolveSource(ctx, p, params, plan)
	if err != nil {
		return meta.FromError(err), stats
	}
	defer batches.Close()

	filterChunk := s.confInt("system:sync:filter_chunksize", 10000)
	for {
		if err := ctx.Err(); err != nil {
			return cancelTuple(err), stats
		}
		b, err := batches.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if tuple, ok := cancelled(err); ok {
				return tuple, stats
			}
			return meta.FromError(err), stats
		}
		if b.Len() == 0 {
			continue
		}
		for _, chunk := range splitBatch(b, filterChunk) {
			if err := ctx.Err(); err != nil {
				return cancelTuple(err), stats
			}
			batchStats, err := s.syncBatch(ctx, p, plan, chunk)
			if err != nil {
				if tuple, ok := cancelled(err); ok {
					return tuple, stats
				}
				return meta.FromError(err), stats
			}
			stats.Add(batchStats)
		}
	}
	return meta.OK("%s", stats.Message()), stats
}

// resolveSource picks the batch iterator: an explicit frame wins, else
// the source connector fetches, with begin defaulted to the sync time
// minus the backtrack window so late rows replay through the filter.
func (s *Syncer) resolveSource(ctx context.Context, p *pipes.Pipe, params pipes.Params, plan Plan) (pipes.Batches, error) {
	if plan.Frame != nil {
		return pipes.BatchesOf(plan.Frame), nil
	}
	src := p.Source()
	if src == nil {
		return nil, meta.Errorf(meta.KindConfig, "sync",
			"%s has no source connector and no data was given", p)
	}
	q := pipes.FetchQuery{
		Begin:         plan.Begin,
		End:           plan.End,
		Params:        plan.Params,
		ChunkInterval: plan.ChunkInterval,
	}
	if q.Begin == nil {
		begin, err := s.backtrackBegin(ctx, p, params)
		if err != nil {
			return nil, err
		}
		q.Begin = begin
	}
	if q.ChunkInterval == 0 {
		q.ChunkInterval = time.Duration(s.confInt("system:sync:chunk_minutes", 1440)) * time.Minute
	}
	return src.Fetch(ctx, p, q)
}

// backtrackBegin computes the default fetch floor: the newest axis value
// in the target minus the configured backtrack window. An empty target
// fetches unbounded.
func (s *Syncer) backtrackBegin(ctx context.Context, p *pipes.Pipe, params pipes.Params) (any, error) {
	syncTime, err := p.SyncTime(ctx, pipes.SyncTimeQuery{Newest: true})
	if err != nil {
		return nil, err
	}
	if syncTime == nil {
		return nil, nil
	}
	minutes := s.confInt("system:sync:backtrack_minutes", 1440)
	if v, ok := params.Fetch()["backtrack_minutes"]; ok {
		switch x := v.(type) {
		case int:
			minutes = x
		case int64:
			minutes = int(x)
		case float64:
			minutes = int(x)
		}
	}
	switch st := syncTime.(type) {
	case time.Time:
		return st.Add(-time.Duration(minutes) * time.Minute), nil
	case dtypes.NaiveTime:
		return dtypes.NaiveTime{Time: st.Add(-time.Duration(minutes) * time.Minute)}, nil
	case int64:
		// Integer axes back off by the configured count directly.
		return st - int64(minutes), nil
	default:
		return syncTime, nil
	}
}

// syncBatch pushes one batch through dtype resolution, enforcement, the
// filter, and the instance write.
func (s *Syncer) syncBatch(ctx context.Context, p *pipes.Pipe, plan Plan, b *frame.Frame) (meta.SyncStats, error) {
	var stats meta.SyncStats
	params := p.Params()
	types, err := s.resolveTypes(ctx, p, params, b)
	if err != nil {
		return stats, err
	}
	enforce := params.Enforce()
	if enforce {
		if err := enforceFrame(b, types); err != nil {
			return stats, err
		}
	}

	unique := params.UniqueColumns()
	batch := pipes.WriteBatch{
		Inserts: b,
		Updates: b.Take(nil),
		Upsert:  params.Upsert(),
	}
	if !plan.SkipCheckExisting && len(unique) > 0 {
		existing, err := s.existingRows(ctx, p, params, plan, b, types, enforce)
		if err != nil {
			return stats, err
		}
		res := FilterExisting(b, existing, unique, types, FilterOptions{
			NullIndices: params.NullIndices(),
		})
		batch.CheckExisting = true
		if batch.Upsert {
			batch.Inserts = res.Delta
			batch.Updates = res.Delta.Take(nil)
		} else {
			batch.Inserts = res.Unseen
			batch.Updates = res.Updates
		}
	}
	if batch.Rows() == 0 {
		stats.Batches++
		return stats, nil
	}
	written, err := s.writeBatch(ctx, p, batch)
	if err != nil {
		return stats, err
	}
	stats.Add(written)
	return stats, nil
}

// resolveTypes returns the dtype of every batch column: declared dtypes
// win and stay sticky; fresh columns are inferred and the new
// declarations persisted on the pipe. The datetime axis infers from its
// values so string axes parse before enforcement.
func (s *Syncer) resolveTypes(ctx context.Context, p *pipes.Pipe, params pipes.Params, b *frame.Frame) (map[string]dtypes.Type, error) {
	declared, err := params.DTypes()
	if err != nil {
		return nil, meta.E(meta.KindSchema, "declared dtypes", err)
	}
	axis := params.Column(pipes.RoleDatetime)
	types := make(map[string]dtypes.Type, len(declared))
	for col, t := range declared {
		types[col] = t
	}
	fresh := map[string]any{}
	for _, col := range b.Columns() {
		if _, ok := types[col]; ok {
			continue
		}
		var (
			t  dtypes.Type
			ok bool
		)
		if col == axis {
			t, ok = dtypes.InferAxis(b.Column(col))
			if !ok {
				return nil, meta.Errorf(meta.KindSchema, "infer dtypes",
					"cannot infer the datetime axis %q from the batch", col)
			}
		} else {
			t, ok = dtypes.InferColumn(b.Column(col))
			if !ok {
				// All-null column; the backend decides on write.
				continue
			}
		}
		types[col] = t
		fresh[col] = t.String()
	}
	if len(fresh) > 0 {
		err := p.UpdateParameters(ctx, map[string]any{pipes.ParamDTypes: fresh})
		if err != nil {
			return nil, err
		}
	}
	return types, nil
}

// enforceFrame coerces every typed column to its dtype in place.
// Failures name the column and row so the operator can find the cell.
func enforceFrame(f *frame.Frame, types map[string]dtypes.Type) error {
	for _, col := range f.Columns() {
		t, ok := types[col]
		if !ok {
			continue
		}
		vals := f.Column(col)
		out := make([]any, len(vals))
		for i, v := range vals {
			cv, err := dtypes.Coerce(v, t)
			if err != nil {
				return meta.E(meta.KindSchema, "enforce dtypes",
					fmt.Errorf("column %q row %d: %w", col, i, err))
			}
			out[i] = cv
		}
		if err := f.SetColumn(col, out); err != nil {
			return meta.E(meta.KindInternal, "enforce dtypes", err)
		}
	}
	return nil
}

// existingRows reads the instance rows overlapping the batch along the
// datetime axis, widened by one axis quantum per side, projected to the
// batch's columns.
func (s *Syncer) existingRows(ctx context.Context, p *pipes.Pipe, params pipes.Params, plan Plan, b *frame.Frame, types map[string]dtypes.Type, enforce bool) (*frame.Frame, error) {
	q := pipes.DataQuery{
		Columns: b.Columns(),
		Params:  plan.Params,
	}
	axis := params.Column(pipes.RoleDatetime)
	if axis != "" && b.HasColumn(axis) {
		if lo, hi, ok := b.Bounds(axis, types[axis]); ok {
			q.Begin, q.End = widenBounds(lo, hi, types[axis])
		}
	}
	existing, err := p.Data(ctx, q)
	if err != nil {
		return nil, err
	}
	if enforce {
		if err := enforceFrame(existing, types); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// widenBounds pads the query window by one axis quantum on each side: a
// minute for datetime axes, one for integer axes. Reads treat End as
// exclusive, so the pad also keeps the batch maximum inside the window.
func widenBounds(lo, hi any, t dtypes.Type) (any, any) {
	switch t.Base {
	case dtypes.Datetime:
		switch x := lo.(type) {
		case time.Time:
			if y, ok := hi.(time.Time); ok {
				return x.Add(-time.Minute), y.Add(time.Minute)
			}
		case dtypes.NaiveTime:
			if y, ok := hi.(dtypes.NaiveTime); ok {
				return dtypes.NaiveTime{Time: x.Add(-time.Minute)},
					dtypes.NaiveTime{Time: y.Add(time.Minute)}
			}
		}
	case dtypes.Int:
		x, xok := lo.(int64)
		y, yok := hi.(int64)
		if xok && yok {
			return x - 1, y + 1
		}
	}
	return lo, hi
}

// splitBatch bounds the rows fed to one filter pass so the key join stays
// in memory when a source yields a giant frame.
func splitBatch(b *frame.Frame, size int) []*frame.Frame {
	if size <= 0 || b.Len() <= size {
		return []*frame.Frame{b}
	}
	var out []*frame.Frame
	for start := 0; start < b.Len(); start += size {
		end := start + size
		if end > b.Len() {
			end = b.Len()
		}
		idx := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		out = append(out, b.Take(idx))
	}
	return out
}

// writeBatch pushes one partitioned batch through the instance, retrying
// transient failures. A unique-constraint violation on a non-upsert pipe
// means the target carries a constraint the filter could not see, so the
// batch retries once as an upsert to merge instead of collide; a second
// failure is returned as-is.
func (s *Syncer) writeBatch(ctx context.Context, p *pipes.Pipe, batch pipes.WriteBatch) (meta.SyncStats, error) {
	stats, err := s.writeWithRetry(ctx, p, batch)
	if err == nil {
		return stats, nil
	}
	if batch.Upsert || meta.KindOf(err) != meta.KindIntegrity {
		return stats, err
	}
	s.logger.Warn().Str("pipe", p.String()).Err(err).
		Msg("integrity violation, retrying batch as upsert")
	fallback := batch
	fallback.Upsert = true
	return s.writeWithRetry(ctx, p, fallback)
}

// writeWithRetry retries transient write failures with exponential
// backoff under the configured policy. Schema, integrity, and
// cancellation errors stop immediately.
func (s *Syncer) writeWithRetry(ctx context.Context, p *pipes.Pipe, batch pipes.WriteBatch) (meta.SyncStats, error) {
	var stats meta.SyncStats
	op := func() error {
		written, err := p.Instance().SyncPipe(ctx, p, batch)
		if err == nil {
			stats = written
			return nil
		}
		if meta.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, s.newBatchBackoff(ctx))
	return stats, err
}

func (s *Syncer) newBatchBackoff(ctx context.Context) backoff.BackOff {
	// BackOff implementations are stateful; always build a fresh one.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.confFloat("system:sync:retries:backoff_seconds", 1) * float64(time.Second))
	bo.MaxInterval = time.Duration(s.confFloat("system:sync:retries:backoff_max_seconds", 30) * float64(time.Second))
	bo.MaxElapsedTime = 0
	retries := s.confInt("system:sync:retries:max", 3)
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

// dispatch emits a sync event on the bus. Handler errors are logged by
// the bus and never fail the sync.
func (s *Syncer) dispatch(ctx context.Context, t events.Type, p *pipes.Pipe, plan Plan, stats *meta.SyncStats, result *meta.SuccessTuple, elapsed time.Duration) {
	if s.bus == nil {
		return
	}
	ev := &events.Event{
		Type: t,
		Pipe: events.PipeRef{
			Connector: p.ConnectorKeys().String(),
			Metric:    p.MetricKey(),
			Location:  p.LocationKey(),
			Instance:  p.InstanceKeys().String(),
		},
		Target: p.TargetName(0),
		Stats:  stats,
		Result: result,
		At:     time.Now().UTC(),
	}
	if plan.Begin != nil {
		ev.Begin = fmt.Sprint(plan.Begin)
	}
	if plan.End != nil {
		ev.End = fmt.Sprint(plan.End)
	}
	if elapsed > 0 {
		ev.DurationSeconds = elapsed.Seconds()
	}
	if err := s.bus.Dispatch(ctx, ev); err != nil {
		s.logger.Debug().Err(err).Str("event", string(t)).Msg("event dispatch interrupted")
	}
}

// cancelTuple maps a context error to the canonical result message.
func cancelTuple(err error) meta.SuccessTuple {
	if errors.Is(err, context.DeadlineExceeded) || meta.KindOf(err) == meta.KindTimeout {
		return meta.Fail("timeout")
	}
	return meta.Fail("cancelled")
}

// cancelled reports whether err stems from cancellation or deadline
// expiry, returning the canonical tuple when it does.
func cancelled(err error) (meta.SuccessTuple, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cancelTuple(err), true
	}
	switch meta.KindOf(err) {
	case meta.KindCancelled, meta.KindTimeout:
		return cancelTuple(err), true
	}
	return meta.SuccessTuple{}, false
}

func (s *Syncer) confInt(path string, def int) int {
	if s.cfg == nil {
		return def
	}
	return s.cfg.GetInt(path, def)
}

func (s *Syncer) confFloat(path string, def float64) float64 {
	if s.cfg == nil {
		return def
	}
	return s.cfg.GetFloat(path, def)
}
