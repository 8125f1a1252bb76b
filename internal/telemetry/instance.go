package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

const instanceScopeName = "github.com/mrsm-io/mrsm/instance"

// InstrumentedInstance wraps a pipes.Instance with OTel tracing and
// metrics. Every operation gets a span and is counted in mrsm.instance.*
// metrics. Use WrapInstance to create one; it returns the original
// connector unchanged when telemetry is disabled.
type InstrumentedInstance struct {
	inner  pipes.Instance
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	rows   metric.Int64Counter
}

// WrapInstance returns inst decorated with OTel instrumentation. When
// telemetry is disabled, inst is returned as-is with zero overhead. A
// connector that also fetches keeps its Fetch method through the wrapper.
func WrapInstance(inst pipes.Instance) pipes.Instance {
	if !Enabled() {
		return inst
	}
	m := Meter(instanceScopeName)
	ops, _ := m.Int64Counter("mrsm.instance.operations",
		metric.WithDescription("Total instance operations executed"),
	)
	dur, _ := m.Float64Histogram("mrsm.instance.operation.duration",
		metric.WithDescription("Instance operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("mrsm.instance.errors",
		metric.WithDescription("Total instance operation errors"),
	)
	rows, _ := m.Int64Counter("mrsm.instance.rows_written",
		metric.WithDescription("Rows written to pipe targets by SyncPipe"),
	)
	ii := &InstrumentedInstance{
		inner:  inst,
		tracer: Tracer(instanceScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
		rows:   rows,
	}
	if f, ok := inst.(pipes.Fetcher); ok {
		return &instrumentedFetchInstance{InstrumentedInstance: ii, fetcher: f}
	}
	return ii
}

// op starts a span and records a metric for the named instance operation.
func (ii *InstrumentedInstance) op(ctx context.Context, name string, p *pipes.Pipe) (context.Context, trace.Span, time.Time) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", name),
		attribute.String("mrsm.connector", ii.inner.Keys().String()),
	}
	if p != nil {
		attrs = append(attrs, attribute.String("mrsm.pipe", p.String()))
	}
	ctx, span := ii.tracer.Start(ctx, "instance."+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	ii.ops.Add(ctx, 1, metric.WithAttributes(attribute.String("db.operation", name)))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (ii *InstrumentedInstance) done(ctx context.Context, span trace.Span, start time.Time, name string, err error) {
	ms := float64(time.Since(start).Milliseconds())
	op := attribute.String("db.operation", name)
	ii.dur.Record(ctx, ms, metric.WithAttributes(op))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := meta.KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("mrsm.error.kind", string(kind)))
		}
		ii.errs.Add(ctx, 1, metric.WithAttributes(op))
	}
	span.End()
}

// ── Connector surface ───────────────────────────────────────────────────────

func (ii *InstrumentedInstance) Keys() keys.Key { return ii.inner.Keys() }

func (ii *InstrumentedInstance) Attributes() map[string]any { return ii.inner.Attributes() }

func (ii *InstrumentedInstance) Ping(ctx context.Context) error {
	ctx, span, t := ii.op(ctx, "Ping", nil)
	err := ii.inner.Ping(ctx)
	ii.done(ctx, span, t, "Ping", err)
	return err
}

func (ii *InstrumentedInstance) Close() error {
	return ii.inner.Close()
}

// ── Pipe metadata ───────────────────────────────────────────────────────────

func (ii *InstrumentedInstance) RegisterPipe(ctx context.Context, p *pipes.Pipe) error {
	ctx, span, t := ii.op(ctx, "RegisterPipe", p)
	err := ii.inner.RegisterPipe(ctx, p)
	ii.done(ctx, span, t, "RegisterPipe", err)
	return err
}

func (ii *InstrumentedInstance) EditPipe(ctx context.Context, p *pipes.Pipe, patch bool) error {
	ctx, span, t := ii.op(ctx, "EditPipe", p)
	span.SetAttributes(attribute.Bool("mrsm.patch", patch))
	err := ii.inner.EditPipe(ctx, p, patch)
	ii.done(ctx, span, t, "EditPipe", err)
	return err
}

func (ii *InstrumentedInstance) DeletePipe(ctx context.Context, p *pipes.Pipe) error {
	ctx, span, t := ii.op(ctx, "DeletePipe", p)
	err := ii.inner.DeletePipe(ctx, p)
	ii.done(ctx, span, t, "DeletePipe", err)
	return err
}

func (ii *InstrumentedInstance) PipeID(ctx context.Context, p *pipes.Pipe) (int64, error) {
	ctx, span, t := ii.op(ctx, "PipeID", p)
	id, err := ii.inner.PipeID(ctx, p)
	ii.done(ctx, span, t, "PipeID", err)
	return id, err
}

func (ii *InstrumentedInstance) PipeAttributes(ctx context.Context, p *pipes.Pipe) (map[string]any, error) {
	ctx, span, t := ii.op(ctx, "PipeAttributes", p)
	attrs, err := ii.inner.PipeAttributes(ctx, p)
	ii.done(ctx, span, t, "PipeAttributes", err)
	return attrs, err
}

func (ii *InstrumentedInstance) PipeKeys(ctx context.Context, filter pipes.KeysFilter) ([]pipes.KeyTuple, error) {
	ctx, span, t := ii.op(ctx, "PipeKeys", nil)
	tuples, err := ii.inner.PipeKeys(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("mrsm.pipe.count", len(tuples)))
	}
	ii.done(ctx, span, t, "PipeKeys", err)
	return tuples, err
}

func (ii *InstrumentedInstance) PipeExists(ctx context.Context, p *pipes.Pipe) (bool, error) {
	ctx, span, t := ii.op(ctx, "PipeExists", p)
	exists, err := ii.inner.PipeExists(ctx, p)
	ii.done(ctx, span, t, "PipeExists", err)
	return exists, err
}

// ── Target reads ────────────────────────────────────────────────────────────

func (ii *InstrumentedInstance) SyncTime(ctx context.Context, p *pipes.Pipe, q pipes.SyncTimeQuery) (any, error) {
	ctx, span, t := ii.op(ctx, "SyncTime", p)
	span.SetAttributes(attribute.Bool("mrsm.newest", q.Newest))
	st, err := ii.inner.SyncTime(ctx, p, q)
	ii.done(ctx, span, t, "SyncTime", err)
	return st, err
}

func (ii *InstrumentedInstance) PipeData(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (*frame.Frame, error) {
	ctx, span, t := ii.op(ctx, "PipeData", p)
	f, err := ii.inner.PipeData(ctx, p, q)
	if err == nil {
		span.SetAttributes(attribute.Int("mrsm.rows", f.Len()))
	}
	ii.done(ctx, span, t, "PipeData", err)
	return f, err
}

func (ii *InstrumentedInstance) PipeRowCount(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (int64, error) {
	ctx, span, t := ii.op(ctx, "PipeRowCount", p)
	n, err := ii.inner.PipeRowCount(ctx, p, q)
	ii.done(ctx, span, t, "PipeRowCount", err)
	return n, err
}

func (ii *InstrumentedInstance) PipeColumnsTypes(ctx context.Context, p *pipes.Pipe) (map[string]string, error) {
	ctx, span, t := ii.op(ctx, "PipeColumnsTypes", p)
	types, err := ii.inner.PipeColumnsTypes(ctx, p)
	ii.done(ctx, span, t, "PipeColumnsTypes", err)
	return types, err
}

func (ii *InstrumentedInstance) PipeColumnsIndices(ctx context.Context, p *pipes.Pipe) (map[string][]string, error) {
	ctx, span, t := ii.op(ctx, "PipeColumnsIndices", p)
	indices, err := ii.inner.PipeColumnsIndices(ctx, p)
	ii.done(ctx, span, t, "PipeColumnsIndices", err)
	return indices, err
}

// ── Target writes ───────────────────────────────────────────────────────────

func (ii *InstrumentedInstance) SyncPipe(ctx context.Context, p *pipes.Pipe, batch pipes.WriteBatch) (meta.SyncStats, error) {
	ctx, span, t := ii.op(ctx, "SyncPipe", p)
	span.SetAttributes(
		attribute.Int("mrsm.batch.rows", batch.Rows()),
		attribute.Bool("mrsm.upsert", batch.Upsert),
	)
	stats, err := ii.inner.SyncPipe(ctx, p, batch)
	if err == nil {
		ii.rows.Add(ctx, int64(stats.Rows()))
		span.SetAttributes(attribute.Int("mrsm.rows", stats.Rows()))
	}
	ii.done(ctx, span, t, "SyncPipe", err)
	return stats, err
}

func (ii *InstrumentedInstance) ClearPipe(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (int64, error) {
	ctx, span, t := ii.op(ctx, "ClearPipe", p)
	n, err := ii.inner.ClearPipe(ctx, p, q)
	if err == nil {
		span.SetAttributes(attribute.Int64("mrsm.rows", n))
	}
	ii.done(ctx, span, t, "ClearPipe", err)
	return n, err
}

func (ii *InstrumentedInstance) DropPipe(ctx context.Context, p *pipes.Pipe) error {
	ctx, span, t := ii.op(ctx, "DropPipe", p)
	err := ii.inner.DropPipe(ctx, p)
	ii.done(ctx, span, t, "DropPipe", err)
	return err
}

func (ii *InstrumentedInstance) DropPipeIndices(ctx context.Context, p *pipes.Pipe, cols []string) error {
	ctx, span, t := ii.op(ctx, "DropPipeIndices", p)
	err := ii.inner.DropPipeIndices(ctx, p, cols)
	ii.done(ctx, span, t, "DropPipeIndices", err)
	return err
}

func (ii *InstrumentedInstance) CreatePipeIndices(ctx context.Context, p *pipes.Pipe, cols []string) error {
	ctx, span, t := ii.op(ctx, "CreatePipeIndices", p)
	err := ii.inner.CreatePipeIndices(ctx, p, cols)
	ii.done(ctx, span, t, "CreatePipeIndices", err)
	return err
}

// instrumentedFetchInstance preserves the Fetch capability of connectors
// that are both an instance and a source. The Fetch call itself is traced;
// batch iteration is not.
type instrumentedFetchInstance struct {
	*InstrumentedInstance
	fetcher pipes.Fetcher
}

func (fi *instrumentedFetchInstance) Fetch(ctx context.Context, p *pipes.Pipe, q pipes.FetchQuery) (pipes.Batches, error) {
	ctx, span, t := fi.op(ctx, "Fetch", p)
	batches, err := fi.fetcher.Fetch(ctx, p, q)
	fi.done(ctx, span, t, "Fetch", err)
	return batches, err
}
