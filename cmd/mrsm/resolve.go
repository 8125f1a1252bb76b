package main

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
	"github.com/mrsm-io/mrsm/internal/telemetry"
	"github.com/mrsm-io/mrsm/internal/timeparsing"
)

// filterFlags bind the shared pipe selection flags.
type filterFlags struct {
	connectors []string
	metrics    []string
	locations  []string
	tags       []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVarP(&f.connectors, "connector-keys", "c", nil, "Filter by connector keys (type:label)")
	fl.StringSliceVarP(&f.metrics, "metric-keys", "m", nil, "Filter by metric keys")
	fl.StringSliceVarP(&f.locations, "location-keys", "l", nil, "Filter by location keys")
	fl.StringSliceVarP(&f.tags, "tags", "t", nil, "Filter by tags (prefix with _ to exclude)")
}

func (f *filterFlags) filter() pipes.KeysFilter {
	return pipes.KeysFilter{
		ConnectorKeys: f.connectors,
		MetricKeys:    f.metrics,
		LocationKeys:  f.locations,
		Tags:          f.tags,
	}
}

// resolveInstance builds the instance connector for -i (or the configured
// default), wrapped with telemetry when enabled.
func resolveInstance(ctx context.Context) (pipes.Instance, error) {
	conn, err := registry.Instance(ctx, instanceFlag)
	if err != nil {
		return nil, err
	}
	inst, ok := conn.(pipes.Instance)
	if !ok {
		return nil, meta.Errorf(meta.KindConfig, "resolve instance",
			"connector %s cannot act as an instance", conn.Keys())
	}
	return telemetry.WrapInstance(inst), nil
}

// selectPipes lists the registered pipes matching the filter and binds
// each to the instance.
func selectPipes(ctx context.Context, inst pipes.Instance, filter pipes.KeysFilter) ([]*pipes.Pipe, error) {
	tuples, err := inst.PipeKeys(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*pipes.Pipe, 0, len(tuples))
	for _, t := range tuples {
		p, err := pipes.New(t.ConnectorKeys, t.MetricKey, t.LocationKey, pipes.WithInstance(inst))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// selectSyncTargets is selectPipes with each pipe's source connector
// attached. Building a connector may dial, so only the syncing verbs pay
// that cost. A pipe whose source cannot be built stays selected; its
// sync reports the failure as a per-pipe tuple.
func selectSyncTargets(ctx context.Context, inst pipes.Instance, filter pipes.KeysFilter) ([]*pipes.Pipe, error) {
	tuples, err := inst.PipeKeys(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*pipes.Pipe, 0, len(tuples))
	for _, t := range tuples {
		opts := []pipes.Option{pipes.WithInstance(inst)}
		conn, cerr := registry.Get(ctx, t.ConnectorKeys)
		if cerr != nil {
			log.Warn().Err(cerr).Str("connector", t.ConnectorKeys).
				Msg("source connector unavailable")
		} else if f, ok := conn.(pipes.Fetcher); ok {
			opts = append(opts, pipes.WithSource(f))
		}
		p, perr := pipes.New(t.ConnectorKeys, t.MetricKey, t.LocationKey, opts...)
		if perr != nil {
			return nil, perr
		}
		out = append(out, p)
	}
	return out, nil
}

// parseParams accepts the same JSON / simplified-dict forms as MRSM_PATCH.
func parseParams(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return config.ParsePatch(raw)
}

// parseAxis turns a --begin/--end flag into an axis value: a UTC
// timestamp for datetime layouts and relative offsets (-1d, +6h), an
// int64 for bare integers, nil when empty.
func parseAxis(raw string) (any, error) {
	return timeparsing.ParseBound(raw, time.Now())
}
