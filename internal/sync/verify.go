package sync

import (
	"context"
	"time"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// VerifyPlan bounds a verification pass. Begin and End are axis values
// (time.Time, dtypes.NaiveTime, or int64); either may be nil to use the
// target's stored extremes.
type VerifyPlan struct {
	Begin  any
	End    any
	Params map[string]any

	// ChunkMinutes sizes each re-synced window. Zero reads the configured
	// default. Integer axes step by the count directly.
	ChunkMinutes int
}

// Verify re-syncs the pipe's stored range in bounded chunks, replaying
// the source through the filter to backfill gaps and repair drift. Every
// chunk must succeed for the pass to succeed; failed chunks are counted
// and the remaining ones still run.
func (s *Syncer) Verify(ctx context.Context, p *pipes.Pipe, plan VerifyPlan) meta.SuccessTuple {
	params, err := p.Attributes(ctx)
	if err != nil {
		return meta.FromError(err)
	}
	axis := params.Column(pipes.RoleDatetime)
	if axis == "" {
		// No axis to chunk on; one full-range pass.
		return s.Sync(ctx, p, Plan{Begin: plan.Begin, End: plan.End, Params: plan.Params})
	}

	lo := plan.Begin
	if lo == nil {
		lo, err = p.SyncTime(ctx, pipes.SyncTimeQuery{Newest: false, Params: plan.Params})
		if err != nil {
			return meta.FromError(err)
		}
	}
	hi := plan.End
	if hi == nil {
		newest, err := p.SyncTime(ctx, pipes.SyncTimeQuery{Newest: true, Params: plan.Params})
		if err != nil {
			return meta.FromError(err)
		}
		if newest != nil {
			// End bounds are exclusive; step past the newest value so the
			// final chunk includes it.
			hi = axisAdd(newest, time.Minute, 1)
		}
	}
	if lo == nil || hi == nil {
		return meta.OK("nothing to verify for %s", p)
	}

	minutes := plan.ChunkMinutes
	if minutes <= 0 {
		minutes = s.confInt("system:experimental:verify_chunk_minutes",
			s.confInt("system:sync:chunk_minutes", 1440))
	}
	step := time.Duration(minutes) * time.Minute
	units := int64(minutes)

	var (
		total        meta.SyncStats
		chunks       int
		failures     int
		firstFailure string
	)
	for cur := lo; axisBefore(cur, hi); cur = axisAdd(cur, step, units) {
		if err := ctx.Err(); err != nil {
			return cancelTuple(err)
		}
		end := axisAdd(cur, step, units)
		if axisBefore(hi, end) {
			end = hi
		}
		chunks++
		result, stats := s.SyncWithStats(ctx, p, Plan{Begin: cur, End: end, Params: plan.Params})
		total.Add(stats)
		if !result.Success {
			failures++
			if firstFailure == "" {
				firstFailure = result.Message
			}
			s.logger.Warn().Str("pipe", p.String()).
				Interface("begin", cur).Interface("end", end).
				Str("result", result.Message).Msg("verify chunk failed")
		}
	}
	if chunks == 0 {
		return meta.OK("nothing to verify for %s", p)
	}
	if failures > 0 {
		return meta.Fail("%d of %d chunks failed verifying %s; first failure: %s",
			failures, chunks, p, firstFailure)
	}
	return meta.OK("verified %d chunks for %s: %s", chunks, p, total.Message())
}

// axisAdd steps an axis value forward: datetimes by d, integers by units.
func axisAdd(v any, d time.Duration, units int64) any {
	switch x := v.(type) {
	case time.Time:
		return x.Add(d)
	case dtypes.NaiveTime:
		return dtypes.NaiveTime{Time: x.Add(d)}
	case int64:
		return x + units
	}
	return v
}

// axisBefore orders two axis values of the same kind.
func axisBefore(a, b any) bool {
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Before(y)
	case dtypes.NaiveTime:
		y, ok := b.(dtypes.NaiveTime)
		return ok && x.Time.Before(y.Time)
	case int64:
		y, ok := b.(int64)
		return ok && x < y
	}
	return false
}
