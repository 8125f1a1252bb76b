// Package sched drives pipe syncs across a bounded worker pool: once, in
// a timed loop, or on a parsed schedule.
//
// Pipes are the unit of scheduling. Each iteration syncs every selected
// pipe at most once, workers run concurrently up to the pool bound, and
// results are collected into a map keyed by pipe. Iterations never
// overlap; a run that outlasts its schedule slot fires again as soon as
// it finishes. Long-running modes guard the root directory with a file
// lock so two schedulers cannot drive the same pipes, and watch the
// config directory so edited selections apply on the next iteration.
package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// SyncFunc runs one pipe sync. The context carries the per-pipe timeout;
// failures are reported through the tuple, never an error.
type SyncFunc func(ctx context.Context, p *pipes.Pipe) meta.SuccessTuple

// SelectFunc resolves the pipes an iteration should sync. It runs once
// at startup and again after the config directory changes.
type SelectFunc func(ctx context.Context) ([]*pipes.Pipe, error)

// Options tune one Runner.
type Options struct {
	// Workers caps concurrent pipe syncs. Zero means the CPU count.
	Workers int

	// PoolSize caps workers at the instance connection pool size, so the
	// scheduler never queues on the backend. Zero means uncapped.
	PoolSize int

	// Timeout bounds each pipe sync. Zero means unbounded.
	Timeout time.Duration

	// MinInterval spaces loop iterations: the next iteration starts no
	// sooner than this after the previous one began.
	MinInterval time.Duration

	// Loop repeats iterations until the context is cancelled.
	Loop bool

	// Count bounds the number of iterations. Zero means once, or forever
	// when Loop or Schedule is set.
	Count int

	// Schedule fires iterations at parsed schedule instants.
	Schedule *Schedule

	// LockPath is the scheduler lock file for repeating modes. Empty
	// disables locking.
	LockPath string

	// WatchDir is the config directory to watch for selection changes in
	// repeating modes. Empty disables watching.
	WatchDir string
}

// Results maps pipe names to sync outcomes for one iteration.
type Results map[string]meta.SuccessTuple

// AnySuccess reports whether at least one pipe succeeded. The process
// exit mirrors this for the final iteration.
func (r Results) AnySuccess() bool {
	for _, tuple := range r {
		if tuple.Success {
			return true
		}
	}
	return false
}

// Succeeded counts successful pipes.
func (r Results) Succeeded() int {
	n := 0
	for _, tuple := range r {
		if tuple.Success {
			n++
		}
	}
	return n
}

// Runner executes sync iterations over a selected pipe set.
type Runner struct {
	selectPipes SelectFunc
	syncPipe    SyncFunc
	opts        Options
	logger      zerolog.Logger
	reselect    atomic.Bool
}

// New builds a Runner around a pipe selector and a per-pipe sync.
func New(selectPipes SelectFunc, syncPipe SyncFunc, opts Options) *Runner {
	return &Runner{
		selectPipes: selectPipes,
		syncPipe:    syncPipe,
		opts:        opts,
		logger:      log.With().Str("component", "sched").Logger(),
	}
}

// Run executes iterations until the mode is satisfied or the context
// ends, and returns the final iteration's results. Setup failures (lock
// held, empty selection, a schedule that never fires) return an error;
// pipe failures only shape the results.
func (r *Runner) Run(ctx context.Context) (Results, error) {
	if r.repeats() && r.opts.LockPath != "" {
		lock := flock.New(r.opts.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, meta.E(meta.KindInternal, "run scheduler", err)
		}
		if !locked {
			return nil, meta.Errorf(meta.KindConfig, "run scheduler",
				"another scheduler holds %s", r.opts.LockPath)
		}
		defer func() { _ = lock.Unlock() }()
	}
	if r.repeats() && r.opts.WatchDir != "" {
		stop, err := r.watchConfig(ctx, r.opts.WatchDir)
		if err != nil {
			r.logger.Warn().Err(err).Str("dir", r.opts.WatchDir).
				Msg("config watch unavailable")
		} else {
			defer stop()
		}
	}

	selected, err := r.selectPipes(ctx)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, meta.Errorf(meta.KindConfig, "run scheduler", "no pipes selected")
	}

	limit := r.iterations()
	var results Results
	for i := 1; limit == 0 || i <= limit; i++ {
		if r.opts.Schedule != nil {
			next := r.opts.Schedule.Next(time.Now())
			if next.IsZero() {
				if results == nil {
					return nil, meta.Errorf(meta.KindConfig, "run scheduler",
						"schedule %q never fires", r.opts.Schedule)
				}
				break
			}
			r.logger.Debug().Time("fire", next).Msg("awaiting schedule")
			if err := sleepUntil(ctx, next); err != nil {
				if results == nil {
					return nil, err
				}
				break
			}
		}
		iterStart := time.Now()

		if i > 1 && r.reselect.Swap(false) {
			fresh, err := r.selectPipes(ctx)
			switch {
			case err != nil:
				r.logger.Warn().Err(err).Msg("pipe re-selection failed, keeping previous set")
			case len(fresh) == 0:
				r.logger.Warn().Msg("pipe re-selection matched nothing, keeping previous set")
			default:
				selected = fresh
			}
		}

		results = r.runIteration(ctx, selected)
		iterationSeconds.Observe(time.Since(iterStart).Seconds())
		r.logger.Info().Int("iteration", i).Int("pipes", len(results)).
			Int("succeeded", results.Succeeded()).Msg("iteration finished")

		if ctx.Err() != nil {
			break
		}
		if r.opts.Schedule == nil && (limit == 0 || i < limit) {
			if err := sleepUntil(ctx, iterStart.Add(r.opts.MinInterval)); err != nil {
				break
			}
		}
	}
	return results, nil
}

// repeats reports whether the run spans more than one iteration.
func (r *Runner) repeats() bool {
	return r.opts.Loop || r.opts.Count > 1 || r.opts.Schedule != nil
}

// iterations returns the iteration bound, zero meaning unbounded.
func (r *Runner) iterations() int {
	if r.opts.Count > 0 {
		return r.opts.Count
	}
	if r.opts.Loop || r.opts.Schedule != nil {
		return 0
	}
	return 1
}

// runIteration syncs every pipe once through the bounded pool.
func (r *Runner) runIteration(ctx context.Context, selected []*pipes.Pipe) Results {
	out := make(Results, len(selected))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.poolSize(len(selected)))
	for _, p := range selected {
		g.Go(func() error {
			tuple := r.syncOne(gctx, p)
			mu.Lock()
			out[p.String()] = tuple
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// poolSize bounds workers by the configured cap, the instance pool, and
// the number of pipes.
func (r *Runner) poolSize(pipeCount int) int {
	workers := r.opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if r.opts.PoolSize > 0 && r.opts.PoolSize < workers {
		workers = r.opts.PoolSize
	}
	if pipeCount < workers {
		workers = pipeCount
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func (r *Runner) syncOne(ctx context.Context, p *pipes.Pipe) meta.SuccessTuple {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	tuple := r.syncPipe(ctx, p)

	label := "success"
	ev := r.logger.Info()
	if !tuple.Success {
		label = "failure"
		ev = r.logger.Warn()
	}
	syncsTotal.WithLabelValues(label).Inc()
	ev.Str("pipe", p.String()).Dur("elapsed", time.Since(start)).
		Str("message", tuple.Message).Msg("pipe sync finished")
	return tuple
}

// sleepUntil blocks until the deadline or context end. Past deadlines
// return immediately.
func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// watchConfig flags pipe re-selection when anything in dir changes.
func (r *Runner) watchConfig(ctx context.Context, dir string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
					r.logger.Debug().Str("file", event.Name).Msg("config changed, re-selecting pipes")
					r.reselect.Store(true)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn().Err(err).Msg("config watch error")
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
