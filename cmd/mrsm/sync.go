package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
	"github.com/mrsm-io/mrsm/internal/sched"
	"github.com/mrsm-io/mrsm/internal/sync"
)

var (
	syncFilter        filterFlags
	syncBegin         string
	syncEnd           string
	syncParams        string
	syncLoop          bool
	syncMinSeconds    int
	syncSchedule      string
	syncWorkers       int
	syncTimeoutSecs   int
	syncBatchsize     int
	syncCheckExisting bool
	syncCount         int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync pipes from their sources",
}

var syncPipesCmd = &cobra.Command{
	Use:   "pipes",
	Short: "Fetch new rows and write them to pipe targets",
	Long: `Sync fetches rows from each pipe's source connector, filters them
against the target, enforces declared dtypes, and writes the remainder.
With --loop or --schedule the run repeats until interrupted, holding a
scheduler lock and re-selecting pipes when the config directory changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		begin, err := parseAxis(syncBegin)
		if err != nil {
			return err
		}
		end, err := parseAxis(syncEnd)
		if err != nil {
			return err
		}
		params, err := parseParams(syncParams)
		if err != nil {
			return err
		}
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}

		if syncBatchsize > 0 {
			cfg.Set("system:sync:filter_chunksize", syncBatchsize)
		}
		minSeconds := syncMinSeconds
		if minSeconds < 0 {
			minSeconds = cfg.GetInt("jobs:min_seconds", 1)
		}
		workers := syncWorkers
		if workers < 0 {
			workers = cfg.GetInt("jobs:workers", 0)
		}
		timeoutSecs := syncTimeoutSecs
		if timeoutSecs < 0 {
			timeoutSecs = cfg.GetInt("jobs:timeout_seconds", 0)
		}

		opts := sched.Options{
			Workers:     workers,
			PoolSize:    cfg.GetInt("system:connectors:sql:pool_size", 5),
			Timeout:     time.Duration(timeoutSecs) * time.Second,
			MinInterval: time.Duration(minSeconds) * time.Second,
			Loop:        syncLoop,
			Count:       syncCount,
			LockPath:    filepath.Join(cfg.Paths().PIDDir, "sync.lock"),
			WatchDir:    cfg.Paths().ConfigDir,
		}
		if syncSchedule != "" {
			schedule, serr := sched.Parse(syncSchedule, time.Now())
			if serr != nil {
				return serr
			}
			opts.Schedule = schedule
		}
		if syncLoop || opts.Schedule != nil || syncCount > 1 {
			attachFileLog()
		}

		plan := sync.Plan{
			Begin:             begin,
			End:               end,
			Params:            params,
			SkipCheckExisting: !syncCheckExisting,
		}
		runner := sched.New(
			func(ctx context.Context) ([]*pipes.Pipe, error) {
				return selectSyncTargets(ctx, inst, syncFilter.filter())
			},
			func(ctx context.Context, p *pipes.Pipe) meta.SuccessTuple {
				return engine.Sync(ctx, p, plan)
			},
			opts,
		)
		results, err := runner.Run(rootCtx)
		if err != nil {
			return err
		}
		printResults(results)
		if !results.AnySuccess() {
			exitCode = 1
		}
		return nil
	},
}

func init() {
	syncFilter.register(syncPipesCmd)
	fl := syncPipesCmd.Flags()
	fl.StringVar(&syncBegin, "begin", "", "Inclusive lower fetch bound")
	fl.StringVar(&syncEnd, "end", "", "Exclusive upper fetch bound")
	fl.StringVar(&syncParams, "params", "", "Source filters as JSON or key:value pairs")
	fl.BoolVar(&syncLoop, "loop", false, "Repeat until interrupted")
	fl.IntVar(&syncMinSeconds, "min-seconds", -1, "Minimum seconds between loop iterations (default: config jobs:min_seconds)")
	fl.StringVar(&syncSchedule, "schedule", "", "Run on a schedule, e.g. 'every 10 minutes' or 'daily starting 2024-05-01'")
	fl.IntVar(&syncWorkers, "workers", -1, "Concurrent pipe syncs (default: config jobs:workers, 0 = CPU count)")
	fl.IntVar(&syncTimeoutSecs, "timeout-seconds", -1, "Per-pipe sync timeout (default: config jobs:timeout_seconds, 0 = none)")
	fl.IntVar(&syncBatchsize, "batchsize", 0, "Rows per processing chunk (default: config system:sync:filter_chunksize)")
	fl.BoolVar(&syncCheckExisting, "check-existing", true, "Filter batches against existing rows before writing")
	fl.IntVar(&syncCount, "count", 0, "Number of iterations to run")

	syncCmd.AddCommand(syncPipesCmd)
	rootCmd.AddCommand(syncCmd)
}
