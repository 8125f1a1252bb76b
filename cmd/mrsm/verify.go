package main

import (
	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/sync"
)

var (
	verifyFilter       filterFlags
	verifyBegin        string
	verifyEnd          string
	verifyParams       string
	verifyChunkMinutes int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-sync stored ranges to backfill gaps",
}

var verifyPipesCmd = &cobra.Command{
	Use:   "pipes",
	Short: "Replay each pipe's stored range through the sync filter in chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		begin, err := parseAxis(verifyBegin)
		if err != nil {
			return err
		}
		end, err := parseAxis(verifyEnd)
		if err != nil {
			return err
		}
		params, err := parseParams(verifyParams)
		if err != nil {
			return err
		}
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}
		targets, err := selectSyncTargets(rootCtx, inst, verifyFilter.filter())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return meta.Errorf(meta.KindConfig, "verify", "no pipes match the filter")
		}

		plan := sync.VerifyPlan{
			Begin:        begin,
			End:          end,
			Params:       params,
			ChunkMinutes: verifyChunkMinutes,
		}
		anySuccess := false
		for _, p := range targets {
			result := engine.Verify(rootCtx, p, plan)
			printTuple(result)
			if result.Success {
				anySuccess = true
			}
		}
		if !anySuccess {
			exitCode = 1
		}
		return nil
	},
}

func init() {
	verifyFilter.register(verifyPipesCmd)
	fl := verifyPipesCmd.Flags()
	fl.StringVar(&verifyBegin, "begin", "", "Inclusive lower axis bound (default: the target's oldest value)")
	fl.StringVar(&verifyEnd, "end", "", "Exclusive upper axis bound (default: past the target's newest value)")
	fl.StringVar(&verifyParams, "params", "", "Column filters as JSON or key:value pairs")
	fl.IntVar(&verifyChunkMinutes, "chunk-minutes", 0, "Minutes per re-synced window (default: config system:experimental:verify_chunk_minutes)")

	verifyCmd.AddCommand(verifyPipesCmd)
	rootCmd.AddCommand(verifyCmd)
}
