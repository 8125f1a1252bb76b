package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

var (
	clearFilter filterFlags
	clearBegin  string
	clearEnd    string
	clearParams string
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete rows from pipe targets",
}

var clearPipesCmd = &cobra.Command{
	Use:   "pipes",
	Short: "Delete target rows within the given bounds",
	RunE: func(cmd *cobra.Command, args []string) error {
		begin, err := parseAxis(clearBegin)
		if err != nil {
			return err
		}
		end, err := parseAxis(clearEnd)
		if err != nil {
			return err
		}
		params, err := parseParams(clearParams)
		if err != nil {
			return err
		}
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}
		targets, err := selectPipes(rootCtx, inst, clearFilter.filter())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return meta.Errorf(meta.KindConfig, "clear", "no pipes match the filter")
		}
		ok, err := confirmAction("Clear", targets)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println(mutedStyle.Render("Aborted."))
			return nil
		}

		q := pipes.DataQuery{Begin: begin, End: end, Params: params}
		for _, p := range targets {
			result := p.Clear(rootCtx, q)
			printTuple(result)
			if !result.Success {
				exitCode = 1
			}
		}
		return nil
	},
}

func init() {
	clearFilter.register(clearPipesCmd)
	fl := clearPipesCmd.Flags()
	fl.StringVar(&clearBegin, "begin", "", "Inclusive lower axis bound")
	fl.StringVar(&clearEnd, "end", "", "Exclusive upper axis bound")
	fl.StringVar(&clearParams, "params", "", "Column filters as JSON or key:value pairs")

	clearCmd.AddCommand(clearPipesCmd)
	rootCmd.AddCommand(clearCmd)
}
