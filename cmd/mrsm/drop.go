package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/meta"
)

var dropFilter filterFlags

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop pipe targets",
}

var dropPipesCmd = &cobra.Command{
	Use:   "pipes",
	Short: "Drop target tables, keeping registrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}
		targets, err := selectPipes(rootCtx, inst, dropFilter.filter())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return meta.Errorf(meta.KindConfig, "drop", "no pipes match the filter")
		}
		ok, err := confirmAction("Drop", targets)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println(mutedStyle.Render("Aborted."))
			return nil
		}

		for _, p := range targets {
			result := p.Drop(rootCtx)
			printTuple(result)
			if !result.Success {
				exitCode = 1
			}
		}
		return nil
	},
}

func init() {
	dropFilter.register(dropPipesCmd)
	dropCmd.AddCommand(dropPipesCmd)
	rootCmd.AddCommand(dropCmd)
}
