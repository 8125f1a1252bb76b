package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/meta"
)

var deleteFilter filterFlags

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete pipe registrations",
}

var deletePipesCmd = &cobra.Command{
	Use:   "pipes",
	Short: "Drop targets and remove registrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}
		targets, err := selectPipes(rootCtx, inst, deleteFilter.filter())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return meta.Errorf(meta.KindConfig, "delete", "no pipes match the filter")
		}
		ok, err := confirmAction("Delete", targets)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println(mutedStyle.Render("Aborted."))
			return nil
		}

		for _, p := range targets {
			result := p.Delete(rootCtx)
			printTuple(result)
			if !result.Success {
				exitCode = 1
			}
		}
		return nil
	},
}

func init() {
	deleteFilter.register(deletePipesCmd)
	deleteCmd.AddCommand(deletePipesCmd)
	rootCmd.AddCommand(deleteCmd)
}
