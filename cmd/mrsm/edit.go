package main

import (
	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/meta"
)

var (
	editFilter filterFlags
	editParams string
	editPatch  bool
)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit resources on an instance",
}

var editPipesCmd = &cobra.Command{
	Use:   "pipes",
	Short: "Edit the parameters of registered pipes",
	Long: `Apply --params to every pipe matching the filter. With --patch the
parameters are merged into the stored map; without it they replace it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(editParams)
		if err != nil {
			return err
		}
		if params == nil {
			return meta.Errorf(meta.KindConfig, "edit pipes", "--params is required")
		}
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}
		targets, err := selectPipes(rootCtx, inst, editFilter.filter())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return meta.Errorf(meta.KindConfig, "edit pipes", "no pipes match the filter")
		}

		for _, p := range targets {
			if editPatch {
				err = p.UpdateParameters(rootCtx, params)
			} else {
				err = p.SetParameters(rootCtx, params)
			}
			if err != nil {
				printTuple(meta.FromError(err))
				exitCode = 1
				continue
			}
			printTuple(meta.OK("edited %s", p))
		}
		return nil
	},
}

func init() {
	editFilter.register(editPipesCmd)
	editPipesCmd.Flags().StringVar(&editParams, "params", "", "Parameters as JSON or key:value pairs")
	editPipesCmd.Flags().BoolVar(&editPatch, "patch", false, "Merge into the stored parameters instead of replacing them")

	editCmd.AddCommand(editPipesCmd)
	rootCmd.AddCommand(editCmd)
}
