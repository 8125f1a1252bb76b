package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

var (
	showPipesFilter filterFlags

	showDataFilter filterFlags
	showDataBegin  string
	showDataEnd    string
	showDataParams string
	showDataLimit  int
	showDataAsc    bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show pipes, data, configuration, and connectors",
}

var showPipesCmd = &cobra.Command{
	Use:   "pipes",
	Short: "List registered pipes",
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}
		targets, err := selectPipes(rootCtx, inst, showPipesFilter.filter())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			fmt.Println(mutedStyle.Render("No pipes match the filter."))
			return nil
		}

		rows := make([][]string, 0, len(targets))
		for _, p := range targets {
			params, err := p.Attributes(rootCtx)
			if err != nil {
				return err
			}
			rows = append(rows, []string{
				p.ConnectorKeys().String(),
				p.MetricKey(),
				p.LocationKey(),
				p.TargetName(0),
				strings.Join(params.Tags(), ", "),
			})
		}
		fmt.Println(renderTable([]string{"Connector", "Metric", "Location", "Target", "Tags"}, rows))
		return nil
	},
}

var showDataCmd = &cobra.Command{
	Use:   "data",
	Short: "Show rows from pipe targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		begin, err := parseAxis(showDataBegin)
		if err != nil {
			return err
		}
		end, err := parseAxis(showDataEnd)
		if err != nil {
			return err
		}
		params, err := parseParams(showDataParams)
		if err != nil {
			return err
		}
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}
		targets, err := selectPipes(rootCtx, inst, showDataFilter.filter())
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return meta.Errorf(meta.KindConfig, "show data", "no pipes match the filter")
		}

		for _, p := range targets {
			f, err := p.Data(rootCtx, pipes.DataQuery{
				Begin:     begin,
				End:       end,
				Params:    params,
				Limit:     showDataLimit,
				OrderDesc: !showDataAsc,
			})
			if err != nil {
				printTuple(meta.FromError(err))
				exitCode = 1
				continue
			}
			fmt.Println(headerStyle.Render(p.String()))
			if f.Len() == 0 {
				fmt.Println(mutedStyle.Render("(no rows)"))
				continue
			}
			fmt.Println(renderFrame(f))
		}
		return nil
	},
}

var showConfigCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show the resolved configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		v, ok := cfg.Get(path)
		if !ok {
			return meta.Errorf(meta.KindConfig, "show config", "no configuration at %q", path)
		}
		out, err := yaml.Marshal(v)
		if err != nil {
			return meta.E(meta.KindInternal, "show config", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var showConnectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List configured connectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		tree := cfg.Sub("meerschaum:connectors")
		defaultInstance := cfg.GetString("meerschaum:instance", "sql:main")

		var rows [][]string
		for typ, sub := range tree {
			labels, ok := sub.(map[string]any)
			if !ok {
				continue
			}
			for label := range labels {
				if label == "default" {
					continue
				}
				k := typ + ":" + label
				note := ""
				if k == defaultInstance {
					note = "instance"
				}
				rows = append(rows, []string{k, typ, note})
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })

		fmt.Println(renderTable([]string{"Keys", "Type", ""}, rows))
		fmt.Println(mutedStyle.Render("Registered types: " + strings.Join(registry.Types(), ", ")))
		return nil
	},
}

func init() {
	showPipesFilter.register(showPipesCmd)

	showDataFilter.register(showDataCmd)
	showDataCmd.Flags().StringVar(&showDataBegin, "begin", "", "Inclusive lower axis bound")
	showDataCmd.Flags().StringVar(&showDataEnd, "end", "", "Exclusive upper axis bound")
	showDataCmd.Flags().StringVar(&showDataParams, "params", "", "Column filters as JSON or key:value pairs")
	showDataCmd.Flags().IntVar(&showDataLimit, "limit", 25, "Maximum rows per pipe")
	showDataCmd.Flags().BoolVar(&showDataAsc, "asc", false, "Oldest rows first instead of newest")

	showCmd.AddCommand(showPipesCmd, showDataCmd, showConfigCmd, showConnectorsCmd)
	rootCmd.AddCommand(showCmd)
}
