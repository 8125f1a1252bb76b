package main

import (
	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

var (
	registerConnector string
	registerMetric    string
	registerLocation  string
	registerParams    string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register resources on an instance",
}

var registerPipeCmd = &cobra.Command{
	Use:   "pipe",
	Short: "Register a new pipe",
	Long: `Register a pipe identified by (connector keys, metric key, location key)
on the instance. A source connector implementing registration defaults
contributes parameters under the ones given with --params.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if registerConnector == "" || registerMetric == "" {
			return meta.Errorf(meta.KindConfig, "register pipe",
				"connector keys (-c) and a metric key (-m) are required")
		}
		inst, err := resolveInstance(rootCtx)
		if err != nil {
			return err
		}
		params, err := parseParams(registerParams)
		if err != nil {
			return err
		}

		opts := []pipes.Option{pipes.WithInstance(inst)}
		if params != nil {
			opts = append(opts, pipes.WithParameters(params))
		}
		// Best effort: an unresolvable source connector is fine at
		// registration time.
		if conn, cerr := registry.Get(rootCtx, registerConnector); cerr == nil {
			if f, ok := conn.(pipes.Fetcher); ok {
				opts = append(opts, pipes.WithSource(f))
			}
		}

		p, err := pipes.New(registerConnector, registerMetric, registerLocation, opts...)
		if err != nil {
			return err
		}
		st := p.Register(rootCtx)
		printTuple(st)
		if !st.Success {
			exitCode = 1
		}
		return nil
	},
}

func init() {
	registerPipeCmd.Flags().StringVarP(&registerConnector, "connector-keys", "c", "", "Source connector keys (type:label)")
	registerPipeCmd.Flags().StringVarP(&registerMetric, "metric-keys", "m", "", "Metric key")
	registerPipeCmd.Flags().StringVarP(&registerLocation, "location-keys", "l", "", "Location key (optional)")
	registerPipeCmd.Flags().StringVar(&registerParams, "params", "", "Initial parameters as JSON or key:value pairs")

	registerCmd.AddCommand(registerPipeCmd)
	rootCmd.AddCommand(registerCmd)
}
