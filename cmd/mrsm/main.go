package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/connectors"
	"github.com/mrsm-io/mrsm/internal/connectors/apiconn"
	"github.com/mrsm-io/mrsm/internal/connectors/pluginconn"
	"github.com/mrsm-io/mrsm/internal/connectors/sqlconn"
	"github.com/mrsm-io/mrsm/internal/connectors/valkeyconn"
	"github.com/mrsm-io/mrsm/internal/events"
	"github.com/mrsm-io/mrsm/internal/logging"
	"github.com/mrsm-io/mrsm/internal/sync"
	"github.com/mrsm-io/mrsm/internal/telemetry"
)

// Version and Build are injected at link time.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	rootDirFlag  string
	patchFlag    string
	instanceFlag string
	verboseFlag  bool
	quietFlag    bool
	logFormat    string
	yesFlag      bool
)

// Runtime built once per invocation in PersistentPreRunE.
var (
	cfg      *config.Config
	registry *connectors.Registry
	plugins  *pluginconn.Registry
	bus      *events.Bus
	engine   *sync.Syncer

	rootCtx    context.Context
	rootCancel context.CancelFunc
	logCloser  func() error
	busCloser  func()

	// exitCode carries a non-fatal failure (e.g. every pipe in the final
	// iteration failed) out of RunE funcs that already printed results.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "mrsm",
	Short: "mrsm - sync time-series data between connectors",
	Long: `mrsm registers pipes (connector, metric, location) on an instance and
keeps their targets in sync with their sources: fetch, filter against
existing rows, enforce dtypes, write. Syncs run once, in a loop, or on a
schedule.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupRuntime()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardownRuntime()
	},
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("mrsm version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootDirFlag, "root-dir", "", "Root directory (default: $MRSM_ROOT_DIR or the user config dir)")
	pf.StringVar(&patchFlag, "patch", "", "JSON patch merged over the loaded configuration")
	pf.StringVarP(&instanceFlag, "instance", "i", "", "Instance connector keys (default: config meerschaum:instance)")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	pf.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	pf.StringVar(&logFormat, "log-format", "", "Log format: console or json (default: auto-detect)")
	pf.BoolVarP(&yesFlag, "yes", "y", false, "Assume yes on confirmation prompts")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

func setupRuntime() error {
	var err error
	logCloser, err = logging.Setup(logging.Options{
		Verbose: verboseFlag,
		Quiet:   quietFlag,
		Format:  logFormat,
	})
	if err != nil {
		return err
	}

	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	opts := []config.Option{config.WithRootDir(rootDirFlag)}
	if patchFlag != "" {
		patch, perr := config.ParsePatch(patchFlag)
		if perr != nil {
			return perr
		}
		opts = append(opts, config.WithPatch(patch))
	}
	if cfg, err = config.Load(opts...); err != nil {
		return err
	}
	if err = cfg.Paths().Ensure(); err != nil {
		return err
	}
	// The flag wins; otherwise honour a configured log format.
	if logFormat == "" {
		if f := cfg.GetString("system:log:format", ""); f != "" {
			logFormat = f
			if logCloser, err = logging.Setup(logging.Options{
				Verbose: verboseFlag,
				Quiet:   quietFlag,
				Format:  f,
			}); err != nil {
				return err
			}
		}
	}

	// The config switch feeds the env gate the telemetry package reads.
	if cfg.GetBool("telemetry:enabled", false) && os.Getenv("MRSM_OTEL_ENABLED") == "" {
		_ = os.Setenv("MRSM_OTEL_ENABLED", "true")
	}
	if terr := telemetry.Init(rootCtx, "mrsm", Version); terr != nil {
		log.Warn().Err(terr).Msg("telemetry disabled")
	}

	registry = connectors.NewRegistry(cfg, log.Logger)
	plugins = pluginconn.NewRegistry(cfg.Paths().PluginsDir)
	factories := map[string]connectors.Factory{
		"sql":    sqlconn.Factory,
		"valkey": valkeyconn.Factory,
		"api":    apiconn.Factory,
		"plugin": plugins.Factory(),
	}
	for typ, f := range factories {
		if rerr := registry.RegisterType(typ, f); rerr != nil {
			return rerr
		}
	}

	bus = events.New(log.Logger)
	if cfg.GetBool("events:nats:enabled", false) {
		h, closer, nerr := events.ConnectStream(
			cfg.GetString("events:nats:url", "nats://127.0.0.1:4222"),
			cfg.GetString("events:nats:subject_prefix", "mrsm"),
		)
		if nerr != nil {
			log.Warn().Err(nerr).Msg("event stream unavailable")
		} else {
			bus.Register(h)
			busCloser = closer
		}
	}

	engine = sync.New(cfg, bus)
	return nil
}

// attachFileLog reinstalls the logger teeing to the rotating log file.
// Repeating sync modes call this so long-lived runs keep a disk trail.
func attachFileLog() {
	closer, err := logging.Setup(logging.Options{
		Verbose:    verboseFlag,
		Quiet:      quietFlag,
		Format:     logFormat,
		File:       logging.DefaultFile(cfg.Paths().RootDir),
		MaxSizeMB:  cfg.GetInt("jobs:logs:max_size_mb", 10),
		MaxBackups: cfg.GetInt("jobs:logs:max_backups", 5),
		MaxAgeDays: cfg.GetInt("jobs:logs:max_age_days", 28),
		Compress:   cfg.GetBool("jobs:logs:compress", true),
	})
	if err != nil {
		log.Warn().Err(err).Msg("file logging unavailable")
		return
	}
	if logCloser != nil {
		_ = logCloser()
	}
	logCloser = closer
}

func teardownRuntime() {
	if busCloser != nil {
		busCloser()
	}
	if registry != nil {
		_ = registry.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	telemetry.Shutdown(ctx)
	cancel()
	if logCloser != nil {
		_ = logCloser()
	}
	if rootCancel != nil {
		rootCancel()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
