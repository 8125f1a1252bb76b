// Package logging configures the process-wide zerolog logger.
//
// Components derive sub-loggers from the global with
// .With().Str("component", ...).Logger(), so Setup must run before any
// connector or engine is constructed. Long-running modes tee the JSON
// stream to a rotating file under the config root.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mrsm-io/mrsm/internal/meta"
)

// Options control the global logger produced by Setup.
type Options struct {
	// Verbose lowers the level to debug. MRSM_DEBUG in the environment
	// has the same effect.
	Verbose bool

	// Quiet raises the level to warn and marks normal CLI output as
	// suppressed (see Quiet).
	Quiet bool

	// Format selects "console" or "json"; empty auto-detects by whether
	// stderr is a terminal.
	Format string

	// File tees the JSON stream to a rotating file when non-empty.
	File string

	// Rotation bounds for the file sink. Zero values fall back to
	// 10 MB, 5 backups, 28 days.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// NoColor disables console colors. NO_COLOR and friends in the
	// environment have the same effect.
	NoColor bool
}

var (
	verboseMode bool
	quietMode   bool
)

// DefaultFile returns the rotating log path for a config root.
func DefaultFile(root string) string {
	return filepath.Join(root, "logs", "mrsm.log")
}

// Setup installs the global logger. The returned closer flushes the
// rotating file sink, if any; it is safe to call when no file is used.
func Setup(opts Options) (func() error, error) {
	verboseMode = opts.Verbose || os.Getenv("MRSM_DEBUG") != ""
	quietMode = opts.Quiet

	var out io.Writer
	switch {
	case opts.Format == "json":
		out = os.Stderr
	case opts.Format == "console" || term.IsTerminal(int(os.Stderr.Fd())):
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor || termenv.EnvNoColor(),
		}
	default:
		out = os.Stderr
	}

	closer := func() error { return nil }
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, meta.E(meta.KindConfig, "open log file", err)
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   opts.Compress,
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj.Close
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	switch {
	case verboseMode:
		logger = logger.Level(zerolog.DebugLevel)
	case quietMode:
		logger = logger.Level(zerolog.WarnLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	log.Logger = logger
	return closer, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Verbose reports whether debug output is enabled.
func Verbose() bool { return verboseMode }

// Quiet reports whether normal CLI output should be suppressed.
func Quiet() bool { return quietMode }
