package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
)

func setupToFile(t *testing.T, opts Options) string {
	t.Helper()
	t.Setenv("MRSM_DEBUG", "")
	opts.Format = "json"
	opts.File = filepath.Join(t.TempDir(), "logs", "mrsm.log")
	closer, err := Setup(opts)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = closer() })
	return opts.File
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestSetupTeesToRotatingFile(t *testing.T) {
	path := setupToFile(t, Options{})

	log.Info().Str("component", "test").Msg("file sink")

	got := readLog(t, path)
	if !strings.Contains(got, `"message":"file sink"`) {
		t.Fatalf("log file missing message: %q", got)
	}
	if !strings.Contains(got, `"component":"test"`) {
		t.Fatalf("log file missing component field: %q", got)
	}
}

func TestDefaultLevelDropsDebug(t *testing.T) {
	path := setupToFile(t, Options{})

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	got := readLog(t, path)
	if strings.Contains(got, "hidden") {
		t.Fatalf("debug line leaked at info level: %q", got)
	}
	if !strings.Contains(got, "shown") {
		t.Fatalf("info line missing: %q", got)
	}
}

func TestVerboseEnablesDebug(t *testing.T) {
	path := setupToFile(t, Options{Verbose: true})

	if !Verbose() {
		t.Fatal("Verbose() = false after verbose Setup")
	}
	log.Debug().Msg("axis probe")

	if got := readLog(t, path); !strings.Contains(got, "axis probe") {
		t.Fatalf("debug line missing in verbose mode: %q", got)
	}
}

func TestQuietRaisesLevel(t *testing.T) {
	path := setupToFile(t, Options{Quiet: true})

	if !Quiet() {
		t.Fatal("Quiet() = false after quiet Setup")
	}
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	got := readLog(t, path)
	if strings.Contains(got, "hidden") {
		t.Fatalf("info line leaked in quiet mode: %q", got)
	}
	if !strings.Contains(got, "shown") {
		t.Fatalf("warn line missing in quiet mode: %q", got)
	}
}

func TestDebugEnvOverrides(t *testing.T) {
	t.Setenv("MRSM_DEBUG", "1")
	closer, err := Setup(Options{Format: "json"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() { _ = closer() }()

	if !Verbose() {
		t.Fatal("Verbose() = false with MRSM_DEBUG set")
	}
}

func TestDefaultFile(t *testing.T) {
	got := DefaultFile("/srv/mrsm")
	want := filepath.Join("/srv/mrsm", "logs", "mrsm.log")
	if got != want {
		t.Fatalf("DefaultFile = %q, want %q", got, want)
	}
}
