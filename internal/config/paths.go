package config

import (
	"os"
	"path/filepath"
)

// Paths holds the resolved resource directories for this process.
type Paths struct {
	RootDir    string
	ConfigDir  string
	SQLiteDir  string
	PluginsDir string
	VenvsDir   string
	LogsDir    string
	CacheDir   string
	PIDDir     string
}

// ResolvePaths determines the resource layout. An explicit root wins over
// MRSM_ROOT_DIR, which wins over the per-user config directory. The
// individual directory variables override their single entry.
func ResolvePaths(explicitRoot string) (Paths, error) {
	root := explicitRoot
	if root == "" {
		root = os.Getenv(EnvRootDir)
	}
	if root == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			home, herr := os.UserHomeDir()
			if herr != nil {
				return Paths{}, err
			}
			base = filepath.Join(home, ".config")
		}
		root = filepath.Join(base, "mrsm")
	}

	p := Paths{
		RootDir:    root,
		ConfigDir:  filepath.Join(root, "config"),
		SQLiteDir:  filepath.Join(root, "sqlite"),
		PluginsDir: filepath.Join(root, "plugins"),
		VenvsDir:   filepath.Join(root, "venvs"),
		LogsDir:    filepath.Join(root, "logs"),
		CacheDir:   filepath.Join(root, "cache"),
		PIDDir:     filepath.Join(root, "pids"),
	}
	if d := os.Getenv(EnvConfigDir); d != "" {
		p.ConfigDir = d
	}
	if d := os.Getenv(EnvPluginsDir); d != "" {
		p.PluginsDir = d
	}
	if d := os.Getenv(EnvVenvsDir); d != "" {
		p.VenvsDir = d
	}
	return p, nil
}

// Ensure creates the resource directories that must exist before use.
func (p Paths) Ensure() error {
	for _, dir := range []string{
		p.RootDir, p.ConfigDir, p.SQLiteDir, p.PluginsDir, p.LogsDir, p.CacheDir, p.PIDDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
