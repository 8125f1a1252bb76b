package pluginconn

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/mrsm-io/mrsm/internal/meta"
)

// Manifest is the optional TOML file shipped alongside a module. Its
// parameters seed pipes registered through the module, below whatever the
// module's own RegisterParams contributes.
type Manifest struct {
	Version     string         `toml:"version"`
	Description string         `toml:"description"`
	Parameters  map[string]any `toml:"parameters"`
}

// loadManifest reads <dir>/<name>.toml. A missing file or empty dir is
// not an error; a malformed one is.
func loadManifest(dir, name string) (Manifest, error) {
	if dir == "" {
		return Manifest{}, nil
	}
	var m Manifest
	if _, err := toml.DecodeFile(filepath.Join(dir, name+".toml"), &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, nil
		}
		return Manifest{}, meta.E(meta.KindConfig, "plugin manifest", err)
	}
	return m, nil
}
