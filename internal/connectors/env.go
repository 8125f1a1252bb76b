package connectors

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// attrsFromEnv reads MRSM_<TYPE>_<LABEL>. A JSON object value becomes the
// attribute map directly; anything else is treated as a URI and expanded
// into its parts.
func attrsFromEnv(k keys.Key) (map[string]any, bool, error) {
	raw := strings.TrimSpace(os.Getenv(k.EnvVar()))
	if raw == "" {
		return nil, false, nil
	}
	if strings.HasPrefix(raw, "{") {
		var attrs map[string]any
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return nil, false, meta.E(meta.KindConfig, k.EnvVar(),
				fmt.Errorf("invalid JSON attributes: %w", err))
		}
		return attrs, true, nil
	}
	attrs, err := AttrsFromURI(raw)
	if err != nil {
		return nil, false, meta.E(meta.KindConfig, k.EnvVar(), err)
	}
	return attrs, true, nil
}

// AttrsFromURI expands a connector URI into an attribute map. The full URI
// is kept under "uri"; recognisable parts are broken out so config-driven
// and URI-driven connectors resolve identically.
func AttrsFromURI(raw string) (map[string]any, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connector URI: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("invalid connector URI %q: missing scheme", raw)
	}
	attrs := map[string]any{
		"uri": raw,
	}
	if flavor := flavorForScheme(u.Scheme); flavor != "" {
		attrs["flavor"] = flavor
	}
	if host := u.Hostname(); host != "" {
		attrs["host"] = host
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			attrs["port"] = n
		}
	}
	if u.User != nil {
		attrs["username"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			attrs["password"] = pw
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		attrs["database"] = db
	}
	for key, vals := range u.Query() {
		if len(vals) > 0 {
			attrs[key] = vals[0]
		}
	}
	return attrs, nil
}

func flavorForScheme(scheme string) string {
	switch scheme {
	case "postgres", "postgresql", "timescaledb":
		return "postgresql"
	case "mysql", "mariadb":
		return "mysql"
	case "dolt":
		return "dolt"
	case "sqlite", "file":
		return "sqlite"
	case "valkey", "redis", "rediss":
		return "valkey"
	case "http", "https":
		return ""
	default:
		return ""
	}
}
