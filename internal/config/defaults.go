package config

import "path/filepath"

// Defaults builds the built-in configuration tree. Every key the engine
// reads has a default here so the file and environment layers only need to
// carry overrides.
func Defaults(paths Paths) map[string]any {
	return map[string]any{
		"meerschaum": map[string]any{
			"instance":           "sql:main",
			"default_repository": "api:mrsm",
			"connectors": map[string]any{
				"sql": map[string]any{
					"default": map[string]any{
						"flavor": "sqlite",
					},
					"main": map[string]any{
						"flavor":   "sqlite",
						"database": filepath.Join(paths.SQLiteDir, "mrsm_main.db"),
					},
					"local": map[string]any{
						"flavor":   "sqlite",
						"database": filepath.Join(paths.SQLiteDir, "mrsm_local.db"),
					},
					"memory": map[string]any{
						"flavor":   "sqlite",
						"database": ":memory:",
					},
				},
				"api": map[string]any{
					"default": map[string]any{
						"protocol": "http",
						"port":     8000,
						"uri":      "http://localhost:8000",
					},
				},
				"valkey": map[string]any{
					"default": map[string]any{
						"host": "localhost",
						"port": 6379,
						"db":   0,
					},
				},
			},
			"permissions": map[string]any{
				"chaining": map[string]any{
					"insecure_parent_instance": false,
				},
			},
		},
		"system": map[string]any{
			"connectors": map[string]any{
				"sql": map[string]any{
					"pool_size":               5,
					"max_idle_conns":          2,
					"connect_timeout_seconds": 10,
					"bulk_insert_chunksize":   1000,
				},
				"api": map[string]any{
					"timeout_seconds": 30,
				},
			},
			"sync": map[string]any{
				"backtrack_minutes": 1440,
				"chunk_minutes":     1440,
				"filter_chunksize":  10000,
				"retries": map[string]any{
					"max":                 3,
					"backoff_seconds":     1.0,
					"backoff_max_seconds": 30.0,
				},
			},
			"experimental": map[string]any{
				"verify_chunk_minutes": 43200,
			},
		},
		"jobs": map[string]any{
			"min_seconds":     1,
			"timeout_seconds": 0,
			"workers":         0,
			"logs": map[string]any{
				"max_size_mb":  10,
				"max_backups":  5,
				"max_age_days": 28,
				"compress":     true,
			},
		},
		"shell": map[string]any{
			"ansi": map[string]any{
				"colorize": true,
			},
		},
		"events": map[string]any{
			"nats": map[string]any{
				"enabled":        false,
				"url":            "nats://127.0.0.1:4222",
				"subject_prefix": "mrsm",
			},
		},
		"telemetry": map[string]any{
			"enabled": false,
		},
		"plugins": map[string]any{},
	}
}
