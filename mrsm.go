// Package mrsm provides a minimal public API for embedding the pipe
// sync engine in Go programs.
//
// Most integrations should drive the mrsm CLI against a configured
// instance. This package exports only the essential types and functions
// needed for programs that want to register and sync pipes
// programmatically.
package mrsm

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/connectors/sqlconn"
	"github.com/mrsm-io/mrsm/internal/events"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
	"github.com/mrsm-io/mrsm/internal/sync"
)

// Core types for working with pipes
type (
	Pipe         = pipes.Pipe
	Option       = pipes.Option
	Instance     = pipes.Instance
	Fetcher      = pipes.Fetcher
	KeysFilter   = pipes.KeysFilter
	KeyTuple     = pipes.KeyTuple
	DataQuery    = pipes.DataQuery
	WriteBatch   = pipes.WriteBatch
	Frame        = frame.Frame
	SuccessTuple = meta.SuccessTuple
	SyncStats    = meta.SyncStats
	Config       = config.Config
	Syncer       = sync.Syncer
	Plan         = sync.Plan
)

// Column role constants
const (
	RoleDatetime = pipes.RoleDatetime
	RoleID       = pipes.RoleID
	RolePrimary  = pipes.RolePrimary
	RoleValue    = pipes.RoleValue
)

// Pipe construction options
var (
	WithInstance   = pipes.WithInstance
	WithSource     = pipes.WithSource
	WithParameters = pipes.WithParameters
)

// NewPipe builds a pipe from its key components.
func NewPipe(connectorKeys, metricKey, locationKey string, opts ...Option) (*Pipe, error) {
	return pipes.New(connectorKeys, metricKey, locationKey, opts...)
}

// NewFrame builds an empty frame with the given column order.
func NewFrame(cols ...string) *Frame {
	return frame.New(cols...)
}

// LoadConfig loads the stack configuration from the default root
// (MRSM_ROOT_DIR or the user config dir), config files, and env
// overrides.
func LoadConfig() (*Config, error) {
	return config.Load()
}

// NewSyncer builds the sync engine over a loaded configuration.
func NewSyncer(cfg *Config) *Syncer {
	return sync.New(cfg, events.New(log.Logger))
}

// OpenSQLite opens a SQLite-backed instance for programmatic access.
// Embedders register pipes against it and sync them with a Syncer.
func OpenSQLite(ctx context.Context, dbPath string) (Instance, error) {
	k, err := keys.Parse("sql:embedded")
	if err != nil {
		return nil, err
	}
	return sqlconn.New(ctx, k, map[string]any{
		"flavor":   "sqlite",
		"database": dbPath,
	})
}
