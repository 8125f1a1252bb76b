// Package sqlconn implements the SQL connector: a pipes instance backend
// and a query-driven fetch source over sqlite, postgres, mysql, and dolt.
//
// The package is split into focused files:
//   - sqlconn.go: Connector struct, Open/New, pooling, Ping, Close
//   - dialect.go: per-flavor quoting, placeholders, and type maps
//   - values.go: Go value <-> driver value conversion per dtype
//   - meta.go: the pipes metadata table (register, edit, delete, lookup)
//   - target.go: target table DDL, column readback, index management
//   - read.go: PipeData, SyncTime, row counts, WHERE building
//   - write.go: SyncPipe insert/update/upsert paths, clear, drop
//   - fetch.go: the Fetcher contract over a definition query
//   - retry.go: transient error retry around statement execution
//   - metrics.go: prometheus instrumentation
package sqlconn

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	embedded "github.com/dolthub/driver"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"

	"github.com/mrsm-io/mrsm/internal/connectors"
	"github.com/mrsm-io/mrsm/internal/keys"
	"github.com/mrsm-io/mrsm/internal/meta"
)

// metaTable holds the registered pipes on an instance.
const metaTable = "mrsm_pipes"

// Connector speaks SQL to one database and serves both the instance and
// the fetch-source roles.
type Connector struct {
	key    keys.Key
	attrs  map[string]any
	d      dialect
	db     *sql.DB
	logger zerolog.Logger

	// doltConnector is non-nil in dolt embedded mode; closing it releases
	// the filesystem locks.
	doltConnector *embedded.Connector

	mu       sync.Mutex
	metaDone bool
}

var wasmCacheOnce sync.Once

// setupWASMCache points the sqlite WASM runtime at a persistent
// compilation cache so process start skips the JIT step.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "mrsm", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

// Factory builds a Connector from registry attributes. Register it as the
// "sql" type.
func Factory(ctx context.Context, k keys.Key, attrs map[string]any) (connectors.Connector, error) {
	return New(ctx, k, attrs)
}

// New opens the database described by attrs and verifies the connection.
// Recognised attributes: flavor, uri, database, host, port, username,
// password, and flavor-specific options.
func New(ctx context.Context, k keys.Key, attrs map[string]any) (*Connector, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	flavor := stringAttr(attrs, "flavor")
	if flavor == "" {
		flavor = flavorFromURI(stringAttr(attrs, "uri"))
	}
	d, err := dialectFor(flavor)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "sql connector", err)
	}
	c := &Connector{
		key:    k,
		attrs:  attrs,
		d:      d,
		logger: log.With().Str("component", "sqlconn").Str("keys", k.String()).Logger(),
	}
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connector) open(ctx context.Context) error {
	var err error
	switch {
	case c.d.flavor == FlavorSQLite:
		err = c.openSQLite()
	case c.d.postgresLike():
		err = c.openPostgres()
	case c.d.flavor == FlavorDolt:
		err = c.openDolt(ctx)
	default:
		err = c.openMySQL()
	}
	if err != nil {
		return meta.E(meta.KindConnector, "open "+c.d.flavor, err)
	}
	if err := c.db.PingContext(ctx); err != nil {
		_ = c.Close()
		return meta.E(meta.KindConnector, "ping "+c.d.flavor, err)
	}
	c.logger.Debug().Str("flavor", c.d.flavor).Msg("connected")
	return nil
}

func (c *Connector) openSQLite() error {
	wasmCacheOnce.Do(setupWASMCache)
	path := stringAttr(c.attrs, "database")
	if path == "" {
		path = strings.TrimPrefix(stringAttr(c.attrs, "uri"), "sqlite://")
	}
	var connStr string
	inMemory := path == "" || path == ":memory:"
	if inMemory {
		// Shared cache so every pooled connection sees the same data.
		name := "mrsm_" + c.key.FlatName()
		connStr = "file:" + name + "?mode=memory&cache=shared" +
			"&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
		connStr = "file:" + path +
			"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return err
	}
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}
	c.db = db
	return nil
}

func (c *Connector) openPostgres() error {
	uri := stringAttr(c.attrs, "uri")
	if uri == "" {
		uri = buildURI("postgresql", c.attrs, 5432)
	}
	db, err := sql.Open("pgx", uri)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	c.db = db
	return nil
}

func (c *Connector) openMySQL() error {
	cfg := mysql.NewConfig()
	cfg.User = stringAttr(c.attrs, "username")
	cfg.Passwd = stringAttr(c.attrs, "password")
	cfg.Net = "tcp"
	host := stringAttr(c.attrs, "host")
	if host == "" {
		host = "localhost"
	}
	port := intAttr(c.attrs, "port", 3306)
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = stringAttr(c.attrs, "database")
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = false
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	c.db = db
	return nil
}

func (c *Connector) openDolt(ctx context.Context) error {
	path := stringAttr(c.attrs, "database")
	dbName := stringAttr(c.attrs, "dolt_database")
	if dbName == "" {
		dbName = "mrsm"
	}
	name := stringAttr(c.attrs, "committer_name")
	if name == "" {
		name = "mrsm"
	}
	email := stringAttr(c.attrs, "committer_email")
	if email == "" {
		email = "mrsm@localhost"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return err
	}
	initDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s", absPath, name, email)
	dbDSN := initDSN + "&database=" + dbName

	initCfg, err := embedded.ParseDSN(initDSN)
	if err != nil {
		return fmt.Errorf("parse dolt dsn: %w", err)
	}
	initConnector, err := embedded.NewConnector(initCfg)
	if err != nil {
		return fmt.Errorf("dolt connector: %w", err)
	}
	initDB := sql.OpenDB(initConnector)
	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbName))
	_ = initDB.Close()
	_ = initConnector.Close()
	if err != nil {
		return fmt.Errorf("create dolt database: %w", err)
	}

	openCfg, err := embedded.ParseDSN(dbDSN)
	if err != nil {
		return fmt.Errorf("parse dolt dsn: %w", err)
	}
	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return fmt.Errorf("dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)
	// Embedded dolt is single-writer like sqlite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	c.db = db
	c.doltConnector = connector
	return nil
}

// Keys returns the connector's type:label address.
func (c *Connector) Keys() keys.Key { return c.key }

// Attributes returns the attribute map the connector was built from.
func (c *Connector) Attributes() map[string]any { return c.attrs }

// Flavor returns the resolved SQL flavor.
func (c *Connector) Flavor() string { return c.d.flavor }

// DB exposes the underlying pool for tests and migrations.
func (c *Connector) DB() *sql.DB { return c.db }

// Ping verifies the database is reachable.
func (c *Connector) Ping(ctx context.Context) error {
	if c.db == nil {
		return meta.ErrClosed
	}
	if err := c.db.PingContext(ctx); err != nil {
		return meta.E(meta.KindConnector, "ping", err)
	}
	return nil
}

// Close releases the pool and, in dolt embedded mode, the filesystem
// locks held by the driver.
func (c *Connector) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	if c.doltConnector != nil {
		if cerr := c.doltConnector.Close(); err == nil {
			err = cerr
		}
		c.doltConnector = nil
	}
	return err
}

// truncateIdent bounds an identifier with a stable hash suffix.
func truncateIdent(name string, max int) string {
	if max <= 0 || len(name) <= max {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	if max <= len(suffix) {
		return hex.EncodeToString(sum[:])[:max]
	}
	return name[:max-len(suffix)] + suffix
}

// stringAttr reads a string attribute, tolerating nil maps.
func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return strings.TrimSpace(s)
}

// intAttr reads an integer attribute with a default.
func intAttr(attrs map[string]any, key string, def int) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// flavorFromURI guesses the flavor from a connection URI scheme.
func flavorFromURI(uri string) string {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	switch scheme {
	case "postgres", "postgresql":
		return FlavorPostgres
	case "timescaledb":
		return FlavorTimescale
	case "mysql", "mariadb":
		return FlavorMySQL
	case "sqlite":
		return FlavorSQLite
	case "dolt":
		return FlavorDolt
	default:
		return scheme
	}
}

// buildURI assembles a URI from discrete host attributes.
func buildURI(scheme string, attrs map[string]any, defaultPort int) string {
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", hostOr(attrs, "localhost"), intAttr(attrs, "port", defaultPort)),
		Path:   "/" + stringAttr(attrs, "database"),
	}
	user := stringAttr(attrs, "username")
	if user != "" {
		if pw := stringAttr(attrs, "password"); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

func hostOr(attrs map[string]any, def string) string {
	if h := stringAttr(attrs, "host"); h != "" {
		return h
	}
	return def
}
