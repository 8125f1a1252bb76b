package sqlconn

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// ensureMetaTable creates the pipes metadata table once per connector.
func (c *Connector) ensureMetaTable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metaDone {
		return nil
	}
	var ddl string
	q := c.d.quote
	switch {
	case c.d.postgresLike():
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s BIGSERIAL PRIMARY KEY,
			%s VARCHAR(255) NOT NULL,
			%s VARCHAR(255) NOT NULL,
			%s VARCHAR(255) NOT NULL DEFAULT '',
			%s JSONB NOT NULL DEFAULT '{}',
			UNIQUE (%s, %s, %s)
		)`, q(metaTable), q("pipe_id"), q("connector_keys"), q("metric_key"),
			q("location_key"), q("parameters"),
			q("connector_keys"), q("metric_key"), q("location_key"))
	case c.d.mysqlLike():
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			%s VARCHAR(255) NOT NULL,
			%s VARCHAR(255) NOT NULL,
			%s VARCHAR(255) NOT NULL DEFAULT '',
			%s JSON NOT NULL,
			UNIQUE KEY %s (%s, %s, %s)
		)`, q(metaTable), q("pipe_id"), q("connector_keys"), q("metric_key"),
			q("location_key"), q("parameters"),
			q("uq_"+metaTable), q("connector_keys"), q("metric_key"), q("location_key"))
	default:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s INTEGER PRIMARY KEY AUTOINCREMENT,
			%s VARCHAR(255) NOT NULL,
			%s VARCHAR(255) NOT NULL,
			%s VARCHAR(255) NOT NULL DEFAULT '',
			%s TEXT NOT NULL DEFAULT '{}',
			UNIQUE (%s, %s, %s)
		)`, q(metaTable), q("pipe_id"), q("connector_keys"), q("metric_key"),
			q("location_key"), q("parameters"),
			q("connector_keys"), q("metric_key"), q("location_key"))
	}
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return meta.E(meta.KindConnector, "create pipes table", err)
	}
	c.metaDone = true
	return nil
}

// RegisterPipe creates the metadata row for the pipe's identity triple.
func (c *Connector) RegisterPipe(ctx context.Context, p *pipes.Pipe) error {
	if err := c.ensureMetaTable(ctx); err != nil {
		return err
	}
	if _, err := c.lookupID(ctx, p); err == nil {
		return meta.E(meta.KindConfig, "register pipe", fmt.Errorf("%s: %w", p, meta.ErrAlreadyRegistered))
	} else if !errors.Is(err, meta.ErrNotRegistered) {
		return err
	}
	params, err := json.Marshal(p.Params().Raw())
	if err != nil {
		return meta.E(meta.KindInternal, "register pipe", err)
	}
	defer c.observe("register", time.Now())
	stmt := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s) VALUES (%s)",
		c.d.quote(metaTable),
		c.d.quote("connector_keys"), c.d.quote("metric_key"),
		c.d.quote("location_key"), c.d.quote("parameters"),
		c.d.placeholders(1, 4))
	_, err = c.exec(ctx, stmt,
		p.ConnectorKeys().String(), p.MetricKey(), p.LocationKey(), string(params))
	if err != nil {
		return meta.E(meta.KindConnector, "register pipe", err)
	}
	return nil
}

// EditPipe persists the pipe's in-memory parameters. With patch=true they
// are merged into the stored map, otherwise they replace it.
func (c *Connector) EditPipe(ctx context.Context, p *pipes.Pipe, patch bool) error {
	if err := c.ensureMetaTable(ctx); err != nil {
		return err
	}
	params := p.Params().Raw()
	if patch {
		stored, err := c.PipeAttributes(ctx, p)
		if err != nil && !errors.Is(err, meta.ErrNotRegistered) {
			return err
		}
		params = config.Merge(stored, params)
	}
	data, err := json.Marshal(params)
	if err != nil {
		return meta.E(meta.KindInternal, "edit pipe", err)
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s AND %s = %s AND %s = %s",
		c.d.quote(metaTable),
		c.d.quote("parameters"), c.d.placeholder(1),
		c.d.quote("connector_keys"), c.d.placeholder(2),
		c.d.quote("metric_key"), c.d.placeholder(3),
		c.d.quote("location_key"), c.d.placeholder(4))
	res, err := c.exec(ctx, stmt,
		string(data), p.ConnectorKeys().String(), p.MetricKey(), p.LocationKey())
	if err != nil {
		return meta.E(meta.KindConnector, "edit pipe", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return meta.E(meta.KindConfig, "edit pipe", fmt.Errorf("%s: %w", p, meta.ErrNotRegistered))
	}
	return nil
}

// DeletePipe removes the metadata row and drops the target table.
func (c *Connector) DeletePipe(ctx context.Context, p *pipes.Pipe) error {
	if err := c.ensureMetaTable(ctx); err != nil {
		return err
	}
	if err := c.DropPipe(ctx, p); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s AND %s = %s",
		c.d.quote(metaTable),
		c.d.quote("connector_keys"), c.d.placeholder(1),
		c.d.quote("metric_key"), c.d.placeholder(2),
		c.d.quote("location_key"), c.d.placeholder(3))
	res, err := c.exec(ctx, stmt,
		p.ConnectorKeys().String(), p.MetricKey(), p.LocationKey())
	if err != nil {
		return meta.E(meta.KindConnector, "delete pipe", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return meta.E(meta.KindConfig, "delete pipe", fmt.Errorf("%s: %w", p, meta.ErrNotRegistered))
	}
	return nil
}

// PipeID returns the surrogate id assigned at registration.
func (c *Connector) PipeID(ctx context.Context, p *pipes.Pipe) (int64, error) {
	if err := c.ensureMetaTable(ctx); err != nil {
		return 0, err
	}
	return c.lookupID(ctx, p)
}

func (c *Connector) lookupID(ctx context.Context, p *pipes.Pipe) (int64, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s AND %s = %s",
		c.d.quote("pipe_id"), c.d.quote(metaTable),
		c.d.quote("connector_keys"), c.d.placeholder(1),
		c.d.quote("metric_key"), c.d.placeholder(2),
		c.d.quote("location_key"), c.d.placeholder(3))
	var id int64
	err := c.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&id)
	}, stmt, p.ConnectorKeys().String(), p.MetricKey(), p.LocationKey())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, meta.ErrNotRegistered
	}
	if err != nil {
		return 0, meta.E(meta.KindConnector, "pipe id", err)
	}
	return id, nil
}

// PipeAttributes returns the stored parameters map.
func (c *Connector) PipeAttributes(ctx context.Context, p *pipes.Pipe) (map[string]any, error) {
	if err := c.ensureMetaTable(ctx); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s AND %s = %s",
		c.d.quote("parameters"), c.d.quote(metaTable),
		c.d.quote("connector_keys"), c.d.placeholder(1),
		c.d.quote("metric_key"), c.d.placeholder(2),
		c.d.quote("location_key"), c.d.placeholder(3))
	var raw []byte
	err := c.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&raw)
	}, stmt, p.ConnectorKeys().String(), p.MetricKey(), p.LocationKey())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meta.ErrNotRegistered
	}
	if err != nil {
		return nil, meta.E(meta.KindConnector, "pipe attributes", err)
	}
	params := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, meta.E(meta.KindInternal, "pipe attributes", err)
		}
	}
	return params, nil
}

// PipeKeys lists registered identity triples matching the filter. Tag
// filtering reads each candidate's stored parameters.
func (c *Connector) PipeKeys(ctx context.Context, filter pipes.KeysFilter) ([]pipes.KeyTuple, error) {
	if err := c.ensureMetaTable(ctx); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s ORDER BY %s, %s, %s",
		c.d.quote("connector_keys"), c.d.quote("metric_key"),
		c.d.quote("location_key"), c.d.quote("parameters"),
		c.d.quote(metaTable),
		c.d.quote("connector_keys"), c.d.quote("metric_key"), c.d.quote("location_key"))
	rows, err := c.query(ctx, stmt)
	if err != nil {
		return nil, meta.E(meta.KindConnector, "pipe keys", err)
	}
	defer rows.Close()

	var out []pipes.KeyTuple
	for rows.Next() {
		var t pipes.KeyTuple
		var raw []byte
		if err := rows.Scan(&t.ConnectorKeys, &t.MetricKey, &t.LocationKey, &raw); err != nil {
			return nil, meta.E(meta.KindConnector, "pipe keys", err)
		}
		if !filter.Matches(t) {
			continue
		}
		if len(filter.Tags) > 0 {
			params := map[string]any{}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, meta.E(meta.KindInternal, "pipe keys", err)
				}
			}
			if !filter.MatchesTags(pipes.NewParams(params).Tags()) {
				continue
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, meta.E(meta.KindConnector, "pipe keys", err)
	}
	return out, nil
}

// storedParams loads and parses the registered parameters, falling back to
// the pipe's in-memory view when the pipe is unregistered.
func (c *Connector) storedParams(ctx context.Context, p *pipes.Pipe) (pipes.Params, error) {
	attrs, err := c.PipeAttributes(ctx, p)
	if errors.Is(err, meta.ErrNotRegistered) {
		return p.Params(), nil
	}
	if err != nil {
		return pipes.Params{}, err
	}
	return pipes.NewParams(attrs), nil
}
