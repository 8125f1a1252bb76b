package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// tableExists checks the catalog for the given table.
func (c *Connector) tableExists(ctx context.Context, table string) (bool, error) {
	var stmt string
	var args []any
	switch {
	case c.d.postgresLike():
		stmt = "SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = current_schema()"
		args = []any{table}
	case c.d.mysqlLike():
		stmt = "SELECT 1 FROM information_schema.tables WHERE table_name = ? AND table_schema = DATABASE()"
		args = []any{table}
	default:
		stmt = "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?"
		args = []any{table}
	}
	var one int
	err := c.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&one)
	}, stmt, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, meta.E(meta.KindConnector, "table exists", err)
	}
	return true, nil
}

// PipeExists reports whether the pipe's target table exists.
func (c *Connector) PipeExists(ctx context.Context, p *pipes.Pipe) (bool, error) {
	return c.tableExists(ctx, p.TargetName(c.d.maxIdent))
}

// createTarget creates the pipe's table with one column per entry of
// types, in the frame's column order with any extras name-sorted.
func (c *Connector) createTarget(ctx context.Context, p *pipes.Pipe, order []string, types map[string]dtypes.Type) error {
	table := p.TargetName(c.d.maxIdent)
	cols := orderedColumns(order, types)
	defs := make([]string, 0, len(cols))
	for _, col := range cols {
		defs = append(defs, c.d.quote(c.d.ident(col))+" "+c.d.columnType(types[col]))
	}
	defer c.observe("create_table", time.Now())
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", c.d.quote(table), strings.Join(defs, ", "))
	if _, err := c.exec(ctx, stmt); err != nil {
		return meta.E(meta.KindConnector, "create target", err)
	}
	c.logger.Info().Str("table", table).Int("columns", len(cols)).Msg("created target table")
	return nil
}

// addColumns grows the target with the given columns.
func (c *Connector) addColumns(ctx context.Context, p *pipes.Pipe, cols []string, types map[string]dtypes.Type) error {
	table := p.TargetName(c.d.maxIdent)
	for _, col := range cols {
		t, ok := types[col]
		if !ok {
			t = dtypes.Of(dtypes.Object)
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			c.d.quote(table), c.d.quote(c.d.ident(col)), c.d.columnType(t))
		if _, err := c.exec(ctx, stmt); err != nil {
			return meta.E(meta.KindConnector, "add column", err)
		}
		c.logger.Debug().Str("table", table).Str("column", col).Msg("added column")
	}
	return nil
}

// orderedColumns keeps the frame's declared order and sorts the leftovers.
func orderedColumns(order []string, types map[string]dtypes.Type) []string {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, col := range order {
		if _, ok := types[col]; ok && !seen[col] {
			seen[col] = true
			out = append(out, col)
		}
	}
	var rest []string
	for col := range types {
		if !seen[col] {
			rest = append(rest, col)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// PipeColumnsTypes maps target column names to physical types.
func (c *Connector) PipeColumnsTypes(ctx context.Context, p *pipes.Pipe) (map[string]string, error) {
	table := p.TargetName(c.d.maxIdent)
	var stmt string
	switch {
	case c.d.postgresLike():
		stmt = "SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = current_schema()"
	case c.d.mysqlLike():
		stmt = "SELECT column_name, column_type FROM information_schema.columns WHERE table_name = ? AND table_schema = DATABASE()"
	default:
		stmt = fmt.Sprintf("SELECT name, type FROM pragma_table_info(%s)", c.d.placeholder(1))
	}
	rows, err := c.query(ctx, stmt, table)
	if err != nil {
		return nil, meta.E(meta.KindConnector, "columns types", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, meta.E(meta.KindConnector, "columns types", err)
		}
		out[name] = typ
	}
	return out, rows.Err()
}

// targetTypes resolves the logical dtypes of the target: declared dtypes
// first, physical readback for the rest.
func (c *Connector) targetTypes(ctx context.Context, p *pipes.Pipe) (map[string]dtypes.Type, error) {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return nil, err
	}
	declared, err := params.DTypes()
	if err != nil {
		return nil, meta.E(meta.KindSchema, "declared dtypes", err)
	}
	physical, err := c.PipeColumnsTypes(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]dtypes.Type, len(physical))
	for col, phys := range physical {
		if t, ok := declared[col]; ok {
			out[col] = t
			continue
		}
		out[col] = c.d.logicalType(phys)
	}
	return out, nil
}

// indexName derives the deterministic name for an index over cols.
func (c *Connector) indexName(table string, cols []string, unique bool) string {
	prefix := "ix_"
	if unique {
		prefix = "uq_"
	}
	return c.d.ident(prefix + table + "_" + strings.Join(cols, "_"))
}

// CreatePipeIndices builds the pipe's indices: the effective unique
// columns (unique when the pipe upserts), the declared extra indices, and
// single-column indices on the datetime and id roles.
func (c *Connector) CreatePipeIndices(ctx context.Context, p *pipes.Pipe, only []string) error {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return err
	}
	table := p.TargetName(c.d.maxIdent)
	types, err := c.targetTypes(ctx, p)
	if err != nil {
		return err
	}
	uniqueCols := params.UniqueColumns()
	for _, cols := range params.IndexColumnSets() {
		if len(only) > 0 && !containsAll(only, cols) {
			continue
		}
		unique := params.Upsert() && sameCols(cols, uniqueCols)
		if err := c.createIndex(ctx, table, cols, types, unique); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) createIndex(ctx context.Context, table string, cols []string, types map[string]dtypes.Type, unique bool) error {
	exprs := make([]string, 0, len(cols))
	for _, col := range cols {
		t := types[col]
		if t.Base == dtypes.JSON && c.d.mysqlLike() {
			// MySQL cannot index JSON columns directly.
			c.logger.Debug().Str("table", table).Str("column", col).Msg("skipping json index")
			return nil
		}
		expr := c.d.quote(c.d.ident(col))
		if c.d.prefixIndexLen > 0 && (t.Base == dtypes.Str || t.Base == dtypes.Object) {
			expr = fmt.Sprintf("%s(%d)", expr, c.d.prefixIndexLen)
		}
		exprs = append(exprs, expr)
	}
	keyword := "INDEX"
	if unique {
		keyword = "UNIQUE INDEX"
	}
	name := c.indexName(table, cols, unique)
	var stmt string
	if c.d.mysqlLike() {
		stmt = fmt.Sprintf("CREATE %s %s ON %s (%s)",
			keyword, c.d.quote(name), c.d.quote(table), strings.Join(exprs, ", "))
	} else {
		stmt = fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
			keyword, c.d.quote(name), c.d.quote(table), strings.Join(exprs, ", "))
	}
	defer c.observe("create_index", time.Now())
	if _, err := c.exec(ctx, stmt); err != nil {
		if c.d.mysqlLike() && strings.Contains(strings.ToLower(err.Error()), "duplicate key name") {
			return nil
		}
		return meta.E(meta.KindConnector, "create index", err)
	}
	return nil
}

// DropPipeIndices drops the pipe's indices, or just those covering the
// given columns.
func (c *Connector) DropPipeIndices(ctx context.Context, p *pipes.Pipe, only []string) error {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return err
	}
	table := p.TargetName(c.d.maxIdent)
	uniqueCols := params.UniqueColumns()
	for _, cols := range params.IndexColumnSets() {
		if len(only) > 0 && !containsAll(only, cols) {
			continue
		}
		unique := params.Upsert() && sameCols(cols, uniqueCols)
		name := c.indexName(table, cols, unique)
		var stmt string
		if c.d.mysqlLike() {
			stmt = fmt.Sprintf("DROP INDEX %s ON %s", c.d.quote(name), c.d.quote(table))
		} else {
			stmt = fmt.Sprintf("DROP INDEX IF EXISTS %s", c.d.quote(name))
		}
		if _, err := c.exec(ctx, stmt); err != nil {
			if c.d.mysqlLike() && strings.Contains(strings.ToLower(err.Error()), "check that column/key exists") {
				continue
			}
			return meta.E(meta.KindConnector, "drop index", err)
		}
	}
	return nil
}

// PipeColumnsIndices maps target column names to the index names covering
// them.
func (c *Connector) PipeColumnsIndices(ctx context.Context, p *pipes.Pipe) (map[string][]string, error) {
	table := p.TargetName(c.d.maxIdent)
	var stmt string
	switch {
	case c.d.postgresLike():
		stmt = `SELECT i.relname, a.attname
			FROM pg_class t
			JOIN pg_index ix ON t.oid = ix.indrelid
			JOIN pg_class i ON i.oid = ix.indexrelid
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE t.relname = $1`
	case c.d.mysqlLike():
		stmt = "SELECT index_name, column_name FROM information_schema.statistics WHERE table_name = ? AND table_schema = DATABASE()"
	default:
		stmt = fmt.Sprintf("SELECT il.name, ii.name FROM pragma_index_list(%s) il, pragma_index_info(il.name) ii",
			c.d.placeholder(1))
	}
	rows, err := c.query(ctx, stmt, table)
	if err != nil {
		return nil, meta.E(meta.KindConnector, "columns indices", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var index, col string
		if err := rows.Scan(&index, &col); err != nil {
			return nil, meta.E(meta.KindConnector, "columns indices", err)
		}
		out[col] = append(out[col], index)
	}
	return out, rows.Err()
}

// DropPipe removes the target table, keeping metadata.
func (c *Connector) DropPipe(ctx context.Context, p *pipes.Pipe) error {
	table := p.TargetName(c.d.maxIdent)
	defer c.observe("drop_table", time.Now())
	if _, err := c.exec(ctx, "DROP TABLE IF EXISTS "+c.d.quote(table)); err != nil {
		return meta.E(meta.KindConnector, "drop pipe", err)
	}
	c.logger.Info().Str("table", table).Msg("dropped target table")
	return nil
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func sameCols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
