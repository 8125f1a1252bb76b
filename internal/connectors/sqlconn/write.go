package sqlconn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// SyncPipe writes a partitioned batch to the target. The target table is
// created on first write and grown when new columns appear, unless the
// pipe is static.
func (c *Connector) SyncPipe(ctx context.Context, p *pipes.Pipe, batch pipes.WriteBatch) (meta.SyncStats, error) {
	var stats meta.SyncStats
	if batch.Rows() == 0 {
		return stats, nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return stats, err
	}
	types, order, err := c.resolveWriteTypes(ctx, p, params, batch)
	if err != nil {
		return stats, err
	}
	warnings, err := c.boundTimes(batch, types, params.Enforce())
	if err != nil {
		return stats, err
	}
	for _, w := range warnings {
		stats.Warn(w)
	}
	if err := c.prepareTarget(ctx, p, params, order, types); err != nil {
		return stats, err
	}

	if batch.Upsert {
		n, err := c.upsertRows(ctx, p, mergedFrame(batch), types)
		if err != nil {
			return stats, err
		}
		stats.Upserted += n
		c.countRows("upsert", n)
		stats.Batches++
		return stats, nil
	}

	if batch.Inserts.Len() > 0 {
		n, err := c.insertRows(ctx, p, batch.Inserts, types)
		if err != nil {
			return stats, err
		}
		stats.Inserted += n
		c.countRows("insert", n)
	}
	if batch.Updates.Len() > 0 {
		n, err := c.updateRows(ctx, p, batch.Updates, types)
		if err != nil {
			return stats, err
		}
		stats.Updated += n
		c.countRows("update", n)
	}
	stats.Batches++
	return stats, nil
}

// mergedFrame joins the insert and update partitions for upsert writes.
func mergedFrame(batch pipes.WriteBatch) *frame.Frame {
	if batch.Updates.Len() == 0 {
		return batch.Inserts
	}
	if batch.Inserts.Len() == 0 {
		return batch.Updates
	}
	return frame.Concat(batch.Inserts, batch.Updates)
}

// resolveWriteTypes returns the dtype of every column in the batch:
// declared dtypes win, physical readback covers existing undeclared
// columns, and fresh columns are inferred from the batch values.
func (c *Connector) resolveWriteTypes(ctx context.Context, p *pipes.Pipe, params pipes.Params, batch pipes.WriteBatch) (map[string]dtypes.Type, []string, error) {
	declared, err := params.DTypes()
	if err != nil {
		return nil, nil, meta.E(meta.KindSchema, "declared dtypes", err)
	}
	types := make(map[string]dtypes.Type, len(declared))
	for col, t := range declared {
		types[col] = t
	}
	exists, err := c.PipeExists(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		physical, err := c.PipeColumnsTypes(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		for col, phys := range physical {
			if _, ok := types[col]; !ok {
				types[col] = c.d.logicalType(phys)
			}
		}
	}
	var order []string
	seen := map[string]bool{}
	for _, f := range []*frame.Frame{batch.Inserts, batch.Updates} {
		if f == nil {
			continue
		}
		for _, col := range f.Columns() {
			if seen[col] {
				continue
			}
			seen[col] = true
			order = append(order, col)
			if _, ok := types[col]; ok {
				continue
			}
			t, ok := dtypes.InferColumn(f.Column(col))
			if !ok {
				t = dtypes.Of(dtypes.Object)
			}
			types[col] = t
		}
	}
	return types, order, nil
}

// prepareTarget creates the table or grows it with the batch's new
// columns. Static pipes reject any schema change.
func (c *Connector) prepareTarget(ctx context.Context, p *pipes.Pipe, params pipes.Params, order []string, types map[string]dtypes.Type) error {
	exists, err := c.PipeExists(ctx, p)
	if err != nil {
		return err
	}
	if !exists {
		if err := c.createTarget(ctx, p, order, types); err != nil {
			return err
		}
		return c.CreatePipeIndices(ctx, p, nil)
	}
	physical, err := c.PipeColumnsTypes(ctx, p)
	if err != nil {
		return err
	}
	var fresh []string
	for _, col := range order {
		if _, ok := physical[col]; !ok {
			fresh = append(fresh, col)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if params.Static() {
		return meta.Errorf(meta.KindSchema, "sync pipe",
			"static pipe %s rejects new columns %v", p, fresh)
	}
	return c.addColumns(ctx, p, fresh, types)
}

// insertChunkRows bounds rows per INSERT so the bind parameter count
// stays under the dialect limit.
func (c *Connector) insertChunkRows(cols int) int {
	if cols == 0 {
		return 1
	}
	n := c.d.paramLimit / cols
	if n < 1 {
		return 1
	}
	return n
}

// insertRows appends the frame with multi-row INSERT statements.
func (c *Connector) insertRows(ctx context.Context, p *pipes.Pipe, f *frame.Frame, types map[string]dtypes.Type) (int, error) {
	table := p.TargetName(c.d.maxIdent)
	cols := f.Columns()
	chunk := c.insertChunkRows(len(cols))
	defer c.observe("insert", time.Now())
	written := 0
	for start := 0; start < f.Len(); start += chunk {
		end := start + chunk
		if end > f.Len() {
			end = f.Len()
		}
		stmt, args, err := c.buildInsert(table, f, cols, types, start, end)
		if err != nil {
			return written, err
		}
		if _, err := c.exec(ctx, stmt, args...); err != nil {
			return written, c.classifyWriteErr("insert rows", err)
		}
		written += end - start
	}
	return written, nil
}

// buildInsert renders one multi-row INSERT over rows [start, end).
func (c *Connector) buildInsert(table string, f *frame.Frame, cols []string, types map[string]dtypes.Type, start, end int) (string, []any, error) {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = c.d.quote(c.d.ident(col))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		c.d.quote(table), strings.Join(quoted, ", "))
	args := make([]any, 0, (end-start)*len(cols))
	for row := start; row < end; row++ {
		if row > start {
			sb.WriteString(", ")
		}
		sb.WriteString("(" + c.d.placeholders(len(args)+1, len(cols)) + ")")
		for _, col := range cols {
			v, err := c.bindValue(types[col], f.Value(row, col))
			if err != nil {
				return "", nil, meta.E(meta.KindSchema, "bind value",
					fmt.Errorf("column %q row %d: %w", col, row, err))
			}
			args = append(args, v)
		}
	}
	return sb.String(), args, nil
}

// updateRows applies the update partition row by row inside one
// transaction, matching on the effective unique columns.
func (c *Connector) updateRows(ctx context.Context, p *pipes.Pipe, f *frame.Frame, types map[string]dtypes.Type) (int, error) {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return 0, err
	}
	keyCols := params.UniqueColumns()
	if len(keyCols) == 0 {
		return 0, meta.Errorf(meta.KindSchema, "update rows",
			"pipe %s has no unique columns to match on", p)
	}
	table := p.TargetName(c.d.maxIdent)
	keySet := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		keySet[k] = true
	}
	var setCols []string
	for _, col := range f.Columns() {
		if !keySet[col] {
			setCols = append(setCols, col)
		}
	}
	if len(setCols) == 0 {
		return 0, nil
	}
	defer c.observe("update", time.Now())

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, meta.E(meta.KindConnector, "update rows", err)
	}
	defer tx.Rollback()

	updated := 0
	for row := 0; row < f.Len(); row++ {
		var sb strings.Builder
		args := make([]any, 0, len(setCols)+len(keyCols))
		fmt.Fprintf(&sb, "UPDATE %s SET ", c.d.quote(table))
		for i, col := range setCols {
			if i > 0 {
				sb.WriteString(", ")
			}
			v, err := c.bindValue(types[col], f.Value(row, col))
			if err != nil {
				return updated, meta.E(meta.KindSchema, "bind value",
					fmt.Errorf("column %q row %d: %w", col, row, err))
			}
			fmt.Fprintf(&sb, "%s = %s", c.d.quote(c.d.ident(col)), c.d.placeholder(len(args)+1))
			args = append(args, v)
		}
		sb.WriteString(" WHERE ")
		for i, col := range keyCols {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			v, err := c.bindValue(types[col], f.Value(row, col))
			if err != nil {
				return updated, meta.E(meta.KindSchema, "bind value",
					fmt.Errorf("column %q row %d: %w", col, row, err))
			}
			if v == nil {
				fmt.Fprintf(&sb, "%s IS NULL", c.d.quote(c.d.ident(col)))
				continue
			}
			fmt.Fprintf(&sb, "%s = %s", c.d.quote(c.d.ident(col)), c.d.placeholder(len(args)+1))
			args = append(args, v)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return updated, c.classifyWriteErr("update rows", err)
		}
		updated++
	}
	if err := tx.Commit(); err != nil {
		return 0, meta.E(meta.KindConnector, "update rows", err)
	}
	return updated, nil
}

// upsertRows merges the frame through the engine's native conflict
// handling. The unique columns must carry a unique index.
func (c *Connector) upsertRows(ctx context.Context, p *pipes.Pipe, f *frame.Frame, types map[string]dtypes.Type) (int, error) {
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return 0, err
	}
	keyCols := params.UniqueColumns()
	if len(keyCols) == 0 {
		return 0, meta.Errorf(meta.KindSchema, "upsert rows",
			"pipe %s has no unique columns to upsert on", p)
	}
	table := p.TargetName(c.d.maxIdent)
	cols := f.Columns()
	keySet := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		keySet[k] = true
	}
	var setCols []string
	for _, col := range cols {
		if !keySet[col] {
			setCols = append(setCols, col)
		}
	}
	suffix := c.upsertSuffix(keyCols, setCols)
	chunk := c.insertChunkRows(len(cols))
	defer c.observe("upsert", time.Now())
	written := 0
	for start := 0; start < f.Len(); start += chunk {
		end := start + chunk
		if end > f.Len() {
			end = f.Len()
		}
		stmt, args, err := c.buildInsert(table, f, cols, types, start, end)
		if err != nil {
			return written, err
		}
		if _, err := c.exec(ctx, stmt+suffix, args...); err != nil {
			return written, c.classifyWriteErr("upsert rows", err)
		}
		written += end - start
	}
	return written, nil
}

// upsertSuffix renders the conflict clause for the flavor.
func (c *Connector) upsertSuffix(keyCols, setCols []string) string {
	if c.d.onConflict {
		quotedKeys := make([]string, len(keyCols))
		for i, col := range keyCols {
			quotedKeys[i] = c.d.quote(c.d.ident(col))
		}
		target := strings.Join(quotedKeys, ", ")
		if len(setCols) == 0 {
			return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", target)
		}
		sets := make([]string, len(setCols))
		for i, col := range setCols {
			q := c.d.quote(c.d.ident(col))
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		}
		return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
	}
	if len(setCols) == 0 {
		// MySQL needs at least one assignment; touch a key column.
		q := c.d.quote(c.d.ident(keyCols[0]))
		return fmt.Sprintf(" ON DUPLICATE KEY UPDATE %s = %s", q, q)
	}
	sets := make([]string, len(setCols))
	for i, col := range setCols {
		q := c.d.quote(c.d.ident(col))
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", q, q)
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// ClearPipe deletes rows in the given range and returns the count.
func (c *Connector) ClearPipe(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (int64, error) {
	table := p.TargetName(c.d.maxIdent)
	exists, err := c.tableExists(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return 0, err
	}
	types, err := c.targetTypes(ctx, p)
	if err != nil {
		return 0, err
	}
	axis := params.Column(pipes.RoleDatetime)
	w := &whereBuilder{d: c.d}
	if err := c.axisBounds(w, axis, types[axis], q.Begin, q.End); err != nil {
		return 0, err
	}
	if err := c.paramFilters(w, q.Params, types); err != nil {
		return 0, err
	}
	defer c.observe("clear", time.Now())
	res, err := c.exec(ctx, fmt.Sprintf("DELETE FROM %s%s", c.d.quote(table), w.clause()), w.args...)
	if err != nil {
		return 0, meta.E(meta.KindConnector, "clear pipe", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, meta.E(meta.KindConnector, "clear pipe", err)
	}
	return n, nil
}

// classifyWriteErr maps engine errors to kinds: constraint violations are
// integrity errors so the orchestrator can fall back to an upsert pass.
func (c *Connector) classifyWriteErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "duplicate entry"),
		strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "constraint failed"):
		return meta.E(meta.KindIntegrity, op, err)
	default:
		return meta.E(meta.KindConnector, op, err)
	}
}
