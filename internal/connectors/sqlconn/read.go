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
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// whereBuilder accumulates predicates and their bound arguments.
type whereBuilder struct {
	d     dialect
	parts []string
	args  []any
}

func (w *whereBuilder) nextPlaceholder() string {
	return w.d.placeholder(len(w.args) + 1)
}

func (w *whereBuilder) add(part string, args ...any) {
	w.parts = append(w.parts, part)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) clause() string {
	if len(w.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.parts, " AND ")
}

// axisBounds appends begin/end predicates on the datetime axis.
func (c *Connector) axisBounds(w *whereBuilder, axis string, axisType dtypes.Type, begin, end any) error {
	if axis == "" {
		return nil
	}
	col := w.d.quote(c.d.ident(axis))
	if begin != nil {
		v, err := c.boundValue(axisType, begin)
		if err != nil {
			return err
		}
		w.add(col+" >= "+w.nextPlaceholder(), v)
	}
	if end != nil {
		v, err := c.boundValue(axisType, end)
		if err != nil {
			return err
		}
		w.add(col+" < "+w.nextPlaceholder(), v)
	}
	return nil
}

// boundValue coerces a query bound through the column dtype before
// binding. Columns without a resolved dtype bind verbatim.
func (c *Connector) boundValue(t dtypes.Type, v any) (any, error) {
	if !t.Base.IsValid() {
		return v, nil
	}
	canon, err := dtypes.Coerce(v, t)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "query bound", err)
	}
	return c.bindValue(t, canon)
}

// paramFilters appends column filters. Values may be scalars or lists;
// string values with the negation prefix exclude instead, and nil matches
// SQL NULL.
func (c *Connector) paramFilters(w *whereBuilder, params map[string]any, types map[string]dtypes.Type) error {
	cols := make([]string, 0, len(params))
	for col := range params {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		var positives, negatives []any
		nullPositive, nullNegative := false, false
		for _, v := range valueList(params[col]) {
			if v == nil {
				nullPositive = true
				continue
			}
			if s, ok := v.(string); ok && strings.HasPrefix(s, "_") && len(s) > 1 {
				rest := s[1:]
				if rest == "None" || rest == "null" {
					nullNegative = true
				} else {
					negatives = append(negatives, rest)
				}
				continue
			}
			positives = append(positives, v)
		}
		quoted := w.d.quote(c.d.ident(col))
		t, typed := types[col]
		bind := func(v any) (any, error) {
			if !typed {
				return v, nil
			}
			return c.boundValue(t, v)
		}
		if len(positives) > 0 || nullPositive {
			var alts []string
			for _, v := range positives {
				b, err := bind(v)
				if err != nil {
					return err
				}
				alts = append(alts, quoted+" = "+w.nextPlaceholder())
				w.args = append(w.args, b)
			}
			if nullPositive {
				alts = append(alts, quoted+" IS NULL")
			}
			w.parts = append(w.parts, "("+strings.Join(alts, " OR ")+")")
		}
		for _, v := range negatives {
			b, err := bind(v)
			if err != nil {
				return err
			}
			w.add("("+quoted+" != "+w.nextPlaceholder()+" OR "+quoted+" IS NULL)", b)
		}
		if nullNegative {
			w.add(quoted + " IS NOT NULL")
		}
	}
	return nil
}

func valueList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return []any{x}
	}
}

// PipeData reads target rows. A missing target yields an empty frame.
func (c *Connector) PipeData(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (*frame.Frame, error) {
	table := p.TargetName(c.d.maxIdent)
	exists, err := c.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return frame.New(), nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return nil, err
	}
	types, err := c.targetTypes(ctx, p)
	if err != nil {
		return nil, err
	}
	axis := params.Column(pipes.RoleDatetime)
	axisType := types[axis]

	selectList := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, len(q.Columns))
		for i, col := range q.Columns {
			quoted[i] = c.d.quote(c.d.ident(col))
		}
		selectList = strings.Join(quoted, ", ")
	}
	w := &whereBuilder{d: c.d}
	if err := c.axisBounds(w, axis, axisType, q.Begin, q.End); err != nil {
		return nil, err
	}
	if err := c.paramFilters(w, q.Params, types); err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s%s", selectList, c.d.quote(table), w.clause())
	if axis != "" {
		dir := "ASC"
		if q.OrderDesc {
			dir = "DESC"
		}
		stmt += fmt.Sprintf(" ORDER BY %s %s", c.d.quote(c.d.ident(axis)), dir)
	}
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	defer c.observe("select", time.Now())
	rows, err := c.query(ctx, stmt, w.args...)
	if err != nil {
		return nil, meta.E(meta.KindConnector, "pipe data", err)
	}
	defer rows.Close()
	out, err := c.scanFrame(rows, types)
	if err != nil {
		return nil, meta.E(meta.KindConnector, "pipe data", err)
	}
	return out, nil
}

// PipeRowCount counts rows within the query bounds.
func (c *Connector) PipeRowCount(ctx context.Context, p *pipes.Pipe, q pipes.DataQuery) (int64, error) {
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
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", c.d.quote(table), w.clause())
	var n int64
	err = c.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&n)
	}, stmt, w.args...)
	if err != nil {
		return 0, meta.E(meta.KindConnector, "row count", err)
	}
	return n, nil
}

// SyncTime returns the extreme datetime axis value, nil when the target is
// empty, missing, or has no axis.
func (c *Connector) SyncTime(ctx context.Context, p *pipes.Pipe, q pipes.SyncTimeQuery) (any, error) {
	table := p.TargetName(c.d.maxIdent)
	exists, err := c.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	params, err := c.storedParams(ctx, p)
	if err != nil {
		return nil, err
	}
	axis := params.Column(pipes.RoleDatetime)
	if axis == "" {
		return nil, nil
	}
	types, err := c.targetTypes(ctx, p)
	if err != nil {
		return nil, err
	}
	w := &whereBuilder{d: c.d}
	if err := c.paramFilters(w, q.Params, types); err != nil {
		return nil, err
	}
	agg := "MIN"
	if q.Newest {
		agg = "MAX"
	}
	stmt := fmt.Sprintf("SELECT %s(%s) FROM %s%s",
		agg, c.d.quote(c.d.ident(axis)), c.d.quote(table), w.clause())
	var raw any
	err = c.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&raw)
	}, stmt, w.args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, meta.E(meta.KindConnector, "sync time", err)
	}
	if raw == nil {
		return nil, nil
	}
	v, err := c.readValue(types[axis], raw)
	if err != nil {
		return nil, meta.E(meta.KindConnector, "sync time", err)
	}
	if q.RoundDown {
		v = roundDownMinute(v)
	}
	return v, nil
}

// roundDownMinute truncates datetime sync times to the minute.
func roundDownMinute(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Truncate(time.Minute)
	case dtypes.NaiveTime:
		return dtypes.NaiveTime{Time: t.Time.Truncate(time.Minute)}
	default:
		return v
	}
}
