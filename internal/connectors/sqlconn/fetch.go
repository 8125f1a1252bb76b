package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/mrsm-io/mrsm/internal/dtypes"
	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// fetchChunkRows bounds the rows per yielded frame.
const fetchChunkRows = 10_000

// Fetch runs the pipe's definition query with incremental bounds on the
// datetime axis and yields the result in row chunks.
func (c *Connector) Fetch(ctx context.Context, p *pipes.Pipe, q pipes.FetchQuery) (pipes.Batches, error) {
	params := p.Params()
	fetch := params.Fetch()
	def, _ := fetch["definition"].(string)
	def = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(def), ";"))
	if def == "" {
		return nil, meta.Errorf(meta.KindConfig, "fetch",
			"pipe %s has no fetch definition", p)
	}
	axis := params.Column(pipes.RoleDatetime)
	declared, err := params.DTypes()
	if err != nil {
		return nil, meta.E(meta.KindSchema, "fetch", err)
	}
	axisType, haveAxisType := declared[axis]
	if axis != "" && !haveAxisType {
		axisType = dtypes.DatetimeUTC()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM (%s) AS %s", def, c.d.quote("definition"))
	w := &whereBuilder{d: c.d}
	if axis != "" {
		if err := c.axisBounds(w, axis, axisType, q.Begin, q.End); err != nil {
			return nil, err
		}
	}
	sb.WriteString(w.clause())
	if axis != "" {
		fmt.Fprintf(&sb, " ORDER BY %s ASC", c.d.quote(c.d.ident(axis)))
	}

	rows, err := c.query(ctx, sb.String(), w.args...)
	if err != nil {
		return nil, meta.E(meta.KindConnector, "fetch", err)
	}
	cur, err := newRowCursor(c, rows, declared)
	if err != nil {
		rows.Close()
		return nil, meta.E(meta.KindConnector, "fetch", err)
	}
	return cur, nil
}

// rowCursor adapts a live *sql.Rows to the Batches contract, yielding
// frames of at most fetchChunkRows rows.
type rowCursor struct {
	c     *Connector
	rows  *sql.Rows
	cols  []string
	types map[string]dtypes.Type
	done  bool
}

func newRowCursor(c *Connector, rows *sql.Rows, types map[string]dtypes.Type) (*rowCursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return &rowCursor{c: c, rows: rows, cols: cols, types: types}, nil
}

func (rc *rowCursor) Next(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rc.done {
		return nil, io.EOF
	}
	out := frame.New(rc.cols...)
	dest := make([]any, len(rc.cols))
	ptrs := make([]any, len(rc.cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	for out.Len() < fetchChunkRows && rc.rows.Next() {
		if err := rc.rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]any, len(rc.cols))
		for i, col := range rc.cols {
			t, ok := rc.types[col]
			if !ok {
				row[i] = copyRaw(dest[i])
				continue
			}
			v, err := rc.c.readValue(t, dest[i])
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			row[i] = v
		}
		out.AppendRow(row...)
	}
	if out.Len() < fetchChunkRows {
		rc.done = true
		if err := rc.rows.Err(); err != nil {
			return nil, err
		}
	}
	if out.Len() == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (rc *rowCursor) Close() error {
	rc.done = true
	return rc.rows.Close()
}
