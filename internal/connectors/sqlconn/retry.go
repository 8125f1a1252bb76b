package sqlconn

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mrsm-io/mrsm/internal/meta"
)

// statementRetryMaxElapsed bounds the retry window for one statement.
// Transient failures (stale pool connections, brief network blips, a
// locked sqlite database) usually clear well inside it.
const statementRetryMaxElapsed = 30 * time.Second

func newStatementBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh one.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = statementRetryMaxElapsed
	return bo
}

// withRetry runs op, retrying transient errors with exponential backoff.
// Cancellation and non-transient errors stop immediately.
func (c *Connector) withRetry(ctx context.Context, op func() error) error {
	bo := newStatementBackoff()
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if meta.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// exec wraps ExecContext with transient retry.
func (c *Connector) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := c.withRetry(ctx, func() error {
		var execErr error
		result, execErr = c.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// query wraps QueryContext with transient retry.
func (c *Connector) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := c.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = c.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// queryRow wraps QueryRowContext with transient retry. The scan function
// receives the row and should call Scan on it.
func (c *Connector) queryRow(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return c.withRetry(ctx, func() error {
		row := c.db.QueryRowContext(ctx, query, args...)
		return scan(row)
	})
}
