package executor

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/record"
	"github.com/tuannm99/novads/internal/sql/builder"
)

// Link is one request-scoped back-end connection. With auto-commit off the
// first statement opens a transaction that lasts until Commit or Rollback.
type Link interface {
	builder.Conn
	SetAutoCommit(ctx context.Context, on bool) error
	AutoCommit() bool
	Commit() error
	Rollback() error
	Close() error
}

// Connector opens links by back-end name. backend.Registry is the production
// implementation.
type Connector interface {
	Connect(ctx context.Context, backend string) (Link, error)
}

var _ Link = (*SQLLink)(nil)

// SQLLink adapts a *sql.Conn to Link and keeps the prepared statements of the
// request.
type SQLLink struct {
	conn       *sql.Conn
	tx         *sql.Tx
	autoCommit bool
	prepared   *stmtCache
}

func NewSQLLink(conn *sql.Conn) *SQLLink {
	return NewSQLLinkSize(conn, DefaultStmtCacheSize)
}

// NewSQLLinkSize is NewSQLLink with room for n prepared statements.
func NewSQLLinkSize(conn *sql.Conn, n int) *SQLLink {
	c := newStmtCache(n)
	c.onEvict = func(query string, err error) {
		slog.Warn("executor: close evicted statement", "query", query, "err", err)
	}
	return &SQLLink{conn: conn, autoCommit: true, prepared: c}
}

func (l *SQLLink) AutoCommit() bool { return l.autoCommit }

// SetAutoCommit switches modes. Turning auto-commit on discards an open
// transaction; callers commit first.
func (l *SQLLink) SetAutoCommit(ctx context.Context, on bool) error {
	if on && l.tx != nil {
		if err := l.Rollback(); err != nil {
			return err
		}
	}
	l.autoCommit = on
	return nil
}

func (l *SQLLink) Commit() error {
	if l.tx == nil {
		return nil
	}
	tx := l.tx
	l.tx = nil
	return errors.Wrap(tx.Commit(), "executor: commit")
}

func (l *SQLLink) Rollback() error {
	if l.tx == nil {
		return nil
	}
	tx := l.tx
	l.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "executor: rollback")
	}
	return nil
}

func (l *SQLLink) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	var ps *sql.Stmt
	if cached, ok := l.prepared.get(query); ok {
		ps = cached.(*sql.Stmt)
	} else {
		var err error
		ps, err = l.conn.PrepareContext(ctx, query)
		if err != nil {
			return nil, errors.Wrapf(err, "executor: prepare %q", query)
		}
		l.prepared.put(query, ps)
	}
	if l.autoCommit {
		return ps, nil
	}
	if l.tx == nil {
		tx, err := l.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, errors.Wrap(err, "executor: begin")
		}
		l.tx = tx
	}
	return l.tx.StmtContext(ctx, ps), nil
}

func (l *SQLLink) ExecContext(ctx context.Context, query string, args ...any) (int64, error) {
	st, err := l.stmt(ctx, query)
	if err != nil {
		return 0, err
	}
	res, err := st.ExecContext(ctx, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report a count; the statement still ran.
		return 0, nil
	}
	return n, nil
}

func (l *SQLLink) QueryContext(ctx context.Context, query string, args ...any) (record.Cursor, error) {
	st, err := l.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	return newRowsCursor(rows)
}

// Close rolls back an open transaction and closes prepared statements and the
// connection. The first error is returned; the rest are logged.
func (l *SQLLink) Close() error {
	var first error
	keep := func(err error) {
		if err == nil {
			return
		}
		if first == nil {
			first = err
			return
		}
		slog.Warn("executor: close link", "err", err)
	}
	keep(l.Rollback())
	for _, err := range l.prepared.closeAll() {
		keep(err)
	}
	keep(l.conn.Close())
	return first
}

// rowsCursor adapts *sql.Rows. Text columns are returned as strings and
// binary columns as []byte.
type rowsCursor struct {
	rows   *sql.Rows
	cols   []string
	binary []bool
	row    []any
	ptrs   []any
	err    error
}

func newRowsCursor(rows *sql.Rows) (*rowsCursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, errors.Wrap(err, "executor: columns")
	}
	c := &rowsCursor{rows: rows, cols: cols, binary: make([]bool, len(cols))}
	if types, err := rows.ColumnTypes(); err == nil {
		for i, t := range types {
			name := strings.ToUpper(t.DatabaseTypeName())
			c.binary[i] = strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY") || name == "BYTEA" || name == "IMAGE"
		}
	}
	c.row = make([]any, len(cols))
	c.ptrs = make([]any, len(cols))
	for i := range c.row {
		c.ptrs[i] = &c.row[i]
	}
	return c, nil
}

func (c *rowsCursor) Columns() []string { return c.cols }

func (c *rowsCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	if err := c.rows.Scan(c.ptrs...); err != nil {
		c.err = errors.Wrap(err, "executor: scan")
		return false
	}
	for i, v := range c.row {
		if b, ok := v.([]byte); ok {
			if c.binary[i] {
				c.row[i] = append([]byte(nil), b...)
			} else {
				c.row[i] = string(b)
			}
		}
	}
	return true
}

func (c *rowsCursor) Row() []any { return c.row }

func (c *rowsCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *rowsCursor) Close() error { return c.rows.Close() }
