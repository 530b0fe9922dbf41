//go:build linux

package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/vibelife/pgqueue/engine"
	"github.com/vibelife/pgqueue/query"
)

const driverName = "pgqueue"

func init() {
	sql.Register(driverName, &Driver{})
}

// Driver is the database/sql driver for the pgqueue engine.
type Driver struct{}

// Open creates a connection backed by a private engine with default pool
// settings. The engine is torn down when the connection closes. For a shared
// engine, use the package-level Open instead.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	proc, err := engine.New(engine.Config{ConnString: dsn})
	if err != nil {
		return nil, fmt.Errorf("pgqueue: %w", err)
	}
	return &Conn{proc: proc, owned: true}, nil
}

// Connector adapts an existing Processor to database/sql. Every connection
// handed out shares the processor's pool; closing them never closes the
// processor.
type Connector struct {
	proc *engine.Processor
}

// NewConnector wraps an existing processor.
func NewConnector(proc *engine.Processor) *Connector {
	return &Connector{proc: proc}
}

// Connect returns a new connection sharing the processor.
func (c *Connector) Connect(context.Context) (driver.Conn, error) {
	return &Conn{proc: c.proc}, nil
}

// Driver returns the underlying driver.
func (c *Connector) Driver() driver.Driver {
	return &Driver{}
}

// Open returns a *sql.DB that shares the given processor across all of its
// connections.
func Open(proc *engine.Processor) *sql.DB {
	return sql.OpenDB(NewConnector(proc))
}

// --- Connection ---

// Conn implements driver.Conn. It is a thin handle; all real state lives in
// the shared processor.
type Conn struct {
	proc  *engine.Processor
	owned bool
}

// Prepare returns a client-side statement handle. The engine sends queries
// unnamed through the extended protocol, so preparation is free and purely
// local.
func (c *Conn) Prepare(sqlText string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: sqlText}, nil
}

// Close releases the handle, and tears the engine down when this connection
// owns it (the sql.Open path).
func (c *Conn) Close() error {
	if c.owned {
		return c.proc.Close()
	}
	return nil
}

// Begin is unsupported: the engine interleaves queries from many callers
// across its pipelined connections, so connection-pinned transactions cannot
// be honored.
func (c *Conn) Begin() (driver.Tx, error) {
	return nil, errors.New("pgqueue: transactions are not supported")
}

// QueryContext executes the query directly, without a Stmt round trip.
func (c *Conn) QueryContext(ctx context.Context, sqlText string, args []driver.NamedValue) (driver.Rows, error) {
	params, err := buildParams(sqlText, namedValues(args))
	if err != nil {
		return nil, err
	}
	rs, err := c.run(ctx, params)
	if err != nil {
		return nil, err
	}
	return &rows{fields: rs.Fields, data: rs.Rows}, nil
}

// ExecContext executes the statement directly, without a Stmt round trip.
func (c *Conn) ExecContext(ctx context.Context, sqlText string, args []driver.NamedValue) (driver.Result, error) {
	params, err := buildParams(sqlText, namedValues(args))
	if err != nil {
		return nil, err
	}
	rs, err := c.run(ctx, params)
	if err != nil {
		return nil, err
	}
	return result{rowsAffected: rs.RowsAffected()}, nil
}

// run pushes the query and blocks until its callback fires. A processor that
// shuts down first reports driver.ErrBadConn so database/sql retires the
// connection instead of hanging.
func (c *Conn) run(ctx context.Context, params *query.Params) (query.ResultSet, error) {
	done := make(chan query.ResultSet, 1)
	c.proc.PushParams(params, func(rs query.ResultSet) {
		done <- rs
	})
	select {
	case rs := <-done:
		if rs.IsError() {
			return query.ResultSet{}, fmt.Errorf("pgqueue: %s", rs.ErrorMsg)
		}
		return rs, nil
	case <-ctx.Done():
		// The query cannot be cancelled server-side; the result will be
		// read and discarded when it arrives.
		return query.ResultSet{}, ctx.Err()
	case <-c.proc.Closing():
		return query.ResultSet{}, driver.ErrBadConn
	}
}

// --- Statement ---

// Stmt implements driver.Stmt over a client-side query string.
type Stmt struct {
	conn  *Conn
	query string
}

func (s *Stmt) Close() error {
	return nil
}

// NumInput returns -1: the engine does not parse SQL, so the placeholder
// count is unknown client-side.
func (s *Stmt) NumInput() int {
	return -1
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	params, err := buildParams(s.query, args)
	if err != nil {
		return nil, err
	}
	rs, err := s.conn.run(context.Background(), params)
	if err != nil {
		return nil, err
	}
	return result{rowsAffected: rs.RowsAffected()}, nil
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	params, err := buildParams(s.query, args)
	if err != nil {
		return nil, err
	}
	rs, err := s.conn.run(context.Background(), params)
	if err != nil {
		return nil, err
	}
	return &rows{fields: rs.Fields, data: rs.Rows}, nil
}

// buildParams encodes driver argument values with the engine's OID mappings.
func buildParams(sqlText string, args []driver.Value) (*query.Params, error) {
	b := query.NewBuilder(sqlText)
	for i, arg := range args {
		switch v := arg.(type) {
		case nil:
			b.AddNull(pgtype.VarcharOID)
		case int64:
			b.AddInt64(v)
		case float64:
			b.AddFloat64(v)
		case bool:
			b.AddBool(v)
		case string:
			b.AddString(v)
		case []byte:
			b.AddString(string(v))
		case time.Time:
			b.AddParam(pgtype.TimestamptzOID, v.Format(time.RFC3339Nano))
		default:
			return nil, fmt.Errorf("pgqueue: unsupported argument type %T for $%d", arg, i+1)
		}
	}
	params, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("pgqueue: %w", err)
	}
	return params, nil
}

func namedValues(args []driver.NamedValue) []driver.Value {
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a.Value
	}
	return values
}

// --- Result ---

type result struct {
	rowsAffected int64
}

// LastInsertId is unavailable: PostgreSQL does not report insert ids; use a
// RETURNING clause instead.
func (result) LastInsertId() (int64, error) {
	return 0, errors.New("pgqueue: LastInsertId is not supported")
}

func (r result) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows ---

// rows implements driver.Rows over a fully materialized result set.
type rows struct {
	fields []string
	data   []query.Row
	index  int
}

func (r *rows) Columns() []string {
	return r.fields
}

func (r *rows) Close() error {
	r.data = nil
	r.index = 0
	return nil
}

func (r *rows) Next(dest []driver.Value) error {
	if r.index >= len(r.data) {
		return io.EOF
	}
	row := r.data[r.index]
	for i, name := range r.fields {
		if i >= len(dest) {
			break
		}
		dest[i] = row[name]
	}
	r.index++
	return nil
}
