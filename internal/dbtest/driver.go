// Package dbtest provides an in-memory database/sql driver that behaves like
// a minimal Postgres backend: every connection has a backend pid, statements
// are logged, and statements can be made to fail or block until cancelled
// through pg_cancel_backend. Like pgx, every query is cached per connection
// as a prepared statement, so a reset that deallocates them makes the next
// use of a cached query fail once. It lets pool, lease and transaction
// tests run real concurrency and timeout scenarios without a server.
package dbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// FirstPID is the backend pid given to the first connection.
const FirstPID int64 = 1000

// Statement is one logged statement.
type Statement struct {
	PID   int64
	Query string
	Args  []driver.Value
}

type failRule struct {
	prefix string
	err    error
}

// Server is a fake backend. It implements driver.Connector.
type Server struct {
	mu sync.Mutex

	nextPID    int64
	opened     int
	closed     int
	connectErr error
	pingErr    error

	fails    []failRule
	blocks   []string
	unblock  chan struct{}
	blocked  map[int64]chan struct{}
	cancels  []int64
	log      []Statement
	blockHit chan int64
}

// New returns an empty Server.
func New() *Server {
	return &Server{
		nextPID:  FirstPID,
		unblock:  make(chan struct{}),
		blocked:  make(map[int64]chan struct{}),
		blockHit: make(chan int64, 64),
	}
}

// DB opens a *sql.DB on the server with the given open connection limit
// (0 = unlimited).
func (s *Server) DB(maxOpen int) *sql.DB {
	db := sql.OpenDB(s)
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(1)
	return db
}

// Connect implements driver.Connector.
func (s *Server) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	pid := s.nextPID
	s.nextPID++
	s.opened++
	return &conn{srv: s, pid: pid}, nil
}

// Driver implements driver.Connector.
func (s *Server) Driver() driver.Driver {
	return fakeDriver{}
}

// SetConnectError makes every new connection attempt fail with err (nil
// restores normal behaviour).
func (s *Server) SetConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// SetPingError makes every ping fail with err (nil restores normal behaviour).
func (s *Server) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// FailOn makes statements starting with prefix fail with err.
func (s *Server) FailOn(prefix string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = append(s.fails, failRule{prefix: prefix, err: err})
}

// BlockOn makes statements starting with prefix block until they are
// cancelled through pg_cancel_backend, their context ends, or Unblock.
func (s *Server) BlockOn(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, prefix)
}

// Unblock clears every block rule and releases statements currently blocked.
func (s *Server) Unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = nil
	close(s.unblock)
	s.unblock = make(chan struct{})
}

// BlockHits delivers the pid of every statement that starts blocking.
func (s *Server) BlockHits() <-chan int64 {
	return s.blockHit
}

// Statements returns a copy of the statement log.
func (s *Server) Statements() []Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Statement, len(s.log))
	copy(out, s.log)
	return out
}

// Queries returns the logged statement texts executed on pid, in order.
func (s *Server) Queries(pid int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, st := range s.log {
		if st.PID == pid {
			out = append(out, st.Query)
		}
	}
	return out
}

// Cancels returns the pids passed to pg_cancel_backend, in order.
func (s *Server) Cancels() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.cancels))
	copy(out, s.cancels)
	return out
}

// Opened returns how many connections were established.
func (s *Server) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Closed returns how many connections were closed.
func (s *Server) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Open returns how many connections are currently established.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened - s.closed
}

// MissingPreparedError is returned when a cached query runs after the
// server dropped its prepared statement.
func MissingPreparedError(name string) error {
	return &pgconn.PgError{
		Severity: "ERROR",
		Code:     "26000",
		Message:  "prepared statement \"" + name + "\" does not exist",
	}
}

// CancelError is the error a blocked statement returns when its backend
// is cancelled.
func CancelError() error {
	return &pgconn.PgError{
		Severity: "ERROR",
		Code:     "57014",
		Message:  "canceling statement due to user request",
	}
}

// run logs a statement and applies fail and block rules.
func (s *Server) run(ctx context.Context, pid int64, query string, args []driver.Value) error {
	s.mu.Lock()
	s.log = append(s.log, Statement{PID: pid, Query: query, Args: args})

	for _, r := range s.fails {
		if strings.HasPrefix(query, r.prefix) {
			s.mu.Unlock()
			return r.err
		}
	}

	block := false
	for _, prefix := range s.blocks {
		if strings.HasPrefix(query, prefix) {
			block = true
			break
		}
	}
	if !block {
		s.mu.Unlock()
		return nil
	}

	cancelled := make(chan struct{})
	s.blocked[pid] = cancelled
	unblock := s.unblock
	s.mu.Unlock()

	select {
	case s.blockHit <- pid:
	default:
	}

	defer func() {
		s.mu.Lock()
		delete(s.blocked, pid)
		s.mu.Unlock()
	}()

	select {
	case <-cancelled:
		return CancelError()
	case <-ctx.Done():
		return ctx.Err()
	case <-unblock:
		return nil
	}
}

// cancelBackend records a cancel request and interrupts the statement
// blocked on pid, if any.
func (s *Server) cancelBackend(pid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, pid)
	ch, ok := s.blocked[pid]
	if ok {
		close(ch)
		delete(s.blocked, pid)
	}
	return ok
}

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("dbtest: use sql.OpenDB with a Server")
}

type conn struct {
	srv    *Server
	pid    int64
	closed bool

	// cached is the client-side statement cache, prepared what the server
	// still knows about.
	cached   map[string]bool
	prepared map[string]bool
}

// deallocates reports whether query drops every prepared statement of the
// session.
func deallocates(query string) bool {
	q := strings.ToUpper(query)
	return strings.Contains(q, "DISCARD ALL") || strings.Contains(q, "DEALLOCATE")
}

// prepare mimics a driver statement cache: a query cached on the client
// whose server-side statement is gone fails and is evicted from the cache.
func (c *conn) prepare(query string) error {
	if c.cached == nil {
		c.cached = make(map[string]bool)
		c.prepared = make(map[string]bool)
	}
	if c.cached[query] && !c.prepared[query] {
		delete(c.cached, query)
		return MissingPreparedError("stmtcache_" + query)
	}
	c.cached[query] = true
	c.prepared[query] = true
	return nil
}

func (c *conn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("dbtest: prepared statements are not supported")
}

func (c *conn) Begin() (driver.Tx, error) {
	return nil, errors.New("dbtest: driver transactions are not supported")
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.srv.mu.Lock()
	c.srv.closed++
	c.srv.mu.Unlock()
	return nil
}

func (c *conn) Ping(ctx context.Context) error {
	c.srv.mu.Lock()
	err := c.srv.pingErr
	c.srv.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	vals := values(args)
	if err := c.srv.run(ctx, c.pid, query, vals); err != nil {
		return nil, err
	}
	if strings.HasPrefix(query, "SELECT pg_cancel_backend") {
		c.srv.cancelBackend(pidArg(vals))
	}
	if deallocates(query) {
		clear(c.prepared)
	}
	return driver.RowsAffected(0), nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	vals := values(args)
	if err := c.srv.run(ctx, c.pid, query, vals); err != nil {
		return nil, err
	}
	if err := c.prepare(query); err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(query, "SELECT pg_backend_pid()"):
		return &rows{cols: []string{"pg_backend_pid"}, data: [][]driver.Value{{c.pid}}}, nil
	case strings.HasPrefix(query, "SELECT pg_cancel_backend"):
		ok := c.srv.cancelBackend(pidArg(vals))
		return &rows{cols: []string{"pg_cancel_backend"}, data: [][]driver.Value{{ok}}}, nil
	default:
		return &rows{cols: []string{"?column?"}, data: [][]driver.Value{{int64(1)}}}, nil
	}
}

func pidArg(vals []driver.Value) int64 {
	if len(vals) == 0 {
		return 0
	}
	pid, _ := vals[0].(int64)
	return pid
}

func values(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

type rows struct {
	cols []string
	data [][]driver.Value
	pos  int
}

func (r *rows) Columns() []string { return r.cols }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
