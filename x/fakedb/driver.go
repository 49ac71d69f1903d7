// Package fakedb is an in-memory database/sql driver. It keeps track of
// every session it opens and lets tests inject failures.
package fakedb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const DefaultVersion = "fakedb 1.0"

var (
	ErrPrepareNotSupported   = errors.New("fakedb: prepared statements are not supported")
	ErrIsolationNotSupported = errors.New("fakedb: isolation level not supported")
	ErrNestedTx              = errors.New("fakedb: transaction already in progress")
	ErrTxDone                = errors.New("fakedb: transaction already finished")
)

var registerSeq atomic.Int64

// Driver is a database/sql driver. Every registered driver keeps its
// own sessions, so parallel tests don't see each other.
type Driver struct {
	mu       sync.Mutex
	seq      int
	conns    []*Conn
	opened   int
	closed   int
	openErr  error
	execErrs map[string]error
	rejected map[driver.IsolationLevel]bool
	executed []string
	version  string
}

func New() *Driver {
	return &Driver{
		execErrs: make(map[string]error),
		rejected: make(map[driver.IsolationLevel]bool),
		version:  DefaultVersion,
	}
}

// Register registers new driver in database/sql under unique name.
func Register() (string, *Driver) {
	d := New()
	name := fmt.Sprintf("fakedb%d", registerSeq.Add(1))
	sql.Register(name, d)
	return name, d
}

func (d *Driver) Open(dsn string) (driver.Conn, error) {
	return d.connect()
}

func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	return &Connector{driver: d, dsn: dsn}, nil
}

func (d *Driver) connect() (*Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}

	d.seq++
	c := &Conn{driver: d, id: d.seq}
	d.conns = append(d.conns, c)
	d.opened++

	return c, nil
}

// FailOpen makes every following open fail with err. Nil restores.
func (d *Driver) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// FailExec makes every following statement equal to query fail.
func (d *Driver) FailExec(query string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execErrs[query] = err
}

func (d *Driver) RejectIsolation(level sql.IsolationLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected[driver.IsolationLevel(level)] = true
}

func (d *Driver) SetVersion(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

func (d *Driver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Live returns the number of sessions opened and not closed yet.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened - d.closed
}

// Conns returns every session in open order.
func (d *Driver) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := make([]*Conn, len(d.conns))
	copy(res, d.conns)
	return res
}

// Executed returns every statement seen by the driver.
func (d *Driver) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := make([]string, len(d.executed))
	copy(res, d.executed)
	return res
}

// BreakAll marks every live session as broken.
func (d *Driver) BreakAll() {
	for _, c := range d.Conns() {
		c.Break()
	}
}

func (d *Driver) statement(query string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.executed = append(d.executed, query)
	return d.execErrs[query]
}

func (d *Driver) isRejected(level driver.IsolationLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rejected[level]
}

func (d *Driver) sessionClosed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
}

func (d *Driver) serverVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Connector binds the driver to a DSN.
type Connector struct {
	driver *Driver
	dsn    string
}

func (c *Connector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.connect()
}

func (c *Connector) Driver() driver.Driver {
	return c.driver
}

// Conn is a single fake session.
type Conn struct {
	driver *Driver
	id     int

	mu         sync.Mutex
	closed     bool
	closeCount int
	bad        bool
	inTx       bool
	isolation  driver.IsolationLevel
	commits    int
	rollbacks  int
}

func (c *Conn) ID() int {
	return c.id
}

// Break makes the session report itself as broken.
func (c *Conn) Break() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad = true
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func (c *Conn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

// TxIsolation returns isolation level of the last transaction.
func (c *Conn) TxIsolation() sql.IsolationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sql.IsolationLevel(c.isolation)
}

func (c *Conn) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

func (c *Conn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

func (c *Conn) usable() error {
	if c.closed || c.bad {
		return driver.ErrBadConn
	}
	return nil
}

func (c *Conn) Prepare(string) (driver.Stmt, error) {
	return nil, ErrPrepareNotSupported
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCount++
	first := !c.closed
	c.closed = true
	c.mu.Unlock()

	if first {
		c.driver.sessionClosed()
	}
	return nil
}

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	if c.driver.isRejected(opts.Isolation) {
		return nil, ErrIsolationNotSupported
	}

	if c.inTx {
		return nil, ErrNestedTx
	}

	c.inTx = true
	c.isolation = opts.Isolation

	return &tx{conn: c}, nil
}

func (c *Conn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	err := c.usable()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := c.driver.statement(query); err != nil {
		return nil, err
	}

	return driver.RowsAffected(0), nil
}

func (c *Conn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	err := c.usable()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := c.driver.statement(query); err != nil {
		return nil, err
	}

	if strings.Contains(strings.ToLower(query), "version") {
		return &rows{columns: []string{"version"}, values: [][]driver.Value{{c.driver.serverVersion()}}}, nil
	}

	return &rows{columns: []string{"?column?"}, values: [][]driver.Value{{int64(1)}}}, nil
}

func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usable()
}

func (c *Conn) ResetSession(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usable()
}

func (c *Conn) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usable() == nil
}

type tx struct {
	conn *Conn
	done bool
}

func (t *tx) end(commit bool) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.conn.inTx = false

	if commit {
		t.conn.commits++
	} else {
		t.conn.rollbacks++
	}

	return nil
}

func (t *tx) Commit() error {
	return t.end(true)
}

func (t *tx) Rollback() error {
	return t.end(false)
}

type rows struct {
	columns []string
	values  [][]driver.Value
	pos     int
}

func (r *rows) Columns() []string {
	return r.columns
}

func (r *rows) Close() error {
	return nil
}

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.values) {
		return io.EOF
	}

	copy(dest, r.values[r.pos])
	r.pos++
	return nil
}
