package pool

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Conn is a single physical database session owned by the pool. It is
// handed to exactly one caller at a time and must be given back through
// the pool (or provider), never closed directly.
//
// With auto-commit off the first statement opens a transaction at the
// configured isolation level, which lives until Commit, Rollback or a
// switch back to auto-commit.
type Conn struct {
	id        uuid.UUID
	createdAt time.Time

	mu         sync.Mutex // guards following
	conn       *sqlx.Conn
	tx         *sqlx.Tx
	autoCommit bool
	isolation  sql.IsolationLevel
	warnings   []error
	closed     bool

	// guarded by connections.mu
	inUse bool
}

func newConn(conn *sqlx.Conn) *Conn {
	return &Conn{
		id:         uuid.New(),
		createdAt:  time.Now(),
		conn:       conn,
		autoCommit: true,
		isolation:  sql.LevelDefault,
	}
}

// ID returns connection identifier used in logs and errors.
func (c *Conn) ID() string {
	return c.id.String()
}

func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Conn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

// SetAutoCommit switches auto-commit mode. Turning it on commits the
// transaction in progress, if any.
func (c *Conn) SetAutoCommit(_ context.Context, v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	if c.autoCommit == v {
		return nil
	}

	if v && c.tx != nil {
		if err := c.tx.Commit(); err != nil {
			c.tx = nil
			return errors.Wrap(err, "commit on autocommit switch")
		}
		c.tx = nil
	}

	c.autoCommit = v
	return nil
}

func (c *Conn) Isolation() sql.IsolationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isolation
}

// SetIsolation sets isolation level for the next transactions. It can't
// be changed in the middle of a transaction.
func (c *Conn) SetIsolation(_ context.Context, level sql.IsolationLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	if c.tx != nil {
		return ErrTxInProgress
	}

	c.isolation = level
	return nil
}

// beginLocked opens the implicit transaction when auto-commit is off.
// c.mu must be held.
func (c *Conn) beginLocked(ctx context.Context) error {
	if c.closed {
		return ErrConnClosed
	}

	if c.autoCommit || c.tx != nil {
		return nil
	}

	// The transaction outlives the statement's context, it is ended by
	// Commit, Rollback or an auto-commit switch.
	tx, err := c.conn.BeginTxx(context.WithoutCancel(ctx), &sql.TxOptions{Isolation: c.isolation})
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	c.tx = tx
	return nil
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return nil, err
	}

	if c.tx != nil {
		return c.tx.ExecContext(ctx, query, args...)
	}

	return c.conn.ExecContext(ctx, query, args...)
}

func (c *Conn) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return nil, err
	}

	if c.tx != nil {
		return c.tx.QueryxContext(ctx, query, args...)
	}

	return c.conn.QueryxContext(ctx, query, args...)
}

func (c *Conn) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return err
	}

	if c.tx != nil {
		return c.tx.GetContext(ctx, dest, query, args...)
	}

	return c.conn.GetContext(ctx, dest, query, args...)
}

func (c *Conn) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.beginLocked(ctx); err != nil {
		return err
	}

	if c.tx != nil {
		return c.tx.SelectContext(ctx, dest, query, args...)
	}

	return c.conn.SelectContext(ctx, dest, query, args...)
}

// Commit commits the implicit transaction. Without one it does nothing.
func (c *Conn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil
	}

	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

// Rollback rolls back the implicit transaction. Without one it does nothing.
func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil
	}

	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

// InTx reports whether the implicit transaction is open.
func (c *Conn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// Ping makes a round trip to the server.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	return c.conn.PingContext(ctx)
}

func (c *Conn) Warnings() []error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := make([]error, len(c.warnings))
	copy(res, c.warnings)
	return res
}

func (c *Conn) ClearWarnings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// reset brings the session back to auto-commit. Work left uncommitted by
// the caller is rolled back and recorded as a warning.
func (c *Conn) reset(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	if c.tx != nil {
		tx := c.tx
		c.tx = nil
		if err := tx.Rollback(); err != nil {
			return errors.Wrap(err, "rollback abandoned transaction")
		}
		c.warnings = append(c.warnings, errors.New("uncommitted transaction rolled back on release"))
	}

	c.autoCommit = true
	return nil
}

// close closes the physical session. Only the first call does anything.
func (c *Conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var txErr error
	if c.tx != nil {
		// An open transaction holds the session, it has to end first.
		txErr = c.tx.Rollback()
		c.tx = nil
	}

	// database/sql already closed it after a bad connection error.
	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return errors.Wrap(err, "close session")
	}

	if txErr != nil && !errors.Is(txErr, sql.ErrTxDone) {
		return errors.Wrap(txErr, "rollback on close")
	}

	return nil
}
