package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Opener kinds.
const (
	// OpenerDriver opens sessions through a dedicated driver instance.
	OpenerDriver = "driver"
	// OpenerManager resolves the driver by name in the database/sql
	// registry, the way a driver manager does.
	OpenerManager = "manager"
)

// Opener knows how to open one physical session.
type Opener interface {
	Open(ctx context.Context) (*sqlx.Conn, error)
	DriverName() string
	Kind() string
	Close() error
}

// sessionOpener hands out sessions from a *sqlx.DB that keeps no idle
// connections of its own, so closing a session closes it for real.
type sessionOpener struct {
	db         *sqlx.DB
	driverName string
	kind       string
}

// NewDriverOpener creates opener on top of a dedicated connector.
func NewDriverOpener(driverName string, connector driver.Connector) Opener {
	db := sqlx.NewDb(sql.OpenDB(connector), driverName)
	db.SetMaxIdleConns(0)

	return &sessionOpener{
		db:         db,
		driverName: driverName,
		kind:       OpenerDriver,
	}
}

// NewManagerOpener creates opener that looks the driver up by name.
func NewManagerOpener(driverName, dsn string) (Opener, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", driverName)
	}
	db.SetMaxIdleConns(0)

	return &sessionOpener{
		db:         db,
		driverName: driverName,
		kind:       OpenerManager,
	}, nil
}

func (o *sessionOpener) Open(ctx context.Context) (*sqlx.Conn, error) {
	return o.db.Connx(ctx)
}

func (o *sessionOpener) DriverName() string {
	return o.driverName
}

func (o *sessionOpener) Kind() string {
	return o.kind
}

func (o *sessionOpener) Close() error {
	return o.db.Close()
}

// CreatorConfig describes how every new session should look.
type CreatorConfig struct {
	// URL is used for diagnostics only, the opener already knows where
	// to connect.
	URL        string
	AutoCommit bool
	// Isolation is nil when driver default should be kept.
	Isolation *sql.IsolationLevel
	// InitSQL is executed once per new session.
	InitSQL string
}

// Creator creates ready to use connections.
type Creator struct {
	opener     Opener
	url        string
	autoCommit bool
	isolation  *sql.IsolationLevel
	initSQL    string
}

func NewCreator(opener Opener, cfg *CreatorConfig) (*Creator, error) {
	if opener == nil {
		return nil, errors.Wrap(ErrConfiguration, "nil opener")
	}

	if cfg == nil {
		return nil, errors.Wrap(ErrConfiguration, "nil creator config")
	}

	c := &Creator{
		opener:     opener,
		url:        cfg.URL,
		autoCommit: cfg.AutoCommit,
		initSQL:    strings.TrimSpace(cfg.InitSQL),
	}

	if cfg.Isolation != nil {
		level := *cfg.Isolation
		c.isolation = &level
	}

	return c, nil
}

func (c *Creator) URL() string {
	return c.url
}

func (c *Creator) DriverName() string {
	return c.opener.DriverName()
}

func (c *Creator) Kind() string {
	return c.opener.Kind()
}

func (c *Creator) AutoCommit() bool {
	return c.autoCommit
}

// Isolation returns configured isolation level and false if driver
// default is used.
func (c *Creator) Isolation() (sql.IsolationLevel, bool) {
	if c.isolation == nil {
		return sql.LevelDefault, false
	}
	return *c.isolation, true
}

// Create opens a new session and prepares it. Any session opened before
// a failure is closed before the error is returned.
func (c *Creator) Create(ctx context.Context) (*Conn, error) {
	raw, err := c.opener.Open(ctx)
	if err != nil {
		return nil, newCreationError(c.url, StepOpen, err)
	}

	conn := newConn(raw)
	if err := c.setup(ctx, conn); err != nil {
		if errClose := conn.close(); errClose != nil {
			zerolog.Ctx(ctx).Warn().Err(errClose).Str("conn", conn.ID()).Msg("close after failed setup")
		}
		return nil, err
	}

	return conn, nil
}

func (c *Creator) setup(ctx context.Context, conn *Conn) error {
	if c.isolation != nil {
		if err := conn.SetIsolation(ctx, *c.isolation); err != nil {
			return newCreationError(c.url, StepIsolation, err)
		}

		// Isolation is applied per transaction, probe it now so an
		// unsupported level fails here and not on the first statement.
		tx, err := conn.conn.BeginTxx(ctx, &sql.TxOptions{Isolation: *c.isolation})
		if err != nil {
			return newCreationError(c.url, StepIsolation, err)
		}

		if err := tx.Rollback(); err != nil {
			return newCreationError(c.url, StepIsolation, err)
		}
	}

	if conn.AutoCommit() != c.autoCommit {
		if err := conn.SetAutoCommit(ctx, c.autoCommit); err != nil {
			return newCreationError(c.url, StepAutoCommit, err)
		}
	}

	if c.initSQL != "" {
		if _, err := conn.ExecContext(ctx, c.initSQL); err != nil {
			return newCreationError(c.url, StepInitSQL, err)
		}

		if err := conn.Commit(); err != nil {
			return newCreationError(c.url, StepInitSQL, err)
		}
	}

	return nil
}

// Close releases the opener. Sessions already created are not affected.
func (c *Creator) Close() error {
	return c.opener.Close()
}
