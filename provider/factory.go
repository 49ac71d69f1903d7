package provider

import (
	"context"
	"database/sql"
	"database/sql/driver"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/soldatov-s/dbpool/pool"

	// a blank import, registers clickhouse driver
	_ "github.com/ClickHouse/clickhouse-go"
)

// CreatorFactory builds a session opener for the driver.
type CreatorFactory interface {
	Name() string
	NewOpener(ctx context.Context, driverName, dsn string) (pool.Opener, error)
}

// DriverFactory opens sessions through a dedicated connector instance,
// built with the driver's own API where one is known.
type DriverFactory struct{}

func (DriverFactory) Name() string {
	return pool.OpenerDriver
}

func (DriverFactory) NewOpener(ctx context.Context, driverName, dsn string) (pool.Opener, error) {
	connector, err := newConnector(ctx, driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(pool.ErrConfiguration, "connector for %q: %s", driverName, err)
	}

	return pool.NewDriverOpener(driverName, connector), nil
}

// ManagerFactory looks the driver up by name, the way driver manager
// does.
type ManagerFactory struct{}

func (ManagerFactory) Name() string {
	return pool.OpenerManager
}

func (ManagerFactory) NewOpener(_ context.Context, driverName, dsn string) (pool.Opener, error) {
	opener, err := pool.NewManagerOpener(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(pool.ErrConfiguration, "%s", err)
	}

	return opener, nil
}

func factoryByName(name string) (CreatorFactory, error) {
	switch name {
	case pool.OpenerDriver:
		return DriverFactory{}, nil
	case pool.OpenerManager:
		return ManagerFactory{}, nil
	default:
		return nil, errors.Wrapf(pool.ErrConfiguration, "unknown creator factory %q", name)
	}
}

func newConnector(ctx context.Context, driverName, dsn string) (driver.Connector, error) {
	switch driverName {
	case DriverPostgres:
		return newPqConnector(ctx, dsn)
	case DriverPgx:
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "parse pgx config")
		}
		return stdlib.GetConnector(*cfg), nil
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "parse mysql dsn")
		}
		return mysql.NewConnector(cfg)
	default:
		return registryConnector(driverName, dsn)
	}
}

// newPqConnector logs server notices (NOTICE, WARNING) with the caller's
// logger.
func newPqConnector(ctx context.Context, dsn string) (driver.Connector, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "new pq connector")
	}

	logger := zerolog.Ctx(ctx).With().Str("driver", DriverPostgres).Logger()

	return pq.ConnectorWithNoticeHandler(connector, func(notice *pq.Error) {
		logger.Warn().
			Str("severity", notice.Severity).
			Str("code", string(notice.Code)).
			Msg(notice.Message)
	}), nil
}

// registryConnector takes the registered driver instance and binds it to
// dsn.
func registryConnector(driverName, dsn string) (driver.Connector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "lookup driver")
	}
	drv := db.Driver()
	if err := db.Close(); err != nil {
		return nil, errors.Wrap(err, "close lookup handle")
	}

	if dc, ok := drv.(driver.DriverContext); ok {
		return dc.OpenConnector(dsn)
	}

	return &dsnConnector{dsn: dsn, driver: drv}, nil
}

type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (c *dsnConnector) Connect(_ context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *dsnConnector) Driver() driver.Driver {
	return c.driver
}
