package provider

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/soldatov-s/dbpool/pool"
)

// DatabaseInfo describes the configured pool and the database behind it.
type DatabaseInfo struct {
	// URL with password hidden.
	URL                string
	Driver             string
	CreatorFactory     string
	Version            string
	AutoCommit         bool
	Isolation          string
	MinSize            int
	InitialSize        int
	MaxSize            int
	ValidationInterval time.Duration
	Validator          string
	SupportsSchemas    bool
	SupportsCatalogs   bool
}

func (i *DatabaseInfo) MarshalZerologObject(e *zerolog.Event) {
	e.Str("url", i.URL).
		Str("driver", i.Driver).
		Str("creator_factory", i.CreatorFactory).
		Str("version", i.Version).
		Bool("autocommit", i.AutoCommit).
		Str("isolation", i.Isolation).
		Int("min_size", i.MinSize).
		Int("initial_size", i.InitialSize).
		Int("max_size", i.MaxSize).
		Dur("validation_interval", i.ValidationInterval).
		Str("validator", i.Validator).
		Bool("supports_schemas", i.SupportsSchemas).
		Bool("supports_catalogs", i.SupportsCatalogs)
}

func isolationName(level *sql.IsolationLevel) string {
	if level == nil {
		return "driver default"
	}
	return level.String()
}

// Postgres has schemas inside one database, mysql and clickhouse call
// databases catalogs.
func metadataSupport(driverName string) (schemas, catalogs bool) {
	switch driverName {
	case DriverPostgres, DriverPgx:
		return true, false
	case DriverMySQL, DriverClickHouse:
		return false, true
	default:
		return false, false
	}
}

const versionQuery = "SELECT version()"

// queryVersion makes one round trip through the pool.
func queryVersion(ctx context.Context, state *pool.State) (string, error) {
	conn, err := state.GetConnection(ctx)
	if err != nil {
		return "", errors.Wrap(err, "get connection")
	}

	var version string
	errQuery := conn.GetContext(ctx, &version, versionQuery)
	if errQuery == nil && conn.InTx() {
		errQuery = conn.Rollback()
	}

	if err := state.CloseConnection(ctx, conn); err != nil {
		return "", errors.Wrap(err, "close connection")
	}

	if errQuery != nil {
		return "", errors.Wrap(errQuery, "query version")
	}

	return version, nil
}
