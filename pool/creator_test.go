package pool

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/soldatov-s/dbpool/x/fakedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func levelPtr(l sql.IsolationLevel) *sql.IsolationLevel {
	return &l
}

func TestNewCreatorConfiguration(t *testing.T) {
	_, drv := fakedb.Register()
	connector, err := drv.OpenConnector("")
	require.Nil(t, err)
	opener := NewDriverOpener("fake", connector)
	defer opener.Close()

	_, err = NewCreator(nil, &CreatorConfig{})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewCreator(opener, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	level := sql.LevelRepeatableRead
	c, err := NewCreator(opener, &CreatorConfig{URL: testURL, Isolation: &level, InitSQL: "  SET x = 1 \n"})
	require.Nil(t, err)

	// Later changes of the config don't leak into the creator.
	level = sql.LevelSerializable
	got, ok := c.Isolation()
	assert.True(t, ok)
	assert.Equal(t, sql.LevelRepeatableRead, got)
	assert.Equal(t, "SET x = 1", c.initSQL)
	assert.Equal(t, OpenerDriver, c.Kind())
	assert.Equal(t, "fake", c.DriverName())
	assert.Equal(t, testURL, c.URL())
}

func TestCreatorCreate(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *CreatorConfig
		autoCommit bool
		isolation  sql.IsolationLevel
		commits    int
		rollbacks  int
		executed   []string
	}{
		{
			name:       "defaults",
			cfg:        &CreatorConfig{URL: testURL, AutoCommit: true},
			autoCommit: true,
			isolation:  sql.LevelDefault,
		},
		{
			name:       "autocommit off",
			cfg:        &CreatorConfig{URL: testURL},
			autoCommit: false,
			isolation:  sql.LevelDefault,
		},
		{
			name:       "isolation is probed",
			cfg:        &CreatorConfig{URL: testURL, AutoCommit: true, Isolation: levelPtr(sql.LevelSerializable)},
			autoCommit: true,
			isolation:  sql.LevelSerializable,
			rollbacks:  1,
		},
		{
			name:       "init sql committed",
			cfg:        &CreatorConfig{URL: testURL, InitSQL: "SET search_path TO app"},
			autoCommit: false,
			isolation:  sql.LevelDefault,
			commits:    1,
			executed:   []string{"SET search_path TO app"},
		},
		{
			name:       "init sql with autocommit",
			cfg:        &CreatorConfig{URL: testURL, AutoCommit: true, InitSQL: "SET search_path TO app"},
			autoCommit: true,
			isolation:  sql.LevelDefault,
			executed:   []string{"SET search_path TO app"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			creator, drv := newTestCreator(t, tt.cfg)

			conn, err := creator.Create(ctx)
			require.Nil(t, err)
			defer conn.close()

			assert.NotEmpty(t, conn.ID())
			assert.False(t, conn.CreatedAt().IsZero())
			assert.Equal(t, tt.autoCommit, conn.AutoCommit())
			assert.Equal(t, tt.isolation, conn.Isolation())
			assert.False(t, conn.InTx())

			require.Len(t, drv.Conns(), 1)
			fake := drv.Conns()[0]
			assert.Equal(t, tt.commits, fake.Commits())
			assert.Equal(t, tt.rollbacks, fake.Rollbacks())
			assert.Equal(t, len(tt.executed), len(drv.Executed()))
			for _, q := range tt.executed {
				assert.Contains(t, drv.Executed(), q)
			}
		})
	}
}

func TestCreatorCreateFailures(t *testing.T) {
	errAuth := &pq.Error{Code: "28P01", Message: "password authentication failed"}
	errSyntax := &pgconn.PgError{Code: "42601", Message: "syntax error"}

	tests := []struct {
		name     string
		cfg      *CreatorConfig
		prepare  func(drv *fakedb.Driver)
		step     string
		sqlState string
		opened   int
	}{
		{
			name:     "open",
			cfg:      &CreatorConfig{URL: testURL, AutoCommit: true},
			prepare:  func(drv *fakedb.Driver) { drv.FailOpen(errAuth) },
			step:     StepOpen,
			sqlState: "28P01",
			opened:   0,
		},
		{
			name:    "isolation",
			cfg:     &CreatorConfig{URL: testURL, AutoCommit: true, Isolation: levelPtr(sql.LevelLinearizable)},
			prepare: func(drv *fakedb.Driver) { drv.RejectIsolation(sql.LevelLinearizable) },
			step:    StepIsolation,
			opened:  1,
		},
		{
			name:     "init sql",
			cfg:      &CreatorConfig{URL: testURL, AutoCommit: true, InitSQL: "SET bogus"},
			prepare:  func(drv *fakedb.Driver) { drv.FailExec("SET bogus", errSyntax) },
			step:     StepInitSQL,
			sqlState: "42601",
			opened:   1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			creator, drv := newTestCreator(t, tt.cfg)
			tt.prepare(drv)

			conn, err := creator.Create(context.Background())
			require.NotNil(t, err)
			assert.Nil(t, conn)
			assert.ErrorIs(t, err, ErrConnectionCreation)

			var cerr *CreationError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.step, cerr.Step)
			assert.Equal(t, tt.sqlState, cerr.SQLState)
			assert.Equal(t, testURL, cerr.URL)
			assert.Contains(t, err.Error(), tt.step)

			assert.Equal(t, tt.opened, drv.Opened())
			// Nothing opened on the way stays open.
			assert.Equal(t, 0, drv.Live())
		})
	}
}

func TestManagerOpener(t *testing.T) {
	name, drv := fakedb.Register()

	opener, err := NewManagerOpener(name, testURL)
	require.Nil(t, err)
	assert.Equal(t, OpenerManager, opener.Kind())
	assert.Equal(t, name, opener.DriverName())

	creator, err := NewCreator(opener, &CreatorConfig{URL: testURL, AutoCommit: true})
	require.Nil(t, err)
	defer creator.Close()

	conn, err := creator.Create(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, drv.Live())

	require.Nil(t, conn.close())
	assert.Equal(t, 0, drv.Live())

	_, err = NewManagerOpener("not-registered", testURL)
	assert.NotNil(t, err)
}

func TestSQLState(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "pq", err: &pq.Error{Code: "57P01"}, want: "57P01"},
		{name: "pgx", err: &pgconn.PgError{Code: "40001"}, want: "40001"},
		{name: "wrapped pgx", err: errors.Wrap(&pgconn.PgError{Code: "08006"}, "connect"), want: "08006"},
		{name: "mysql sqlstate", err: &mysql.MySQLError{Number: 1045, SQLState: [5]byte{'2', '8', '0', '0', '0'}}, want: "28000"},
		{name: "mysql number only", err: &mysql.MySQLError{Number: 1040}, want: "1040"},
		{name: "unknown", err: errors.New("boom"), want: ""},
		{name: "nil", err: nil, want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SQLState(tt.err))
		})
	}
}
