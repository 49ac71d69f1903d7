package pool

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

const defaultValidationQuery = "SELECT 1"

//go:generate mockgen -source=validator.go -destination=validator_mock_test.go -package=pool

// Validator tells if a connection is still usable. An error is treated
// the same way as false. Implementations may probe the server but must
// not change session state.
type Validator interface {
	IsValid(ctx context.Context, conn *Conn) (bool, error)
}

// ValidatorFunc is an adapter to allow the use of ordinary functions as
// Validator.
type ValidatorFunc func(ctx context.Context, conn *Conn) (bool, error)

func (f ValidatorFunc) IsValid(ctx context.Context, conn *Conn) (bool, error) {
	return f(ctx, conn)
}

// AlwaysValid is used when nothing stronger is configured.
var AlwaysValid Validator = ValidatorFunc(func(context.Context, *Conn) (bool, error) {
	return true, nil
})

// PingValidator checks connection with a server round trip.
type PingValidator struct{}

func (PingValidator) IsValid(ctx context.Context, conn *Conn) (bool, error) {
	if err := conn.Ping(ctx); err != nil {
		return false, errors.Wrap(err, "ping")
	}
	return true, nil
}

// QueryValidator checks connection by running a test query.
type QueryValidator struct {
	Query string
}

func (v QueryValidator) IsValid(ctx context.Context, conn *Conn) (bool, error) {
	query := v.Query
	if strings.TrimSpace(query) == "" {
		query = defaultValidationQuery
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return false, ErrConnClosed
	}

	// Run outside the implicit transaction so the probe never opens one.
	rows, err := conn.conn.QueryContext(ctx, query)
	if err != nil {
		return false, errors.Wrap(err, "validation query")
	}

	if err := rows.Close(); err != nil {
		return false, errors.Wrap(err, "close validation rows")
	}

	return true, nil
}
