package pool

import (
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	ErrConfiguration      = errors.New("invalid pool configuration")
	ErrConnectionCreation = errors.New("failed to create connection")
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrValidation         = errors.New("connection validation failed")
	ErrNotInitialized     = errors.New("connection pool not initialized")
	ErrPoolClosed         = errors.New("connection pool is closed")
	ErrConnNotCheckedOut  = errors.New("connection returned that was never checked out")
	ErrConnClosed         = errors.New("connection is closed")
	ErrConnIsNil          = errors.New("nil passed as connection pointer")
	ErrTxInProgress       = errors.New("transaction in progress")
)

// Creation steps reported by CreationError.
const (
	StepOpen       = "open"
	StepIsolation  = "isolation"
	StepAutoCommit = "autocommit"
	StepInitSQL    = "init sql"
)

// CreationError is returned by Creator.Create. The partially opened
// connection, if any, is already closed when this error is seen.
type CreationError struct {
	URL      string
	Step     string
	SQLState string
	Err      error
}

func (e *CreationError) Error() string {
	var b strings.Builder
	b.WriteString(ErrConnectionCreation.Error())
	b.WriteString(" [")
	b.WriteString(e.Step)
	b.WriteString("]")
	if e.SQLState != "" {
		b.WriteString(" sqlstate ")
		b.WriteString(e.SQLState)
	}
	if e.URL != "" {
		b.WriteString(" url ")
		b.WriteString(e.URL)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

func (e *CreationError) Is(target error) bool {
	return target == ErrConnectionCreation
}

func newCreationError(url, step string, err error) *CreationError {
	return &CreationError{
		URL:      url,
		Step:     step,
		SQLState: SQLState(err),
		Err:      err,
	}
}

// ConnFailure is a single failed connection found by a validation sweep.
type ConnFailure struct {
	ConnID string
	Err    error
}

// ValidationError aggregates every failure found by one sweep.
type ValidationError struct {
	Failures []ConnFailure
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.ConnID, f.Err))
	}
	return fmt.Sprintf("%s: %d connection(s): %s", ErrValidation, len(e.Failures), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SQLState extracts SQLSTATE (or the driver error number for mysql
// servers that don't send one) from known driver errors.
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.SQLState != [5]byte{} {
			return string(myErr.SQLState[:])
		}
		return fmt.Sprintf("%d", myErr.Number)
	}

	return ""
}
