// Package pgwire holds the small pieces of PostgreSQL protocol state and
// error vocabulary shared by the pgactivity packages.
package pgwire

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds. Callers match them with errors.Is; concrete errors wrap one
// of these with call-site detail.
var (
	// ErrInvalidArgument is a bad timeout value, pid or filter expression.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is an unknown named preset or database.
	ErrNotFound = errors.New("not found")

	// ErrTransactionErrored marks a timeout restore that was skipped because
	// the surrounding transaction is aborted. It is reported, never returned
	// as a failure.
	ErrTransactionErrored = errors.New("transaction is aborted")

	// ErrTargetLost marks a pid that no longer belongs to a live backend.
	// Control calls drop such pids from their result instead of failing.
	ErrTargetLost = errors.New("backend no longer exists")

	// ErrDecodeFailure is an embedded context comment that is not valid JSON.
	ErrDecodeFailure = errors.New("context decode failure")
)

// PgError returns the server error wrapped in err, if any.
func PgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// IsQueryCanceled is true for statements stopped by pg_cancel_backend or by
// statement_timeout. Both surface as SQLSTATE 57014.
func IsQueryCanceled(err error) bool {
	pgErr, ok := PgError(err)
	return ok && pgErr.Code == pgerrcode.QueryCanceled
}

// IsStatementTimeout is true only when the cancellation came from
// statement_timeout rather than an explicit cancel request.
func IsStatementTimeout(err error) bool {
	pgErr, ok := PgError(err)
	if !ok || pgErr.Code != pgerrcode.QueryCanceled {
		return false
	}
	return pgErr.Message == "canceling statement due to statement timeout"
}

// IsAdminShutdown is true for sessions ended by pg_terminate_backend.
func IsAdminShutdown(err error) bool {
	pgErr, ok := PgError(err)
	return ok && pgErr.Code == pgerrcode.AdminShutdown
}

// IsInFailedTransaction is true when the server rejected a statement
// because the transaction had already failed.
func IsInFailedTransaction(err error) bool {
	pgErr, ok := PgError(err)
	return ok && pgErr.Code == pgerrcode.InFailedSQLTransaction
}
