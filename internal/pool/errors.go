package pool

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPoolNotFound is returned when the requested pool name was never registered.
	ErrPoolNotFound = errors.New("pool not found")

	// ErrDuplicatePool is returned when creating a pool under a name already in use.
	ErrDuplicatePool = errors.New("pool already exists")

	// ErrQuotaExceeded is returned when a tenant is at its connection ceiling.
	// Callers should apply their own backpressure; it is never retried internally.
	ErrQuotaExceeded = errors.New("tenant connection quota exceeded")

	// ErrAcquireTimeout is returned when the priority-class deadline elapsed while
	// waiting for a free connection. It signals pool saturation, not a pool fault.
	ErrAcquireTimeout = errors.New("connection acquisition timed out")

	// ErrPoolClosed is returned for operations against a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrAlreadyReleased is returned on a second release of a managed connection.
	ErrAlreadyReleased = errors.New("connection already released")
)

// ErrorClass buckets query failures for retry decisions.
type ErrorClass int8

const (
	// ClassTransient marks failures worth retrying: dropped connections,
	// timeouts, serialization conflicts.
	ClassTransient ErrorClass = iota

	// ClassNonRetryable marks permission, schema and syntax failures that will
	// not succeed on retry.
	ClassNonRetryable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// QueryError wraps a query failure with its classification and the number of
// attempts made before it was surfaced.
type QueryError struct {
	Class    ErrorClass
	Attempts int
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed (%s, %d attempts): %v", e.Class, e.Attempts, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// SQLSTATE classes and codes that decide retryability. Permission, schema and
// syntax failures fail immediately; connection-level and contention failures
// are retried.
const (
	sqlstateInsufficientPrivilege = "42501"
	sqlstateInvalidAuthorization  = "28000"
	sqlstateInvalidPassword       = "28P01"
	sqlstateUndefinedTable        = "42P01"
	sqlstateUndefinedColumn       = "42703"
	sqlstateSyntaxError           = "42601"
	sqlstateQueryCanceled         = "57014"
	sqlstateTooManyConnections    = "53300"
	sqlstateSerializationFailure  = "40001"
	sqlstateDeadlockDetected      = "40P01"
	sqlstateConnectionClass       = "08"
)

// Classify buckets an error as transient or non-retryable. Unknown database
// errors default to non-retryable so that hard failures are not hammered.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNonRetryable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateInsufficientPrivilege, sqlstateInvalidAuthorization, sqlstateInvalidPassword,
			sqlstateUndefinedTable, sqlstateUndefinedColumn, sqlstateSyntaxError:
			return ClassNonRetryable
		case sqlstateQueryCanceled, sqlstateTooManyConnections,
			sqlstateSerializationFailure, sqlstateDeadlockDetected:
			return ClassTransient
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == sqlstateConnectionClass {
			return ClassTransient
		}
		return ClassNonRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if pgconn.SafeToRetry(err) {
		return ClassTransient
	}

	return ClassNonRetryable
}
