package pool

import (
	"context"
)

// Rows is the minimal result-set surface the pool core needs. pgx.Rows
// satisfies it directly.
type Rows interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

// Conn is the driver surface of one physical database connection. The pool
// owns every Conn it dials until it is handed to exactly one caller.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer establishes new physical connections for a pool.
type Dialer interface {
	Connect(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (Conn, error)

func (f DialFunc) Connect(ctx context.Context) (Conn, error) { return f(ctx) }
