package pool

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/harborgrid/poolcore/internal/config"
)

// pgxDialer establishes physical PostgreSQL connections via pgx.
type pgxDialer struct {
	cfg config.PoolConfig
}

// NewPgxDialer returns the production Dialer for a pool configuration.
func NewPgxDialer(cfg config.PoolConfig) Dialer {
	return &pgxDialer{cfg: cfg}
}

func (d *pgxDialer) Connect(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, d.cfg.DSN())
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
