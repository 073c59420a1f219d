package pool

import (
	"context"
	"sync"
	"time"

	"github.com/harborgrid/poolcore/internal/config"
)

// fakeDialer hands out in-memory connections so pool behavior can be tested
// without a database.
type fakeDialer struct {
	mu        sync.Mutex
	dialed    int
	dialErr   error
	dialDelay time.Duration

	pingErr  error
	execErr  error
	queryErr error
	queryFn  func(sql string, args []any) ([][]any, error)
	latency  time.Duration

	closedConns int
	execLog     []string
}

func (d *fakeDialer) Connect(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	delay := d.dialDelay
	err := d.dialErr
	if err == nil {
		d.dialed++
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return &fakeConn{dialer: d}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed
}

func (d *fakeDialer) closedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closedConns
}

func (d *fakeDialer) setPingErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pingErr = err
}

func (d *fakeDialer) statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.execLog))
	copy(out, d.execLog)
	return out
}

type fakeConn struct {
	dialer *fakeDialer
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) error {
	c.dialer.mu.Lock()
	c.dialer.execLog = append(c.dialer.execLog, sql)
	err := c.dialer.execErr
	c.dialer.mu.Unlock()
	return err
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	c.dialer.mu.Lock()
	queryErr := c.dialer.queryErr
	queryFn := c.dialer.queryFn
	latency := c.dialer.latency
	c.dialer.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}
	if queryErr != nil {
		return nil, queryErr
	}
	if queryFn != nil {
		rows, err := queryFn(sql, args)
		if err != nil {
			return nil, err
		}
		return &fakeRows{rows: rows}, nil
	}
	return &fakeRows{rows: [][]any{{int64(1)}}}, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	return c.dialer.pingErr
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.dialer.mu.Lock()
	c.dialer.closedConns++
	c.dialer.mu.Unlock()
	return nil
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos-1], nil }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close()                 {}

// testPoolConfig returns a small pool sized [min,max] with recycling limits
// disabled so tests control lifetimes explicitly.
func testPoolConfig(min, max int) config.PoolConfig {
	return config.PoolConfig{
		Host:           "localhost",
		Port:           5432,
		Database:       "testdb",
		Username:       "test",
		MinConns:       min,
		MaxConns:       max,
		ConnectTimeout: time.Second,
	}
}

// testConfig builds a registry config with fast scheduler timeouts and
// background machinery disabled.
func testConfig(pools map[string]config.PoolConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pools = pools
	cfg.Scheduler = config.SchedulerConfig{
		HighTimeout:   50 * time.Millisecond,
		MediumTimeout: 100 * time.Millisecond,
		LowTimeout:    200 * time.Millisecond,
	}
	cfg.Health.Enabled = false
	cfg.Scaling.StepDelay = 5 * time.Millisecond
	cfg.Query.RetryBaseDelay = time.Millisecond
	cfg.Query.RetryMaxDelay = 8 * time.Millisecond
	return cfg
}
