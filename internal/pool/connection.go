package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// ManagedConn wraps a physical connection handed to exactly one caller.
// Release is observed exactly once: it updates metrics and the tenant quota
// before ownership returns to the pool. A second release is a safe no-op.
type ManagedConn struct {
	pc       *physConn
	pool     *Pool
	metrics  *poolMetrics
	quota    *QuotaTracker
	events   *Dispatcher
	tenantID string
	priority Priority

	acquiredAt time.Time
	released   atomic.Bool
}

func newManagedConn(pc *physConn, p *Pool, m *poolMetrics, q *QuotaTracker, d *Dispatcher, tenantID string, prio Priority) *ManagedConn {
	return &ManagedConn{
		pc:         pc,
		pool:       p,
		metrics:    m,
		quota:      q,
		events:     d,
		tenantID:   tenantID,
		priority:   prio,
		acquiredAt: time.Now(),
	}
}

// ID returns the physical connection's identifier.
func (mc *ManagedConn) ID() string { return mc.pc.id }

// TenantID returns the tenant the connection was acquired for, if any.
func (mc *ManagedConn) TenantID() string { return mc.tenantID }

// Priority returns the priority class the connection was acquired under.
func (mc *ManagedConn) Priority() Priority { return mc.priority }

// Exec runs a statement on the underlying connection.
func (mc *ManagedConn) Exec(ctx context.Context, sql string, args ...any) error {
	if mc.released.Load() {
		return ErrAlreadyReleased
	}
	return mc.pc.conn.Exec(ctx, sql, args...)
}

// Query runs a query on the underlying connection. The caller must close the
// rows before releasing the connection.
func (mc *ManagedConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	if mc.released.Load() {
		return nil, ErrAlreadyReleased
	}
	return mc.pc.conn.Query(ctx, sql, args...)
}

// Ping verifies the underlying connection is alive.
func (mc *ManagedConn) Ping(ctx context.Context) error {
	if mc.released.Load() {
		return ErrAlreadyReleased
	}
	return mc.pc.conn.Ping(ctx)
}

// Release returns the connection to its pool for reuse. The first call wins;
// later calls return ErrAlreadyReleased without touching any counter.
func (mc *ManagedConn) Release() error {
	if !mc.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	mc.quota.Release(mc.tenantID)
	mc.pool.release(mc.pc, false)
	mc.events.Publish(Event{
		Type:     EventRelease,
		Pool:     mc.pool.name,
		TenantID: mc.tenantID,
		ConnID:   mc.pc.id,
	})
	return nil
}

// ReleaseWithError records a mid-use failure and returns the connection to
// the pool. Connection-level failures discard the physical connection rather
// than recycling it; statement-level failures keep it. Safe to call once.
func (mc *ManagedConn) ReleaseWithError(err error) error {
	if !mc.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	damaged := Classify(err) == ClassTransient
	mc.quota.Release(mc.tenantID)
	mc.metrics.queryFailed()
	mc.pool.release(mc.pc, damaged)
	mc.events.Publish(Event{
		Type:     EventError,
		Pool:     mc.pool.name,
		TenantID: mc.tenantID,
		ConnID:   mc.pc.id,
		Err:      err,
	})
	return nil
}
