package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborgrid/poolcore/internal/config"
)

// physConn is one physical connection with its recycling bookkeeping.
type physConn struct {
	conn      Conn
	id        string
	createdAt time.Time
	idleSince time.Time
	uses      int64
}

// PoolStats is a point-in-time view of a pool's physical connections.
type PoolStats struct {
	Open    int `json:"open"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
	Min     int `json:"min"`
}

// Pool is a named, bounded set of reusable physical connections. Connections
// are dialed lazily up to max, kept warm down to min, and recycled when they
// exceed their lifetime, idle timeout or use limit. Callers park in a FIFO
// waitlist when the pool is saturated.
type Pool struct {
	name   string
	cfg    config.PoolConfig
	dialer Dialer
	logger *zap.Logger
	events *Dispatcher

	mu      sync.Mutex
	idle    []*physConn
	open    int
	max     int
	closed  bool
	waiters waitlist

	closeCh    chan struct{}
	reaperDone chan struct{}
}

// newPool dials the minimum connection count synchronously so construction
// fails fast on bad credentials or an unreachable host, then starts the idle
// reaper.
func newPool(name string, cfg config.PoolConfig, dialer Dialer, events *Dispatcher, logger *zap.Logger) (*Pool, error) {
	p := &Pool{
		name:       name,
		cfg:        cfg,
		dialer:     dialer,
		logger:     logger,
		events:     events,
		max:        cfg.MaxConns,
		closeCh:    make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	for i := 0; i < cfg.MinConns; i++ {
		pc, err := p.dial(context.Background())
		if err != nil {
			p.drainIdle()
			return nil, fmt.Errorf("warm-up dial %d/%d failed: %w", i+1, cfg.MinConns, err)
		}
		p.mu.Lock()
		p.open++
		pc.idleSince = time.Now()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}

	go p.reap()

	logger.Info("created connection pool",
		zap.String("pool", name),
		zap.Int("min_conns", cfg.MinConns),
		zap.Int("max_conns", cfg.MaxConns))
	return p, nil
}

// Name returns the pool's logical name.
func (p *Pool) Name() string { return p.name }

// Config returns the immutable pool configuration.
func (p *Pool) Config() config.PoolConfig { return p.cfg }

// Stats returns a point-in-time snapshot of the pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Open:    p.open,
		Idle:    len(p.idle),
		InUse:   p.open - len(p.idle),
		Waiting: p.waiters.len(),
		Max:     p.max,
		Min:     p.cfg.MinConns,
	}
}

// Max returns the current maximum pool size.
func (p *Pool) Max() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// acquire hands out an idle connection, dials a new one if below capacity, or
// parks the caller in the waitlist until a connection frees or ctx expires.
// A waiter that times out is detached from the waitlist so nothing leaks.
func (p *Pool) acquire(ctx context.Context) (*physConn, error) {
	for {
		if err := ctx.Err(); err != nil {
			// Pass the baton in case we consumed a capacity wake-up on a
			// previous loop iteration.
			p.mu.Lock()
			p.wakeOneLocked()
			p.mu.Unlock()
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Fast path: reuse an idle connection, discarding stale ones.
		now := time.Now()
		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if p.expired(pc, now) {
				p.open--
				p.destroy(pc)
				continue
			}
			pc.idleSince = time.Time{}
			pc.uses++
			p.mu.Unlock()
			return pc, nil
		}

		// Below capacity: reserve a slot and dial outside the lock.
		if p.open < p.max {
			p.open++
			p.mu.Unlock()

			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.wakeOneLocked()
				p.mu.Unlock()
				return nil, err
			}
			pc.uses++
			return pc, nil
		}

		// Saturated: park until a release hands us a connection, capacity
		// frees (nil wake-up, retry the loop), the deadline fires, or the
		// pool closes.
		elem := p.waiters.enqueue()
		w := elem.Value.(*waiter)
		p.mu.Unlock()

		select {
		case pc := <-w.ch:
			if pc == nil {
				continue
			}
			pc.uses++
			return pc, nil

		case <-ctx.Done():
			p.mu.Lock()
			removed := p.waiters.remove(elem)
			p.mu.Unlock()
			if !removed {
				// A hand-off raced our deadline; we won a connection.
				if pc := <-w.ch; pc != nil {
					pc.uses++
					return pc, nil
				}
				continue
			}
			return nil, ctx.Err()

		case <-p.closeCh:
			p.mu.Lock()
			removed := p.waiters.remove(elem)
			p.mu.Unlock()
			if !removed {
				if pc := <-w.ch; pc != nil {
					pc.uses++
					return pc, nil
				}
				continue
			}
			return nil, ErrPoolClosed
		}
	}
}

// release returns a connection to the pool. Damaged or worn-out connections
// are destroyed; otherwise the connection is handed to the longest waiter or
// pushed back on the idle stack.
func (p *Pool) release(pc *physConn, damaged bool) {
	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		p.closeConn(pc)
		return
	}

	now := time.Now()
	if damaged || p.expired(pc, now) || p.open > p.max {
		p.open--
		p.wakeOneLocked()
		p.mu.Unlock()
		p.closeConn(pc)
		p.events.Publish(Event{Type: EventRemove, Pool: p.name, ConnID: pc.id})
		return
	}

	if w := p.waiters.pop(); w != nil {
		p.mu.Unlock()
		w.ch <- pc
		return
	}

	pc.idleSince = now
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// Resize changes the pool's maximum size. Growing wakes parked waiters so
// they can dial into the new capacity; shrinking closes surplus idle
// connections now and drains in-use surplus on release. A non-positive max
// is ignored: it would wedge every future acquire.
func (p *Pool) Resize(newMax int) {
	if newMax <= 0 {
		p.logger.Warn("ignoring resize to non-positive max",
			zap.String("pool", p.name), zap.Int("new_max", newMax))
		return
	}

	var surplus []*physConn

	p.mu.Lock()
	old := p.max
	p.max = newMax
	if newMax > old {
		for i := 0; i < newMax-old; i++ {
			if !p.wakeOneLocked() {
				break
			}
		}
	}
	for p.open > p.max && len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.open--
		surplus = append(surplus, pc)
	}
	p.mu.Unlock()

	for _, pc := range surplus {
		p.closeConn(pc)
		p.events.Publish(Event{Type: EventRemove, Pool: p.name, ConnID: pc.id})
	}
	p.events.Publish(Event{Type: EventScale, Pool: p.name})
	p.logger.Info("pool resized",
		zap.String("pool", p.name), zap.Int("old_max", old), zap.Int("new_max", newMax))
}

// Close shuts the pool down: waiters are failed with ErrPoolClosed, idle
// connections are closed, and connections still held by callers are closed as
// they are released. Idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	conns := p.idle
	p.idle = nil
	p.open -= len(conns)
	p.mu.Unlock()

	<-p.reaperDone

	var errs []error
	for _, pc := range conns {
		if err := pc.conn.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("conn %s: %w", pc.id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pool %s close: %w", p.name, errors.Join(errs...))
	}
	return nil
}

// wakeOneLocked hands a nil wake-up to the longest waiter so it retries the
// acquire loop against freed capacity. Must be called with p.mu held.
func (p *Pool) wakeOneLocked() bool {
	w := p.waiters.pop()
	if w == nil {
		return false
	}
	w.ch <- nil
	return true
}

func (p *Pool) expired(pc *physConn, now time.Time) bool {
	if p.cfg.MaxConnLifetime > 0 && now.Sub(pc.createdAt) >= p.cfg.MaxConnLifetime {
		return true
	}
	if p.cfg.MaxUses > 0 && pc.uses >= p.cfg.MaxUses {
		return true
	}
	if !pc.idleSince.IsZero() && p.cfg.IdleTimeout > 0 && now.Sub(pc.idleSince) >= p.cfg.IdleTimeout {
		return true
	}
	return false
}

func (p *Pool) dial(ctx context.Context) (*physConn, error) {
	dialCtx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := p.dialer.Connect(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial pool %s: %w", p.name, err)
	}

	pc := &physConn{
		conn:      conn,
		id:        uuid.NewString(),
		createdAt: time.Now(),
	}
	p.events.Publish(Event{Type: EventConnect, Pool: p.name, ConnID: pc.id})
	return pc, nil
}

// destroy schedules an expired connection for closure. Must be called with
// p.mu held; the close itself runs off the lock.
func (p *Pool) destroy(pc *physConn) {
	go func() {
		p.closeConn(pc)
		p.events.Publish(Event{Type: EventRemove, Pool: p.name, ConnID: pc.id})
	}()
}

func (p *Pool) closeConn(pc *physConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pc.conn.Close(ctx); err != nil {
		p.logger.Debug("connection close failed",
			zap.String("pool", p.name), zap.String("conn_id", pc.id), zap.Error(err))
	}
}

// reap prunes idle connections past their idle timeout, never dropping the
// pool below its configured minimum, and re-dials when damaged releases have
// left the pool under it.
func (p *Pool) reap() {
	defer close(p.reaperDone)

	interval := p.cfg.IdleTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.pruneIdle()
			p.ensureMin()
		}
	}
}

func (p *Pool) pruneIdle() {
	var pruned []*physConn

	p.mu.Lock()
	now := time.Now()
	// Coldest connections sit at the front of the LIFO stack.
	for len(p.idle) > 0 && p.open > p.cfg.MinConns {
		pc := p.idle[0]
		if !p.expired(pc, now) {
			break
		}
		p.idle = p.idle[1:]
		p.open--
		pruned = append(pruned, pc)
	}
	p.mu.Unlock()

	for _, pc := range pruned {
		p.closeConn(pc)
		p.events.Publish(Event{Type: EventRemove, Pool: p.name, ConnID: pc.id})
	}
	if len(pruned) > 0 {
		p.logger.Debug("pruned idle connections",
			zap.String("pool", p.name), zap.Int("count", len(pruned)))
	}
}

// ensureMin dials replacements until the pool is back at its configured
// minimum, handing each fresh connection to a parked waiter first. One failed
// dial ends the round; the next tick retries.
func (p *Pool) ensureMin() {
	for {
		p.mu.Lock()
		if p.closed || p.open >= p.cfg.MinConns || p.open >= p.max {
			p.mu.Unlock()
			return
		}
		p.open++
		p.mu.Unlock()

		pc, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			p.logger.Warn("failed to restore pool minimum",
				zap.String("pool", p.name), zap.Error(err))
			return
		}

		p.mu.Lock()
		if p.closed {
			p.open--
			p.mu.Unlock()
			p.closeConn(pc)
			return
		}
		if w := p.waiters.pop(); w != nil {
			p.mu.Unlock()
			w.ch <- pc
			continue
		}
		pc.idleSince = time.Now()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
}

// drainIdle closes warm-up connections after a failed construction.
func (p *Pool) drainIdle() {
	p.mu.Lock()
	conns := p.idle
	p.idle = nil
	p.open -= len(conns)
	p.mu.Unlock()
	for _, pc := range conns {
		p.closeConn(pc)
	}
}
