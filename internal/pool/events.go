package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a pool lifecycle event.
type EventType int8

const (
	EventConnect EventType = iota
	EventRelease
	EventRemove
	EventError
	EventHealthOK
	EventHealthFail
	EventScale
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventRelease:
		return "release"
	case EventRemove:
		return "remove"
	case EventError:
		return "error"
	case EventHealthOK:
		return "health_ok"
	case EventHealthFail:
		return "health_fail"
	case EventScale:
		return "scale"
	default:
		return "unknown"
	}
}

// Event is the typed notification emitted by pools and the registry. It
// replaces anonymous per-pool callbacks so observers can be tested and
// ordered explicitly.
type Event struct {
	Type     EventType
	Pool     string
	TenantID string
	ConnID   string
	Err      error
	At       time.Time
}

// Observer consumes pool events. Implementations must not block; slow
// observers cause events to be dropped, not publishers to stall.
type Observer interface {
	OnPoolEvent(Event)
}

// Dispatcher fans pool events out to registered observers on a dedicated
// goroutine. Publish never blocks; when the buffer is full the event is
// dropped and counted.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer
	events    chan Event
	dropped   atomic.Uint64
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewDispatcher creates and starts a dispatcher with the given buffer size.
func NewDispatcher(buffer int, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		events:  make(chan Event, buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go d.run()
	return d
}

// Subscribe registers an observer for all subsequent events.
func (d *Dispatcher) Subscribe(obs Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, obs)
}

// Publish enqueues an event without blocking the caller. Events published
// after Close are counted as dropped.
func (d *Dispatcher) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case <-d.closing:
		d.dropped.Add(1)
		return
	default:
	}
	select {
	case d.events <- e:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close drains pending events and stops the dispatch goroutine. Idempotent.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closing)
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case e := <-d.events:
			d.dispatch(e)
		case <-d.closing:
			for {
				select {
				case e := <-d.events:
					d.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(e Event) {
	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()

	for _, obs := range observers {
		obs.OnPoolEvent(e)
	}
}
