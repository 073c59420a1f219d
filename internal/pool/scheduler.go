package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harborgrid/poolcore/internal/config"
)

// Priority orders how long an acquisition request is willing to wait. High
// priority callers fail fast and fall back; low priority (background) callers
// tolerate waiting. There is no preemption over already-queued waiters: the
// scheduler provides timeout-based priority, not strict per-class ordering.
type Priority int8

const (
	// PriorityDefault resolves to the pool's configured default class.
	PriorityDefault Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityDefault:
		return "default"
	default:
		return "unknown"
	}
}

// ParsePriority converts a config string into a Priority. Empty input maps to
// medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// Scheduler maps priority classes to acquisition deadlines and performs
// deadline-bounded acquisition against a pool.
type Scheduler struct {
	highTimeout   time.Duration
	mediumTimeout time.Duration
	lowTimeout    time.Duration
}

// NewScheduler builds a scheduler from configured class timeouts, falling
// back to defaults for unset values.
func NewScheduler(cfg config.SchedulerConfig) *Scheduler {
	defaults := config.DefaultConfig().Scheduler
	s := &Scheduler{
		highTimeout:   cfg.HighTimeout,
		mediumTimeout: cfg.MediumTimeout,
		lowTimeout:    cfg.LowTimeout,
	}
	if s.highTimeout <= 0 {
		s.highTimeout = defaults.HighTimeout
	}
	if s.mediumTimeout <= 0 {
		s.mediumTimeout = defaults.MediumTimeout
	}
	if s.lowTimeout <= 0 {
		s.lowTimeout = defaults.LowTimeout
	}
	return s
}

// AcquireTimeout returns the acquisition deadline for a priority class.
func (s *Scheduler) AcquireTimeout(p Priority) time.Duration {
	switch p {
	case PriorityHigh:
		return s.highTimeout
	case PriorityLow:
		return s.lowTimeout
	default:
		return s.mediumTimeout
	}
}

// Acquire races the pool's free-connection signal against the priority-class
// deadline. A deadline expiry surfaces as ErrAcquireTimeout and is a
// backpressure signal, not a pool fault.
func (s *Scheduler) Acquire(ctx context.Context, p *Pool, prio Priority) (*physConn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.AcquireTimeout(prio))
	defer cancel()

	conn, err := p.acquire(acquireCtx)
	if err != nil {
		// Only map the scheduler's own deadline to a timeout; caller
		// cancellation propagates as-is.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrAcquireTimeout
		}
		return nil, err
	}
	return conn, nil
}
