package pool

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// TenantQuota caps the concurrent connections of one tenant. The counter is
// guarded by a per-entry mutex so concurrent acquisitions for the same tenant
// never lose updates.
type TenantQuota struct {
	mu                 sync.Mutex
	tenantID           string
	maxConnections     int
	currentConnections int
	priorityLevel      Priority
	rateLimitPerSecond int
}

// TenantQuotaSnapshot is the read-only view exposed to admin tooling.
type TenantQuotaSnapshot struct {
	TenantID           string `json:"tenant_id"`
	MaxConnections     int    `json:"max_connections"`
	CurrentConnections int    `json:"current_connections"`
	PriorityLevel      string `json:"priority_level"`
	RateLimitPerSecond int    `json:"rate_limit_per_second"`
}

// QuotaTracker tracks per-tenant connection usage against configured
// ceilings. Pure bookkeeping, no I/O. Tenants without an entry are unmetered
// and always allowed.
type QuotaTracker struct {
	mu      sync.RWMutex
	tenants map[string]*TenantQuota
	logger  *zap.Logger
}

// NewQuotaTracker creates an empty tracker.
func NewQuotaTracker(logger *zap.Logger) *QuotaTracker {
	return &QuotaTracker{
		tenants: make(map[string]*TenantQuota),
		logger:  logger,
	}
}

// SetQuota creates or updates the ceiling for a tenant. The current usage
// counter is preserved across updates.
func (qt *QuotaTracker) SetQuota(tenantID string, maxConnections int, priority Priority, rateLimit int) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	if entry, ok := qt.tenants[tenantID]; ok {
		entry.mu.Lock()
		entry.maxConnections = maxConnections
		entry.priorityLevel = priority
		entry.rateLimitPerSecond = rateLimit
		entry.mu.Unlock()
		return
	}

	qt.tenants[tenantID] = &TenantQuota{
		tenantID:           tenantID,
		maxConnections:     maxConnections,
		priorityLevel:      priority,
		rateLimitPerSecond: rateLimit,
	}
}

// RemoveQuota deletes a tenant entry, making the tenant unmetered again.
func (qt *QuotaTracker) RemoveQuota(tenantID string) {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	delete(qt.tenants, tenantID)
}

// Reserve accounts one connection against the tenant's ceiling. It must be
// called before the pool acquisition attempt so a tenant can never exceed its
// quota even transiently. Unmetered tenants always succeed.
func (qt *QuotaTracker) Reserve(tenantID string) error {
	if tenantID == "" {
		return nil
	}

	qt.mu.RLock()
	entry, ok := qt.tenants[tenantID]
	qt.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.currentConnections >= entry.maxConnections {
		return ErrQuotaExceeded
	}
	entry.currentConnections++
	return nil
}

// Release returns one reserved connection. Releasing at zero is a logged
// no-op; the counter never goes negative.
func (qt *QuotaTracker) Release(tenantID string) {
	if tenantID == "" {
		return
	}

	qt.mu.RLock()
	entry, ok := qt.tenants[tenantID]
	qt.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.currentConnections == 0 {
		qt.logger.Warn("tenant quota release below zero suppressed",
			zap.String("tenant_id", tenantID))
		return
	}
	entry.currentConnections--
}

// Usage returns the tenant's current connection count, or zero for unmetered
// tenants.
func (qt *QuotaTracker) Usage(tenantID string) int {
	qt.mu.RLock()
	entry, ok := qt.tenants[tenantID]
	qt.mu.RUnlock()
	if !ok {
		return 0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.currentConnections
}

// Snapshot returns all tenant quotas sorted by tenant id.
func (qt *QuotaTracker) Snapshot() []TenantQuotaSnapshot {
	qt.mu.RLock()
	entries := make([]*TenantQuota, 0, len(qt.tenants))
	for _, entry := range qt.tenants {
		entries = append(entries, entry)
	}
	qt.mu.RUnlock()

	snapshots := make([]TenantQuotaSnapshot, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		snapshots = append(snapshots, TenantQuotaSnapshot{
			TenantID:           entry.tenantID,
			MaxConnections:     entry.maxConnections,
			CurrentConnections: entry.currentConnections,
			PriorityLevel:      entry.priorityLevel.String(),
			RateLimitPerSecond: entry.rateLimitPerSecond,
		})
		entry.mu.Unlock()
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].TenantID < snapshots[j].TenantID
	})
	return snapshots
}
