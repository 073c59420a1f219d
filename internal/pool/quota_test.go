package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestQuotaTrackerUnmeteredAlwaysAllowed(t *testing.T) {
	qt := NewQuotaTracker(zaptest.NewLogger(t))

	for i := 0; i < 100; i++ {
		require.NoError(t, qt.Reserve("unmetered-tenant"))
	}
	assert.Equal(t, 0, qt.Usage("unmetered-tenant"))
}

func TestQuotaTrackerEnforcesCeiling(t *testing.T) {
	qt := NewQuotaTracker(zaptest.NewLogger(t))
	qt.SetQuota("t1", 2, PriorityMedium, 0)

	require.NoError(t, qt.Reserve("t1"))
	require.NoError(t, qt.Reserve("t1"))
	assert.ErrorIs(t, qt.Reserve("t1"), ErrQuotaExceeded)
	assert.Equal(t, 2, qt.Usage("t1"))

	qt.Release("t1")
	require.NoError(t, qt.Reserve("t1"))
}

func TestQuotaTrackerNeverExceedsUnderConcurrency(t *testing.T) {
	const (
		acquirers = 50
		ceiling   = 3
	)

	qt := NewQuotaTracker(zaptest.NewLogger(t))
	qt.SetQuota("t1", ceiling, PriorityHigh, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if qt.Reserve("t1") == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, ceiling, granted)
	assert.Equal(t, ceiling, qt.Usage("t1"))
	assert.LessOrEqual(t, qt.Usage("t1"), ceiling)
}

func TestQuotaTrackerReleaseNeverGoesNegative(t *testing.T) {
	qt := NewQuotaTracker(zaptest.NewLogger(t))
	qt.SetQuota("t1", 5, PriorityLow, 0)

	qt.Release("t1")
	qt.Release("t1")
	assert.Equal(t, 0, qt.Usage("t1"))

	require.NoError(t, qt.Reserve("t1"))
	assert.Equal(t, 1, qt.Usage("t1"))
}

func TestQuotaTrackerUpdatePreservesUsage(t *testing.T) {
	qt := NewQuotaTracker(zaptest.NewLogger(t))
	qt.SetQuota("t1", 3, PriorityMedium, 0)
	require.NoError(t, qt.Reserve("t1"))

	qt.SetQuota("t1", 10, PriorityHigh, 100)
	assert.Equal(t, 1, qt.Usage("t1"))

	snaps := qt.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 10, snaps[0].MaxConnections)
	assert.Equal(t, 1, snaps[0].CurrentConnections)
	assert.Equal(t, "high", snaps[0].PriorityLevel)
}

func TestQuotaTrackerSnapshotSorted(t *testing.T) {
	qt := NewQuotaTracker(zaptest.NewLogger(t))
	qt.SetQuota("beta", 1, PriorityMedium, 0)
	qt.SetQuota("alpha", 1, PriorityMedium, 0)
	qt.SetQuota("gamma", 1, PriorityMedium, 0)

	snaps := qt.Snapshot()
	require.Len(t, snaps, 3)
	assert.Equal(t, "alpha", snaps[0].TenantID)
	assert.Equal(t, "beta", snaps[1].TenantID)
	assert.Equal(t, "gamma", snaps[2].TenantID)
}

func TestQuotaTrackerRemoveMakesUnmetered(t *testing.T) {
	qt := NewQuotaTracker(zaptest.NewLogger(t))
	qt.SetQuota("t1", 1, PriorityMedium, 0)
	require.NoError(t, qt.Reserve("t1"))
	assert.ErrorIs(t, qt.Reserve("t1"), ErrQuotaExceeded)

	qt.RemoveQuota("t1")
	require.NoError(t, qt.Reserve("t1"))
}
