package objectstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultKey_IsDeterministicPerRunPerDay(t *testing.T) {
	ts := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	key := ResultKey("tenant-1", "run-abc", ts)
	require.Equal(t, "tenants/tenant-1/2026/03/05/run-abc/result.json", key)

	// Re-computing the key for the same inputs must be byte-identical:
	// re-uploads depend on it addressing the same object.
	key2 := ResultKey("tenant-1", "run-abc", ts)
	require.Equal(t, key, key2)
}

func TestResultKey_DiffersAcrossTenants(t *testing.T) {
	ts := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	require.NotEqual(t, ResultKey("tenant-1", "run-abc", ts), ResultKey("tenant-2", "run-abc", ts))
}
