package rtconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(env(nil))
	require.NoError(t, err)
	require.Equal(t, int64(4_096_000), cfg.PartitionBytes)
	require.True(t, cfg.DisableCompress)
	require.True(t, cfg.UseGDRAllgather)
	require.Equal(t, HashNaive, cfg.KeyHashFn)
	require.Equal(t, RoleWorker, cfg.Role)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"PARTITION_BYTES": "1024",
		"KEY_HASH_FN":     "mixed",
		"MIXED_MODE_BOUND": "4",
		"DMLC_NUM_SERVER":  "4",
		"REDUCE_ROOTS":     "0, 2",
		"DMLC_ROLE":        "joint",
	}))
	require.NoError(t, err)
	require.Equal(t, int64(1024), cfg.PartitionBytes)
	require.Equal(t, HashMixed, cfg.KeyHashFn)
	require.Equal(t, []int{0, 2}, cfg.ReduceRoots)
	require.Equal(t, RoleJoint, cfg.Role)
}

func TestLoadRejectsMixedBoundBelowServerCount(t *testing.T) {
	_, err := Load(env(map[string]string{
		"DMLC_NUM_SERVER":  "8",
		"MIXED_MODE_BOUND": "2",
	}))
	require.Error(t, err)
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	_, err := Load(env(map[string]string{"DMLC_ROLE": "bogus"}))
	require.Error(t, err)
}

func TestRoundedPartitionBound(t *testing.T) {
	cfg := Default()
	cfg.PartitionBytes = 4_096_000
	cfg.PageSize = 4096
	got := cfg.RoundedPartitionBound(3)
	require.Equal(t, int64(0), got%(3*4096))
	require.GreaterOrEqual(t, got, cfg.PartitionBytes)
}
