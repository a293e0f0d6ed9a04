package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvHelpersFallBackToDefaults(t *testing.T) {
	t.Setenv("B3X_INT", "not-a-number")
	t.Setenv("B3X_DUR", "-5s")
	t.Setenv("B3X_BOOL", "maybe")

	require.Equal(t, "def", Env("B3X_MISSING", "def"))
	require.Equal(t, 7, EnvInt("B3X_INT", 7))
	require.Equal(t, 3*time.Second, EnvDuration("B3X_DUR", 3*time.Second))
	require.True(t, EnvBool("B3X_BOOL", true))
}

func TestEnvHelpersParseValues(t *testing.T) {
	t.Setenv("B3X_INT", "42")
	t.Setenv("B3X_INT64", "0")
	t.Setenv("B3X_DUR", "1m30s")
	t.Setenv("B3X_BOOL", "false")
	t.Setenv("B3X_LIST", " a, b ,,a/ ,c")

	require.Equal(t, 42, EnvInt("B3X_INT", 1))
	require.Equal(t, int64(0), EnvInt64("B3X_INT64", 9))
	require.Equal(t, 90*time.Second, EnvDuration("B3X_DUR", time.Second))
	require.False(t, EnvBool("B3X_BOOL", true))
	require.Equal(t, []string{"a", "b", "c"}, EnvList("B3X_LIST", nil))
}

func TestSHA256HexIsStable(t *testing.T) {
	require.Equal(t, SHA256Hex("raw/year=2025/"), SHA256Hex("raw/year=2025/"))
	require.NotEqual(t, SHA256Hex("a"), SHA256Hex("b"))
	require.Len(t, SHA256Hex("a"), 64)
}

func TestDedupKeepsFirstOccurrence(t *testing.T) {
	require.Equal(t, []string{"raw", "refined"}, Dedup([]string{"raw/", "refined", "raw", "refined//"}))
	require.Empty(t, Dedup(nil))
}
