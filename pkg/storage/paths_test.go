package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDateRejectsImpossibleDates(t *testing.T) {
	_, err := NewDate(2025, 2, 30)
	require.Error(t, err)
	_, err = NewDate(2025, 13, 1)
	require.Error(t, err)
	_, err = NewDate(2025, 0, 1)
	require.Error(t, err)

	d, err := NewDate(2024, 2, 29)
	require.NoError(t, err)
	require.Equal(t, "2024-02-29", d.String())
}

func TestPartitionPaths(t *testing.T) {
	d := Date{Year: 2025, Month: 6, Day: 1}

	require.Equal(t, "year=2025/month=06/day=01", d.Path())
	require.Equal(t, "refined/year=2025/month=06/day=01/", DatePrefix("refined/", d))
	require.Equal(t, "refined/year=2025/month=06/day=01/tipo=ON_NM/part-00000.parquet",
		PartitionKey("refined", d, SanitizeTipo("ON NM")))
	require.Equal(t, "refined/_manifests/year=2025/month=06/day=01.json", ManifestKey("refined", d))
	require.Equal(t, "_staging/abc/", StagingPrefix("abc"))
}

func TestSanitizeTipo(t *testing.T) {
	require.Equal(t, "PN_N1", SanitizeTipo("PN N1"))
	require.Equal(t, "UNT_N2", SanitizeTipo("UNT/N2"))
	require.Equal(t, DefaultTipo, SanitizeTipo(""))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2025-06-01")
	require.NoError(t, err)
	require.Equal(t, Date{Year: 2025, Month: 6, Day: 1}, d)

	for _, bad := range []string{"", "2025-02-30", "01/06/2025", "2025-6-1"} {
		_, err := ParseDate(bad)
		require.Error(t, err, bad)
	}
}
