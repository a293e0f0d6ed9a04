package transform

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

var collected = time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

func sampleRows() []row {
	return []row{
		{codigo: "PETR4", tipo: "PN N2", qtdeTeorica: f(4_500_000_000), participacaoPct: f(7.1), collectedAt: collected},
		{codigo: "VALE3", tipo: "ON NM", qtdeTeorica: f(4_200_000_000), participacaoPct: f(10.3), collectedAt: collected.Add(time.Minute)},
		{codigo: "ITUB4", tipo: "PN N1", qtdeTeorica: f(4_800_000_000), participacaoPct: f(6.2), collectedAt: collected},
		{codigo: "BBDC4", tipo: "PN N1", qtdeTeorica: f(5_100_000_000), participacaoPct: f(3.4), collectedAt: collected},
		{codigo: "ABEV3", tipo: "ON NM", qtdeTeorica: f(4_300_000_000.25), participacaoPct: f(2.9), collectedAt: collected},
		{codigo: "WEGE3", tipo: "ON NM", qtdeTeorica: f(0.1), participacaoPct: f(0.2), collectedAt: collected},
	}
}

func TestAggregateGroupsByTipo(t *testing.T) {
	groups, nulls := aggregate(sampleRows())
	require.Zero(t, nulls.quantities)
	require.Len(t, groups, 3)

	onnm := groups[0]
	require.Equal(t, "ON NM", onnm.Category)
	require.EqualValues(t, 3, onnm.MemberCount)
	require.Equal(t, []string{"ABEV3", "VALE3", "WEGE3"}, onnm.Members)
	require.InDelta(t, 8_500_000_000.35, onnm.TotalQuantity, 1e-3)
	require.InDelta(t, (2.9+10.3+0.2)/3, *onnm.AverageParticipationPct, 1e-9)
	require.Equal(t, collected, onnm.EarliestCollection)

	var total int64
	for _, g := range groups {
		total += g.MemberCount
	}
	require.EqualValues(t, len(sampleRows()), total)
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	want, _ := aggregate(sampleRows())
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		rows := sampleRows()
		rng.Shuffle(len(rows), func(a, b int) { rows[a], rows[b] = rows[b], rows[a] })
		got, _ := aggregate(rows)
		require.Equal(t, want, got)
	}
}

func TestAggregateSkipsNullNumerics(t *testing.T) {
	rows := []row{
		{codigo: "A", tipo: "ON", qtdeTeorica: f(10), participacaoPct: nil, collectedAt: collected},
		{codigo: "B", tipo: "ON", qtdeTeorica: nil, participacaoPct: f(4), collectedAt: collected},
		{codigo: "C", tipo: "ON", qtdeTeorica: f(5), participacaoPct: f(2), collectedAt: collected},
		{codigo: "D", tipo: "PN", collectedAt: collected},
	}
	groups, nulls := aggregate(rows)
	require.Equal(t, 2, nulls.quantities)
	require.Equal(t, 2, nulls.participations)

	on := groups[0]
	require.EqualValues(t, 3, on.MemberCount, "count includes rows with null numerics")
	require.Equal(t, 15.0, on.TotalQuantity)
	require.Equal(t, 3.0, *on.AverageParticipationPct)
	require.True(t, math.IsNaN(on.MemberQuantities[1]))
	require.True(t, math.IsNaN(on.MemberParticipations[0]))

	pn := groups[1]
	require.Zero(t, pn.TotalQuantity)
	require.Nil(t, pn.AverageParticipationPct)
}

func TestRefineUsesEarliestCollection(t *testing.T) {
	rec := AggregatedRecord{EarliestCollection: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), MemberCount: 2}
	out, clamped := refine(rec, time.Date(2025, 6, 5, 12, 0, 0, 0, time.UTC))
	require.False(t, clamped)
	require.EqualValues(t, 4, out.DiasDesdeColeta)
	require.EqualValues(t, 2, out.TotalAcoesPorTipo)
}
