package transform

import (
	"math"
	"sort"
	"time"
)

// nullCounts tallies values skipped by sum and mean.
type nullCounts struct {
	quantities     int
	participations int
}

// aggregate groups rows by tipo. Groups are ordered by category and members by codigo,
// so the result is identical for any input ordering.
func aggregate(rows []row) ([]AggregatedRecord, nullCounts) {
	groups := map[string][]row{}
	for _, r := range rows {
		groups[r.tipo] = append(groups[r.tipo], r)
	}

	categories := make([]string, 0, len(groups))
	for c := range groups {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var nulls nullCounts
	out := make([]AggregatedRecord, 0, len(categories))
	for _, category := range categories {
		members := groups[category]
		sort.SliceStable(members, func(i, j int) bool { return lessRow(members[i], members[j]) })

		rec := AggregatedRecord{
			Category:             category,
			MemberCount:          int64(len(members)),
			Members:              make([]string, 0, len(members)),
			MemberQuantities:     make([]float64, 0, len(members)),
			MemberParticipations: make([]float64, 0, len(members)),
		}

		var partSum float64
		var partN int
		for i, m := range members {
			rec.Members = append(rec.Members, m.codigo)

			if m.qtdeTeorica != nil {
				rec.TotalQuantity += *m.qtdeTeorica
				rec.MemberQuantities = append(rec.MemberQuantities, *m.qtdeTeorica)
			} else {
				nulls.quantities++
				rec.MemberQuantities = append(rec.MemberQuantities, math.NaN())
			}

			if m.participacaoPct != nil {
				partSum += *m.participacaoPct
				partN++
				rec.MemberParticipations = append(rec.MemberParticipations, *m.participacaoPct)
			} else {
				nulls.participations++
				rec.MemberParticipations = append(rec.MemberParticipations, math.NaN())
			}

			if i == 0 || m.collectedAt.Before(rec.EarliestCollection) {
				rec.EarliestCollection = m.collectedAt
			}
		}
		if partN > 0 {
			mean := partSum / float64(partN)
			rec.AverageParticipationPct = &mean
		}
		out = append(out, rec)
	}
	return out, nulls
}

// lessRow orders by codigo, breaking ties on every other field.
func lessRow(a, b row) bool {
	if a.codigo != b.codigo {
		return a.codigo < b.codigo
	}
	if !a.collectedAt.Equal(b.collectedAt) {
		return a.collectedAt.Before(b.collectedAt)
	}
	if c := compareOptional(a.qtdeTeorica, b.qtdeTeorica); c != 0 {
		return c < 0
	}
	return compareOptional(a.participacaoPct, b.participacaoPct) < 0
}

// compareOptional orders nil before any value.
func compareOptional(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

// refine turns an aggregate into its published row.
func refine(rec AggregatedRecord, now time.Time) (RefinedRecord, bool) {
	days, clamped := DaysSince(rec.EarliestCollection, now)
	return RefinedRecord{
		TotalQuantidadeTeorica:     rec.TotalQuantity,
		ParticipacaoMedia:          rec.AverageParticipationPct,
		TotalAcoesPorTipo:          rec.MemberCount,
		QuantidadeTeoricaAcoes:     rec.MemberQuantities,
		PercentualParticipacaoIbov: rec.MemberParticipations,
		Codigos:                    rec.Members,
		DiasDesdeColeta:            days,
	}, clamped
}
