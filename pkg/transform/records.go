package transform

import "time"

// RawRecord is one scraped row. Every field may be null.
type RawRecord struct {
	Codigo          *string  `parquet:"codigo,optional" json:"codigo"`
	Acao            *string  `parquet:"acao,optional" json:"acao"`
	Tipo            *string  `parquet:"tipo,optional" json:"tipo"`
	QtdeTeorica     *float64 `parquet:"qtde_teorica,optional" json:"qtde_teorica"`
	ParticipacaoPct *float64 `parquet:"participacao_pct,optional" json:"participacao_pct"`
	TimestampColeta *string  `parquet:"timestamp_coleta,optional" json:"timestamp_coleta"`
}

// row is a RawRecord whose collection timestamp has been validated.
type row struct {
	codigo          string
	tipo            string
	qtdeTeorica     *float64
	participacaoPct *float64
	collectedAt     time.Time
}

// AggregatedRecord summarizes one category of one collection date.
type AggregatedRecord struct {
	Category                string
	TotalQuantity           float64
	AverageParticipationPct *float64 // nil when no member has a participation
	MemberCount             int64
	Members                 []string
	MemberQuantities        []float64 // NaN for a member without quantity
	MemberParticipations    []float64 // NaN for a member without participation
	EarliestCollection      time.Time
}

// RefinedRecord is the single row of a published partition file.
type RefinedRecord struct {
	TotalQuantidadeTeorica     float64   `parquet:"total_quantidade_teorica"`
	ParticipacaoMedia          *float64  `parquet:"participacao_media,optional"`
	TotalAcoesPorTipo          int64     `parquet:"total_acoes_por_tipo"`
	QuantidadeTeoricaAcoes     []float64 `parquet:"quantidade_teorica_acoes,list"`
	PercentualParticipacaoIbov []float64 `parquet:"percentual_participacao_ibov,list"`
	Codigos                    []string  `parquet:"codigos,list"`
	DiasDesdeColeta            int64     `parquet:"dias_desde_coleta"`
}
