package transform

import (
	"github.com/b3x-data/b3x/pkg/catalog"
	"github.com/zeebo/errs"
)

// SchemaValidationError marks raw input that cannot be refined. Nothing is published when it occurs.
var SchemaValidationError = errs.Class("schema validation")

// Raw column names as written by the scraper.
const (
	ColCodigo          = "codigo"
	ColAcao            = "acao"
	ColTipo            = "tipo"
	ColQtdeTeorica     = "qtde_teorica"
	ColParticipacaoPct = "participacao_pct"
	ColTimestampColeta = "timestamp_coleta"
)

// RequiredColumns must all be present in a raw partition.
var RequiredColumns = []string{ColCodigo, ColTipo, ColQtdeTeorica, ColParticipacaoPct, ColTimestampColeta}

// Renamed maps raw column names to their refined names.
var Renamed = map[string]string{
	ColQtdeTeorica:     "quantidade_teorica_acoes",
	ColParticipacaoPct: "percentual_participacao_ibov",
}

// RefinedSchema is the published column list, in file order.
var RefinedSchema = []catalog.Column{
	{Name: "total_quantidade_teorica", Type: "double"},
	{Name: "participacao_media", Type: "double"},
	{Name: "total_acoes_por_tipo", Type: "bigint"},
	{Name: Renamed[ColQtdeTeorica], Type: "array<double>"},
	{Name: Renamed[ColParticipacaoPct], Type: "array<double>"},
	{Name: "codigos", Type: "array<string>"},
	{Name: "dias_desde_coleta", Type: "bigint"},
}
