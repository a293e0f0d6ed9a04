package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/b3x-data/b3x/pkg/catalog"
	"github.com/b3x-data/b3x/pkg/storage"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var day = storage.Date{Year: 2025, Month: 6, Day: 1}

func s(v string) *string { return &v }

func rawRecord(codigo, tipo string, qtde, part float64, ts string) RawRecord {
	return RawRecord{Codigo: s(codigo), Acao: s(codigo + " SA"), Tipo: s(tipo), QtdeTeorica: f(qtde), ParticipacaoPct: f(part), TimestampColeta: s(ts)}
}

func snapshot() []RawRecord {
	return []RawRecord{
		rawRecord("PETR4", "PN N2", 4500, 7.1, "2025-06-01T18:30:00.123456"),
		rawRecord("VALE3", "ON NM", 4200, 10.3, "2025-06-01T18:30:00.123456"),
		rawRecord("ABEV3", "ON NM", 4300, 2.9, "2025-06-01T18:30:00.123456"),
		rawRecord("ITUB4", "PN N1", 4800, 6.2, "2025-06-01T18:30:00.123456"),
		rawRecord("BBDC4", "PN N1", 5100, 3.4, "2025-06-01T18:30:00.123456"),
		rawRecord("UNIT1", "UNT/N2", 100, 0.5, "2025-06-01T18:30:00.123456"),
	}
}

func writeRaw(t *testing.T, store storage.Store, key string, records []RawRecord) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, parquet.Write(&buf, records))
	require.NoError(t, store.Put(context.Background(), "b3", key, buf.Bytes()))
}

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	e, err := NewEngine(store, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2025, 6, 5, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(e.Close)
	return e, store
}

func input() Input {
	return Input{
		Bucket:       "b3",
		SourcePrefix: storage.DatePrefix("raw", day),
		TargetPrefix: "refined/",
		Date:         day,
	}
}

func readPartition(t *testing.T, store storage.Store, tipo string) RefinedRecord {
	t.Helper()
	data, err := store.Get(context.Background(), "b3", storage.PartitionKey("refined/", day, tipo))
	require.NoError(t, err)
	recs, err := ReadRefined(data)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestRunPublishesOnePartitionPerTipo(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	writeRaw(t, store, "raw/year=2025/month=06/day=01/ibov_carteira_20250601.parquet", snapshot())

	m, err := e.Run(ctx, input())
	require.NoError(t, err)

	require.Equal(t, DefaultTable, m.Table)
	require.Equal(t, catalog.PartitionKeys, m.PartitionKeys)
	require.Equal(t, "b3/raw/year=2025/month=06/day=01/", m.SourceLocation)
	require.Len(t, m.Partitions, 4)

	var tipos []string
	var members int64
	for _, p := range m.Partitions {
		tipos = append(tipos, p.Tipo)
		members += readPartition(t, store, p.Tipo).TotalAcoesPorTipo
	}
	require.Equal(t, []string{"ON_NM", "PN_N1", "PN_N2", "UNT_N2"}, tipos)
	require.EqualValues(t, len(snapshot()), members, "every raw row lands in exactly one group")

	onnm := readPartition(t, store, "ON_NM")
	require.Equal(t, 8500.0, onnm.TotalQuantidadeTeorica)
	require.InDelta(t, 6.6, *onnm.ParticipacaoMedia, 1e-9)
	require.Equal(t, []string{"ABEV3", "VALE3"}, onnm.Codigos)
	require.Equal(t, []float64{4300, 4200}, onnm.QuantidadeTeoricaAcoes)
	require.Equal(t, []float64{2.9, 10.3}, onnm.PercentualParticipacaoIbov)
	require.EqualValues(t, 3, onnm.DiasDesdeColeta)

	manifest, err := store.Get(ctx, "b3", "refined/_manifests/year=2025/month=06/day=01.json")
	require.NoError(t, err)
	var persisted catalog.Manifest
	require.NoError(t, json.Unmarshal(manifest, &persisted))
	require.Equal(t, m.RunID, persisted.RunID)

	raw, err := store.Stat(ctx, "b3", "raw/year=2025/month=06/day=01/ibov_carteira_20250601.parquet")
	require.NoError(t, err)
	require.Len(t, persisted.Inputs, 1)
	require.True(t, persisted.Covers(raw.Key, raw.ModTime), "manifest records the raw objects it read")

	staging, err := store.List(ctx, "b3", storage.StagingDir+"/")
	require.NoError(t, err)
	require.Empty(t, staging)
}

func TestRunOutputSchemaOnlyHasRenamedColumns(t *testing.T) {
	e, store := newTestEngine(t)
	writeRaw(t, store, "raw/year=2025/month=06/day=01/a.parquet", snapshot())

	m, err := e.Run(context.Background(), input())
	require.NoError(t, err)

	for _, c := range m.Schema {
		require.NotEqual(t, ColQtdeTeorica, c.Name)
		require.NotEqual(t, ColParticipacaoPct, c.Name)
	}

	data, err := store.Get(context.Background(), "b3", storage.PartitionKey("refined/", day, "ON_NM"))
	require.NoError(t, err)
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, path := range pf.Schema().Columns() {
		name := strings.Join(path, ".")
		require.False(t, strings.HasPrefix(name, ColQtdeTeorica), name)
		require.False(t, strings.HasPrefix(name, ColParticipacaoPct), name)
	}
}

func TestRerunReplacesPreviousOutput(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	key := "raw/year=2025/month=06/day=01/a.parquet"

	writeRaw(t, store, key, snapshot())
	first, err := e.Run(ctx, input())
	require.NoError(t, err)

	second, err := e.Run(ctx, input())
	require.NoError(t, err)
	require.Equal(t, first.Partitions, second.Partitions, "same input, same output")

	// the UNT/N2 member left the portfolio
	writeRaw(t, store, key, snapshot()[:5])
	_, err = e.Run(ctx, input())
	require.NoError(t, err)

	objs, err := store.List(ctx, "b3", storage.DatePrefix("refined/", day))
	require.NoError(t, err)
	require.Len(t, objs, 3)
	for _, o := range objs {
		require.NotContains(t, o.Key, "tipo=UNT_N2")
	}
}

func TestRunRejectsMissingTimestamps(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	records := snapshot()
	for i := 0; i < 10; i++ {
		r := rawRecord(fmt.Sprintf("X%02d", i), "ON", 1, 1, "")
		r.TimestampColeta = nil
		records = append(records, r)
	}
	writeRaw(t, store, "raw/year=2025/month=06/day=01/a.parquet", records)

	_, err := e.Run(ctx, input())
	require.True(t, SchemaValidationError.Has(err), "got %v", err)
	require.Contains(t, err.Error(), "10 rows")

	objs, err := store.List(ctx, "b3", "refined/")
	require.NoError(t, err)
	require.Empty(t, objs, "nothing is published")
}

func TestRunRejectsMissingColumns(t *testing.T) {
	e, store := newTestEngine(t)
	body := `{"codigo":"PETR4","tipo":"PN N2","qtde_teorica":4500,"timestamp_coleta":"2025-06-01T18:30:00"}` + "\n"
	require.NoError(t, store.Put(context.Background(), "b3", "raw/year=2025/month=06/day=01/a.ndjson", []byte(body)))

	_, err := e.Run(context.Background(), input())
	require.True(t, SchemaValidationError.Has(err))
	require.Contains(t, err.Error(), ColParticipacaoPct)
}

func TestRunRejectsTipoCollision(t *testing.T) {
	e, store := newTestEngine(t)
	writeRaw(t, store, "raw/year=2025/month=06/day=01/a.parquet", []RawRecord{
		rawRecord("A", "ON NM", 1, 1, "2025-06-01T10:00:00"),
		rawRecord("B", "ON_NM", 1, 1, "2025-06-01T10:00:00"),
	})

	_, err := e.Run(context.Background(), input())
	require.True(t, SchemaValidationError.Has(err))
}

func TestRunEmptyPartition(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Run(context.Background(), input())
	require.True(t, SchemaValidationError.Has(err))
}

func TestRunReadsNDJSONAndDefaultTipo(t *testing.T) {
	e, store := newTestEngine(t)
	body := strings.Join([]string{
		`{"codigo":"PETR4","acao":"PETROBRAS","tipo":"PN N2","qtde_teorica":"4500","participacao_pct":7.1,"timestamp_coleta":"2025-06-01T18:30:00-03:00"}`,
		`{"codigo":"XPTO3","acao":"XPTO","tipo":null,"qtde_teorica":10,"participacao_pct":null,"timestamp_coleta":"2025-06-01T18:30:00-03:00"}`,
	}, "\n")
	require.NoError(t, store.Put(context.Background(), "b3", "raw/year=2025/month=06/day=01/a.ndjson", []byte(body)))

	m, err := e.Run(context.Background(), input())
	require.NoError(t, err)
	require.Len(t, m.Partitions, 2)
	require.Equal(t, storage.DefaultTipo, m.Partitions[0].Tipo)

	def := readPartition(t, store, storage.DefaultTipo)
	require.Nil(t, def.ParticipacaoMedia)
	require.Equal(t, 10.0, def.TotalQuantidadeTeorica)
}

func TestRunClampsFutureCollection(t *testing.T) {
	e, store := newTestEngine(t)
	writeRaw(t, store, "raw/year=2025/month=06/day=01/a.parquet", []RawRecord{
		rawRecord("A", "ON", 1, 1, "2025-07-01T00:00:00"),
	})

	_, err := e.Run(context.Background(), input())
	require.NoError(t, err)
	require.Zero(t, readPartition(t, store, "ON").DiasDesdeColeta)
}

func TestNewEngineRejectsUnknownCompression(t *testing.T) {
	_, err := NewEngine(nil, Config{Compression: "lzma"}, nil)
	require.Error(t, err)
}
