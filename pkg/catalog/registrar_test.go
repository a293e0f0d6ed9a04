package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var baseSchema = []Column{
	{Name: "total_quantidade_teorica", Type: "double"},
	{Name: "participacao_media", Type: "double"},
	{Name: "codigos", Type: "array<string>"},
}

func manifest(schema []Column, tipos ...string) Manifest {
	m := Manifest{
		Table:          "bovespa_refined_data",
		SourceLocation: "b3/raw/year=2025/month=06/day=01/",
		Schema:         schema,
		PartitionKeys:  PartitionKeys,
	}
	for _, tipo := range tipos {
		m.Partitions = append(m.Partitions, Partition{Year: 2025, Month: 6, Day: 1, Tipo: tipo, Rows: 1})
	}
	return m
}

func TestRegisterCreatesTable(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistrar(store, zaptest.NewLogger(t))

	res, err := r.Register(context.Background(), manifest(baseSchema, "ON_NM", "PN_N1"))
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, 2, res.AddedPartitions)

	tbl, ok, err := store.GetTable(context.Background(), "bovespa_refined_data")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, baseSchema, tbl.Schema)
	require.Equal(t, []string{"year", "month", "day", "tipo"}, tbl.PartitionKeys)
}

func TestRegisterIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistrar(store, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := r.Register(ctx, manifest(baseSchema, "ON_NM", "PN_N1"))
	require.NoError(t, err)
	res, err := r.Register(ctx, manifest(baseSchema, "ON_NM", "PN_N1", "UNT_N2"))
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Empty(t, res.AddedColumns)
	require.Equal(t, 1, res.AddedPartitions)
	require.Equal(t, 2, res.ExistingPartitions)

	parts, err := store.Partitions(ctx, "bovespa_refined_data")
	require.NoError(t, err)
	require.Len(t, parts, 3)
}

func TestRegisterAppendsNewColumns(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistrar(store, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := r.Register(ctx, manifest(baseSchema, "ON_NM"))
	require.NoError(t, err)

	wider := append([]Column{{Name: "dias_desde_coleta", Type: "bigint"}}, baseSchema...)
	res, err := r.Register(ctx, manifest(wider, "ON_NM"))
	require.NoError(t, err)
	require.Equal(t, []string{"dias_desde_coleta"}, res.AddedColumns)

	tbl, _, err := store.GetTable(ctx, "bovespa_refined_data")
	require.NoError(t, err)
	require.Len(t, tbl.Schema, 4)
	require.Equal(t, baseSchema, tbl.Schema[:3], "existing columns keep their position")
	require.Equal(t, "dias_desde_coleta", tbl.Schema[3].Name)
}

func TestRegisterRejectsDestructiveChanges(t *testing.T) {
	cases := map[string]Manifest{
		"removed column": manifest(baseSchema[:2], "PN_N1"),
		"retyped column": manifest([]Column{
			{Name: "total_quantidade_teorica", Type: "bigint"},
			{Name: "participacao_media", Type: "double"},
			{Name: "codigos", Type: "array<string>"},
		}, "PN_N1"),
		"partition keys": func() Manifest {
			m := manifest(baseSchema, "PN_N1")
			m.PartitionKeys = []string{"year", "month", "day", "category"}
			return m
		}(),
	}

	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			r := NewRegistrar(store, zaptest.NewLogger(t))
			ctx := context.Background()
			_, err := r.Register(ctx, manifest(baseSchema, "ON_NM"))
			require.NoError(t, err)

			_, err = r.Register(ctx, m)
			require.True(t, SchemaEvolutionError.Has(err), "got %v", err)

			tbl, _, err := store.GetTable(ctx, "bovespa_refined_data")
			require.NoError(t, err)
			require.Equal(t, baseSchema, tbl.Schema, "schema untouched")
			parts, err := store.Partitions(ctx, "bovespa_refined_data")
			require.NoError(t, err)
			require.Len(t, parts, 1, "nothing registered from the rejected manifest")
		})
	}
}

func TestRegisterConcurrentManifests(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistrar(store, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for _, tipo := range []string{"ON", "PN", "UNT", "ON_NM", "PN_N1"} {
		wg.Add(1)
		go func(tipo string) {
			defer wg.Done()
			_, err := r.Register(context.Background(), manifest(baseSchema, tipo))
			assert.NoError(t, err)
		}(tipo)
	}
	wg.Wait()

	parts, err := store.Partitions(context.Background(), "bovespa_refined_data")
	require.NoError(t, err)
	require.Len(t, parts, 5)
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f failingStore) AddPartitions(context.Context, string, []Partition) error { return f.err }

func TestRegisterSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("clickhouse down")
	r := NewRegistrar(failingStore{MemoryStore: NewMemoryStore(), err: boom}, zaptest.NewLogger(t))

	_, err := r.Register(context.Background(), manifest(baseSchema, "ON"))
	require.ErrorIs(t, err, boom)
	require.False(t, SchemaEvolutionError.Has(err))
}

func TestRegisterRequiresTableAndSchema(t *testing.T) {
	r := NewRegistrar(NewMemoryStore(), zaptest.NewLogger(t))
	_, err := r.Register(context.Background(), Manifest{Schema: baseSchema})
	require.Error(t, err)
	_, err = r.Register(context.Background(), Manifest{Table: "t"})
	require.Error(t, err)
}
