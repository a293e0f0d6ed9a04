package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result reports what one Register call changed.
type Result struct {
	Table              string   `json:"table"`
	Created            bool     `json:"created"`
	AddedColumns       []string `json:"added_columns,omitempty"`
	AddedPartitions    int      `json:"added_partitions"`
	ExistingPartitions int      `json:"existing_partitions"`
}

// Registrar applies manifests to the catalog. Schema changes are additive only.
type Registrar struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	// serializes read-modify-write of table entries
	mu sync.Mutex
}

// NewRegistrar returns a registrar writing to store.
func NewRegistrar(store Store, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{store: store, logger: logger, now: time.Now}
}

// Register records the manifest's schema and partitions. When the schema cannot evolve it returns
// SchemaEvolutionError and registers nothing.
func (r *Registrar) Register(ctx context.Context, m Manifest) (Result, error) {
	res := Result{Table: m.Table}
	if m.Table == "" {
		return res, fmt.Errorf("manifest without table name")
	}
	if len(m.Schema) == 0 {
		return res, fmt.Errorf("manifest for %s has no schema", m.Table)
	}
	keys := m.PartitionKeys
	if len(keys) == 0 {
		keys = PartitionKeys
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok, err := r.store.GetTable(ctx, m.Table)
	if err != nil {
		return res, fmt.Errorf("load table %s: %w", m.Table, err)
	}

	var next Table
	if !ok {
		next = Table{Name: m.Table, Schema: m.Schema, PartitionKeys: keys}
		res.Created = true
	} else {
		next, res.AddedColumns, err = evolve(current, m.Schema, keys)
		if err != nil {
			return res, err
		}
	}

	if res.Created || len(res.AddedColumns) > 0 {
		next.UpdatedAt = r.now().UTC()
		if err := r.store.PutTable(ctx, next); err != nil {
			return res, fmt.Errorf("store table %s: %w", m.Table, err)
		}
		r.logger.Info("catalog schema updated",
			zap.String("table", m.Table),
			zap.Bool("created", res.Created),
			zap.Strings("added_columns", res.AddedColumns))
	}

	known, err := r.store.KnownPartitions(ctx, m.Table, m.Partitions)
	if err != nil {
		return res, fmt.Errorf("load partitions of %s: %w", m.Table, err)
	}
	var fresh []Partition
	seen := map[string]bool{}
	for _, p := range m.Partitions {
		id := PartitionID(p)
		if known[id] || seen[id] {
			res.ExistingPartitions++
			continue
		}
		seen[id] = true
		fresh = append(fresh, p)
	}
	if len(fresh) > 0 {
		if err := r.store.AddPartitions(ctx, m.Table, fresh); err != nil {
			return res, fmt.Errorf("add partitions to %s: %w", m.Table, err)
		}
	}
	res.AddedPartitions = len(fresh)

	r.logger.Info("catalog updated",
		zap.String("table", m.Table),
		zap.String("source_location", m.SourceLocation),
		zap.Int("added_partitions", res.AddedPartitions),
		zap.Int("existing_partitions", res.ExistingPartitions))
	return res, nil
}

// evolve appends the columns of incoming the table lacks. Existing columns must be present with
// the same type.
func evolve(t Table, incoming []Column, keys []string) (Table, []string, error) {
	if !slices.Equal(t.PartitionKeys, keys) {
		return t, nil, SchemaEvolutionError.New("%s: partition keys [%s] cannot change to [%s]",
			t.Name, strings.Join(t.PartitionKeys, ", "), strings.Join(keys, ", "))
	}

	types := make(map[string]string, len(incoming))
	for _, c := range incoming {
		types[c.Name] = c.Type
	}

	var problems []string
	existing := make(map[string]bool, len(t.Schema))
	for _, c := range t.Schema {
		existing[c.Name] = true
		typ, ok := types[c.Name]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("column %s removed", c.Name))
		case !strings.EqualFold(typ, c.Type):
			problems = append(problems, fmt.Sprintf("column %s retyped %s -> %s", c.Name, c.Type, typ))
		}
	}
	if len(problems) > 0 {
		return t, nil, SchemaEvolutionError.New("%s: %s", t.Name, strings.Join(problems, "; "))
	}

	var added []string
	for _, c := range incoming {
		if !existing[c.Name] {
			t.Schema = append(t.Schema, c)
			added = append(added, c.Name)
		}
	}
	return t, added, nil
}
