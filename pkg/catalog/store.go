package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Table is the catalog entry of a refined table.
type Table struct {
	Name          string    `json:"name"`
	Schema        []Column  `json:"schema"`
	PartitionKeys []string  `json:"partition_keys"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists catalog entries. Implementations never delete.
type Store interface {
	// GetTable returns the table, or ok=false when it is not registered.
	GetTable(ctx context.Context, name string) (t Table, ok bool, err error)
	// PutTable creates or replaces the table entry.
	PutTable(ctx context.Context, t Table) error
	// KnownPartitions returns the keys (see PartitionID) of the given partitions already registered.
	KnownPartitions(ctx context.Context, table string, parts []Partition) (map[string]bool, error)
	// AddPartitions registers partitions. Adding a known partition again is harmless.
	AddPartitions(ctx context.Context, table string, parts []Partition) error
	// Partitions lists every registered partition of the table ordered by PartitionID.
	Partitions(ctx context.Context, table string) ([]Partition, error)
}

// PartitionID is year/month/day/tipo, unique per table.
func PartitionID(p Partition) string {
	return strings.Join(p.Values(), "/")
}

// MemoryStore keeps the catalog in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	tables     map[string]Table
	partitions map[string]map[string]Partition
}

// NewMemoryStore returns an empty catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:     map[string]Table{},
		partitions: map[string]map[string]Partition{},
	}
}

// GetTable returns a copy of the named table.
func (m *MemoryStore) GetTable(_ context.Context, name string) (Table, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	if !ok {
		return Table{}, false, nil
	}
	t.Schema = append([]Column(nil), t.Schema...)
	t.PartitionKeys = append([]string(nil), t.PartitionKeys...)
	return t, true, nil
}

// PutTable stores t, replacing any table with the same name.
func (m *MemoryStore) PutTable(_ context.Context, t Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Schema = append([]Column(nil), t.Schema...)
	t.PartitionKeys = append([]string(nil), t.PartitionKeys...)
	m.tables[t.Name] = t
	return nil
}

// KnownPartitions returns the ids of parts already registered for table.
func (m *MemoryStore) KnownPartitions(_ context.Context, table string, parts []Partition) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	known := map[string]bool{}
	for _, p := range parts {
		id := PartitionID(p)
		if _, ok := m.partitions[table][id]; ok {
			known[id] = true
		}
	}
	return known, nil
}

// AddPartitions registers parts; re-adding a partition overwrites it.
func (m *MemoryStore) AddPartitions(_ context.Context, table string, parts []Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.partitions[table]
	if !ok {
		byID = map[string]Partition{}
		m.partitions[table] = byID
	}
	for _, p := range parts {
		byID[PartitionID(p)] = p
	}
	return nil
}

// Partitions lists the partitions of table ordered by PartitionID.
func (m *MemoryStore) Partitions(_ context.Context, table string) ([]Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Partition, 0, len(m.partitions[table]))
	for _, p := range m.partitions[table] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return PartitionID(out[i]) < PartitionID(out[j]) })
	return out, nil
}
