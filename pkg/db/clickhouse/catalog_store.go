package clickhouse

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/b3x-data/b3x/pkg/catalog"
	"go.uber.org/zap"
)

const (
	TablesTableName     = "catalog_tables"
	ColumnsTableName    = "catalog_columns"
	PartitionsTableName = "catalog_partitions"
)

// Conn is the part of Client the catalog store needs.
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type tableRow struct {
	Name          string    `ch:"name"`
	PartitionKeys []string  `ch:"partition_keys"`
	UpdatedAt     time.Time `ch:"updated_at"`
}

type columnRow struct {
	Position uint32 `ch:"position"`
	Name     string `ch:"name"`
	Type     string `ch:"type"`
}

type partitionRow struct {
	Year     uint16 `ch:"year"`
	Month    uint8  `ch:"month"`
	Day      uint8  `ch:"day"`
	Tipo     string `ch:"tipo"`
	Category string `ch:"category"`
	Location string `ch:"location"`
	Rows     int64  `ch:"rows"`
	Bytes    int64  `ch:"bytes"`
}

// CatalogStore keeps the catalog in three ReplacingMergeTree tables. Rows are only ever inserted;
// reads use FINAL so repeated inserts of the same key collapse.
type CatalogStore struct {
	conn     Conn
	database string
	cluster  string
	logger   *zap.Logger
	now      func() time.Time
}

// NewCatalogStore returns a store using c's connection and database.
func NewCatalogStore(c *Client) *CatalogStore {
	return newCatalogStore(c, c.Database, c.Cluster, c.Logger)
}

func newCatalogStore(conn Conn, database, cluster string, logger *zap.Logger) *CatalogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogStore{conn: conn, database: database, cluster: cluster, logger: logger, now: time.Now}
}

func (s *CatalogStore) onCluster() string {
	if s.cluster == "" {
		return ""
	}
	return "ON CLUSTER " + s.cluster
}

func (s *CatalogStore) table(name string) string {
	return s.database + "." + name
}

// InitSchema creates the catalog tables if they do not exist.
func (s *CatalogStore) InitSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s %s (
			name String,
			partition_keys Array(String),
			updated_at DateTime64(3, 'UTC')
		) ENGINE = %s
		ORDER BY name`,
			s.table(TablesTableName), s.onCluster(), Engine(s.cluster, ReplacingMergeTree, "updated_at")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s %s (
			table_name String,
			position UInt32,
			name String,
			type String,
			updated_at DateTime64(3, 'UTC')
		) ENGINE = %s
		ORDER BY (table_name, name)`,
			s.table(ColumnsTableName), s.onCluster(), Engine(s.cluster, ReplacingMergeTree, "updated_at")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s %s (
			table_name String,
			year UInt16,
			month UInt8,
			day UInt8,
			tipo String,
			category String,
			location String,
			rows Int64,
			bytes Int64,
			registered_at DateTime64(3, 'UTC')
		) ENGINE = %s
		ORDER BY (table_name, year, month, day, tipo)`,
			s.table(PartitionsTableName), s.onCluster(), Engine(s.cluster, ReplacingMergeTree, "registered_at")),
	}
	for _, q := range ddl {
		if err := s.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("init catalog schema: %w", err)
		}
	}
	s.logger.Info("catalog tables ready", zap.String("database", s.database))
	return nil
}

func (s *CatalogStore) GetTable(ctx context.Context, name string) (catalog.Table, bool, error) {
	var tables []tableRow
	q := fmt.Sprintf(`SELECT name, partition_keys, updated_at FROM %s FINAL WHERE name = ?`, s.table(TablesTableName))
	if err := s.conn.Select(ctx, &tables, q, name); err != nil {
		return catalog.Table{}, false, err
	}
	if len(tables) == 0 {
		return catalog.Table{}, false, nil
	}

	var cols []columnRow
	q = fmt.Sprintf(`SELECT position, name, type FROM %s FINAL WHERE table_name = ? ORDER BY position`, s.table(ColumnsTableName))
	if err := s.conn.Select(ctx, &cols, q, name); err != nil {
		return catalog.Table{}, false, err
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })

	t := catalog.Table{
		Name:          tables[0].Name,
		PartitionKeys: tables[0].PartitionKeys,
		UpdatedAt:     tables[0].UpdatedAt,
	}
	for _, c := range cols {
		t.Schema = append(t.Schema, catalog.Column{Name: c.Name, Type: c.Type})
	}
	return t, true, nil
}

// PutTable inserts the table row and every column. Columns are keyed by name, so a column keeps
// its original position across updates.
func (s *CatalogStore) PutTable(ctx context.Context, t catalog.Table) error {
	at := t.UpdatedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	q := fmt.Sprintf(`INSERT INTO %s (name, partition_keys, updated_at) VALUES (?, ?, ?)`, s.table(TablesTableName))
	if err := s.conn.Exec(ctx, q, t.Name, t.PartitionKeys, at); err != nil {
		return err
	}
	q = fmt.Sprintf(`INSERT INTO %s (table_name, position, name, type, updated_at) VALUES (?, ?, ?, ?, ?)`, s.table(ColumnsTableName))
	for i, c := range t.Schema {
		if err := s.conn.Exec(ctx, q, t.Name, uint32(i), c.Name, c.Type, at); err != nil {
			return fmt.Errorf("column %s: %w", c.Name, err)
		}
	}
	return nil
}

func (s *CatalogStore) KnownPartitions(ctx context.Context, table string, parts []catalog.Partition) (map[string]bool, error) {
	type day struct{ y, m, d int }
	days := map[day]bool{}
	for _, p := range parts {
		days[day{p.Year, p.Month, p.Day}] = true
	}

	known := map[string]bool{}
	q := fmt.Sprintf(`SELECT year, month, day, tipo, category, location, rows, bytes FROM %s FINAL
		WHERE table_name = ? AND year = ? AND month = ? AND day = ?`, s.table(PartitionsTableName))
	for d := range days {
		var rows []partitionRow
		if err := s.conn.Select(ctx, &rows, q, table, uint16(d.y), uint8(d.m), uint8(d.d)); err != nil {
			return nil, err
		}
		for _, r := range rows {
			known[catalog.PartitionID(r.partition())] = true
		}
	}
	return known, nil
}

func (s *CatalogStore) AddPartitions(ctx context.Context, table string, parts []catalog.Partition) error {
	at := s.now().UTC()
	q := fmt.Sprintf(`INSERT INTO %s (table_name, year, month, day, tipo, category, location, rows, bytes, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table(PartitionsTableName))
	for _, p := range parts {
		err := s.conn.Exec(ctx, q, table, uint16(p.Year), uint8(p.Month), uint8(p.Day),
			p.Tipo, p.Category, p.Location, p.Rows, p.Bytes, at)
		if err != nil {
			return fmt.Errorf("partition %s: %w", catalog.PartitionID(p), err)
		}
	}
	return nil
}

func (s *CatalogStore) Partitions(ctx context.Context, table string) ([]catalog.Partition, error) {
	var rows []partitionRow
	q := fmt.Sprintf(`SELECT year, month, day, tipo, category, location, rows, bytes FROM %s FINAL
		WHERE table_name = ? ORDER BY year, month, day, tipo`, s.table(PartitionsTableName))
	if err := s.conn.Select(ctx, &rows, q, table); err != nil {
		return nil, err
	}
	out := make([]catalog.Partition, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.partition())
	}
	return out, nil
}

func (r partitionRow) partition() catalog.Partition {
	return catalog.Partition{
		Year:     int(r.Year),
		Month:    int(r.Month),
		Day:      int(r.Day),
		Tipo:     r.Tipo,
		Category: r.Category,
		Location: r.Location,
		Rows:     r.Rows,
		Bytes:    r.Bytes,
	}
}
