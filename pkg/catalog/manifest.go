package catalog

import (
	"fmt"
	"time"
)

// Column is one schema entry. Types use the query engine's names (double, bigint, array<double>, ...).
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Partition is one published tipo partition of a collection date.
type Partition struct {
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Day      int    `json:"day"`
	Tipo     string `json:"tipo"`               // sanitized, as in the path
	Category string `json:"category,omitempty"` // tipo as found in the raw data
	Location string `json:"location"`
	Rows     int64  `json:"rows"`
	Bytes    int64  `json:"bytes"`
}

// Values returns the partition key values in PartitionKeys order.
func (p Partition) Values() []string {
	return []string{fmt.Sprintf("%04d", p.Year), fmt.Sprintf("%02d", p.Month), fmt.Sprintf("%02d", p.Day), p.Tipo}
}

// SourceObject is a raw object read by a run.
type SourceObject struct {
	Key     string    `json:"key"`
	ModTime time.Time `json:"mod_time"`
}

// Manifest describes one engine run's published output.
type Manifest struct {
	Table          string         `json:"table"`
	SourceLocation string         `json:"source_location"`
	RunID          string         `json:"run_id"`
	ProcessedAt    time.Time      `json:"processed_at"`
	Schema         []Column       `json:"schema"`
	PartitionKeys  []string       `json:"partition_keys"`
	Partitions     []Partition    `json:"partitions"`
	Inputs         []SourceObject `json:"inputs"`
}

// Covers reports whether the run read key at modTime or later.
func (m Manifest) Covers(key string, modTime time.Time) bool {
	for _, in := range m.Inputs {
		if in.Key == key {
			return !in.ModTime.Before(modTime)
		}
	}
	return false
}

// PartitionKeys of every refined table.
var PartitionKeys = []string{"year", "month", "day", "tipo"}
