package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	// DefaultTipo is the partition value used for an empty category.
	DefaultTipo = "__DEFAULT__"
	// PartFile is the single data file written per refined partition.
	PartFile = "part-00000.parquet"
	// ManifestDir holds one manifest per processed collection date, under the refined prefix.
	ManifestDir = "_manifests"
	// StagingDir holds in-progress runs before they are published.
	StagingDir = "_staging"
)

// Date is a collection date as encoded in partition paths.
type Date struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// NewDate validates y/m/d as a calendar date.
func NewDate(y, m, d int) (Date, error) {
	if y < 1 || m < 1 || m > 12 || d < 1 {
		return Date{}, fmt.Errorf("invalid date %04d-%02d-%02d", y, m, d)
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return Date{}, fmt.Errorf("invalid date %04d-%02d-%02d", y, m, d)
	}
	return Date{Year: y, Month: m, Day: d}, nil
}

// ParseDate reads a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q", s)
	}
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}, nil
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

// Path renders year=YYYY/month=MM/day=DD.
func (d Date) Path() string {
	return fmt.Sprintf("year=%04d/month=%02d/day=%02d", d.Year, d.Month, d.Day)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// SanitizeTipo maps a category to its partition value: spaces and slashes become underscores.
func SanitizeTipo(tipo string) string {
	if tipo == "" {
		return DefaultTipo
	}
	return strings.NewReplacer(" ", "_", "/", "_").Replace(tipo)
}

// Join joins key segments with '/', ignoring empty segments.
func Join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return path.Join(kept...)
}

// DatePrefix is <prefix>/year=YYYY/month=MM/day=DD/.
func DatePrefix(prefix string, d Date) string {
	return Join(prefix, d.Path()) + "/"
}

// PartitionKey is <prefix>/year=YYYY/month=MM/day=DD/tipo=T/part-00000.parquet.
func PartitionKey(prefix string, d Date, sanitizedTipo string) string {
	return Join(prefix, d.Path(), "tipo="+sanitizedTipo, PartFile)
}

// ManifestKey is <prefix>/_manifests/year=YYYY/month=MM/day=DD.json.
func ManifestKey(prefix string, d Date) string {
	return Join(prefix, ManifestDir, d.Path()) + ".json"
}

// StagingPrefix is _staging/<runID>/.
func StagingPrefix(runID string) string {
	return Join(StagingDir, runID) + "/"
}
