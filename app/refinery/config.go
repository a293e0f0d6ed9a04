package refinery

import (
	"fmt"
	"strings"
	"time"

	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/launcher"
	"github.com/b3x-data/b3x/pkg/storage"
	"github.com/b3x-data/b3x/pkg/transform"
	"github.com/b3x-data/b3x/pkg/utils"
)

// Config of the refinery, read once from the environment.
type Config struct {
	Mode           string // worker or oneshot
	Engine         transform.Config
	CatalogBackend string // memory or clickhouse
	ClickHouseDB   string
}

// LoadConfig reads the refinery configuration.
func LoadConfig() (Config, error) {
	loc, err := time.LoadLocation(utils.Env("REFINERY_TIMEZONE", "UTC"))
	if err != nil {
		return Config{}, fmt.Errorf("REFINERY_TIMEZONE: %w", err)
	}
	return Config{
		Mode: utils.Env("REFINERY_MODE", "worker"),
		Engine: transform.Config{
			Table:       utils.Env("CATALOG_TABLE", transform.DefaultTable),
			Compression: utils.Env("REFINERY_COMPRESSION", "zstd"),
			Location:    loc,
			Concurrency: utils.EnvInt("REFINERY_CONCURRENCY", 4),
		},
		CatalogBackend: utils.Env("CATALOG_BACKEND", "clickhouse"),
		ClickHouseDB:   utils.Env("CLICKHOUSE_DB", "b3x_catalog"),
	}, nil
}

// RequestFromEnv rebuilds the job request a kube Job was started with.
func RequestFromEnv() (launcher.TransformationJobRequest, error) {
	bucket := utils.Env("SOURCE_BUCKET", "")
	prefix := utils.Env("SOURCE_PREFIX", "")
	if bucket == "" || prefix == "" {
		return launcher.TransformationJobRequest{}, fmt.Errorf("SOURCE_BUCKET and SOURCE_PREFIX are required in oneshot mode")
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	date, err := storage.ParseDate(utils.Env("COLLECTION_DATE", ""))
	if err != nil {
		return launcher.TransformationJobRequest{}, fmt.Errorf("COLLECTION_DATE: %w", err)
	}

	desc := event.RawPartitionDescriptor{
		Bucket:         bucket,
		SourcePrefix:   prefix,
		SourceLocation: bucket + "/" + prefix,
		CollectionDate: date,
	}
	req := launcher.NewRequest(desc, utils.Env("TARGET_PREFIX", "refined/"), nil)
	if key := utils.Env("IDEMPOTENCY_KEY", ""); key != "" {
		req.IdempotencyKey = key
	}
	return req, nil
}
