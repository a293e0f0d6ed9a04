package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/b3x-data/b3x/pkg/catalog"
	"github.com/b3x-data/b3x/pkg/storage"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go/compress"
	"go.uber.org/zap"
)

// DefaultTable is the catalog table refined partitions are registered under.
const DefaultTable = "bovespa_refined_data"

// Config tunes an Engine.
type Config struct {
	Table       string         // default bovespa_refined_data
	Compression string         // zstd (default), snappy, gzip or none
	Location    *time.Location // zone of timestamps written without offset; default UTC
	Concurrency int            // parallel partition encodes, default 4
}

// Input names the raw partition to refine.
type Input struct {
	Bucket         string
	SourcePrefix   string // raw/year=YYYY/month=MM/day=DD/
	SourceLocation string // for the manifest; defaults to Bucket/SourcePrefix
	TargetBucket   string // defaults to Bucket
	TargetPrefix   string // refined/
	Date           storage.Date
	RunID          string // defaults to a random UUID
}

// Engine refines raw IBOV partitions into per-tipo partitions.
type Engine struct {
	store  storage.Store
	cfg    Config
	codec  compress.Codec
	pool   pond.Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine builds an engine writing through store.
func NewEngine(store storage.Store, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	c, err := codec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		codec:  c,
		pool:   pond.NewPool(cfg.Concurrency),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close stops the engine's worker pool.
func (e *Engine) Close() { e.pool.StopAndWait() }

// partitionOutput is one encoded tipo partition.
type partitionOutput struct {
	agg   AggregatedRecord
	tipo  string
	data  []byte
	err   error
	stage string
}

// Run refines one raw partition. The published output replaces any earlier run for the same date;
// on error nothing is published.
func (e *Engine) Run(ctx context.Context, in Input) (catalog.Manifest, error) {
	if in.TargetBucket == "" {
		in.TargetBucket = in.Bucket
	}
	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}
	if in.SourceLocation == "" {
		in.SourceLocation = in.Bucket + "/" + in.SourcePrefix
	}
	log := e.logger.With(zap.String("source_location", in.SourceLocation), zap.String("run_id", in.RunID))
	start := time.Now()
	now := e.now()

	rows, inputs, err := e.load(ctx, in, log)
	if err != nil {
		return catalog.Manifest{}, err
	}

	groups, nulls := aggregate(rows)
	if nulls.quantities > 0 || nulls.participations > 0 {
		log.Warn("null numerics skipped by aggregation",
			zap.Int("null_qtde_teorica", nulls.quantities),
			zap.Int("null_participacao_pct", nulls.participations))
	}

	owner := map[string]string{}
	outputs := make([]*partitionOutput, len(groups))
	for i, g := range groups {
		tipo := storage.SanitizeTipo(g.Category)
		if prev, ok := owner[tipo]; ok {
			return catalog.Manifest{}, SchemaValidationError.New("tipo %q and %q both map to partition tipo=%s", prev, g.Category, tipo)
		}
		owner[tipo] = g.Category
		outputs[i] = &partitionOutput{agg: g, tipo: tipo}
	}

	staging := storage.StagingPrefix(in.RunID)
	stagedDate := storage.DatePrefix(staging+in.TargetPrefix, in.Date)
	targetDate := storage.DatePrefix(in.TargetPrefix, in.Date)

	if err := e.writeStaged(ctx, in, outputs, now, log); err != nil {
		e.cleanup(in.TargetBucket, staging, log)
		return catalog.Manifest{}, err
	}
	if err := e.store.Publish(ctx, in.TargetBucket, stagedDate, targetDate); err != nil {
		e.cleanup(in.TargetBucket, staging, log)
		return catalog.Manifest{}, fmt.Errorf("publish %s: %w", targetDate, err)
	}
	e.cleanup(in.TargetBucket, staging, log)

	m := catalog.Manifest{
		Table:          e.cfg.Table,
		SourceLocation: in.SourceLocation,
		RunID:          in.RunID,
		ProcessedAt:    now.UTC(),
		Schema:         append([]catalog.Column(nil), RefinedSchema...),
		PartitionKeys:  append([]string(nil), catalog.PartitionKeys...),
		Inputs:         inputs,
	}
	for _, o := range outputs {
		m.Partitions = append(m.Partitions, catalog.Partition{
			Year:     in.Date.Year,
			Month:    in.Date.Month,
			Day:      in.Date.Day,
			Tipo:     o.tipo,
			Category: o.agg.Category,
			Location: in.TargetBucket + "/" + storage.Join(targetDate, "tipo="+o.tipo) + "/",
			Rows:     1,
			Bytes:    int64(len(o.data)),
		})
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return catalog.Manifest{}, err
	}
	if err := e.store.Put(ctx, in.TargetBucket, storage.ManifestKey(in.TargetPrefix, in.Date), body); err != nil {
		return catalog.Manifest{}, fmt.Errorf("write manifest: %w", err)
	}

	log.Info("partition refined",
		zap.Int("rows", len(rows)),
		zap.Int("partitions", len(m.Partitions)),
		zap.Duration("elapsed", time.Since(start)))
	return m, nil
}

// load reads and validates every raw object of the partition.
func (e *Engine) load(ctx context.Context, in Input, log *zap.Logger) ([]row, []catalog.SourceObject, error) {
	objects, err := e.store.List(ctx, in.Bucket, in.SourcePrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list %s: %w", in.SourceLocation, err)
	}

	observed := map[string]struct{}{}
	var records []RawRecord
	var inputs []catalog.SourceObject
	for _, o := range objects {
		if !IsRawObject(o.Key) || strings.Contains(strings.TrimPrefix(o.Key, in.SourcePrefix), "/") {
			continue
		}
		data, err := e.store.Get(ctx, in.Bucket, o.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", o.Key, err)
		}
		recs, cols, err := Decode(o.Key, data)
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", o.Key, err)
		}
		for _, c := range cols {
			observed[c] = struct{}{}
		}
		records = append(records, recs...)
		inputs = append(inputs, catalog.SourceObject{Key: o.Key, ModTime: o.ModTime.UTC()})
	}
	if len(inputs) == 0 {
		return nil, nil, SchemaValidationError.New("no raw objects under %s", in.SourceLocation)
	}

	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := observed[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, nil, SchemaValidationError.New("%s: missing columns %s", in.SourceLocation, strings.Join(missing, ", "))
	}

	rows := make([]row, 0, len(records))
	var badTimestamps int
	var firstBad error
	for i, r := range records {
		if r.TimestampColeta == nil {
			badTimestamps++
			if firstBad == nil {
				firstBad = fmt.Errorf("row %d: null %s", i, ColTimestampColeta)
			}
			continue
		}
		ts, err := ParseTimestamp(*r.TimestampColeta, e.cfg.Location)
		if err != nil {
			badTimestamps++
			if firstBad == nil {
				firstBad = fmt.Errorf("row %d: %w", i, err)
			}
			continue
		}
		rows = append(rows, row{
			codigo:          deref(r.Codigo),
			tipo:            deref(r.Tipo),
			qtdeTeorica:     r.QtdeTeorica,
			participacaoPct: r.ParticipacaoPct,
			collectedAt:     ts,
		})
	}
	if badTimestamps > 0 {
		return nil, nil, SchemaValidationError.New("%s: %d rows without a valid %s (first: %v)", in.SourceLocation, badTimestamps, ColTimestampColeta, firstBad)
	}

	if len(rows) == 0 {
		return nil, nil, SchemaValidationError.New("%s: raw objects contain no rows", in.SourceLocation)
	}

	log.Debug("raw partition loaded", zap.Int("files", len(inputs)), zap.Int("rows", len(rows)))
	return rows, inputs, nil
}

// writeStaged encodes every partition in parallel and writes it under the run's staging prefix.
func (e *Engine) writeStaged(ctx context.Context, in Input, outputs []*partitionOutput, now time.Time, log *zap.Logger) error {
	staging := storage.StagingPrefix(in.RunID)
	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, o := range outputs {
		o := o
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				o.err = err
				return
			}
			rec, clamped := refine(o.agg, now)
			if clamped {
				log.Warn("collection timestamp in the future, dias_desde_coleta clamped to 0",
					zap.String("tipo", o.agg.Category),
					zap.Time("earliest_collection", o.agg.EarliestCollection))
			}
			o.data, o.err = encode([]RefinedRecord{rec}, e.codec)
			if o.err != nil {
				return
			}
			o.stage = storage.PartitionKey(staging+in.TargetPrefix, in.Date, o.tipo)
			o.err = e.store.Put(groupCtx, in.TargetBucket, o.stage, o.data)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, o := range outputs {
		if o.err != nil {
			return fmt.Errorf("write partition tipo=%s: %w", o.tipo, o.err)
		}
	}
	return nil
}

func (e *Engine) cleanup(bucket, staging string, log *zap.Logger) {
	// cleanup must run even when the run's context is already cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.store.DeletePrefix(ctx, bucket, staging); err != nil {
		log.Warn("staging cleanup failed", zap.String("staging", staging), zap.Error(err))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
