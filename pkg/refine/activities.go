package refine

import (
	"context"
	"fmt"

	"github.com/b3x-data/b3x/pkg/catalog"
	"github.com/b3x-data/b3x/pkg/transform"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// Transformer refines one raw partition; *transform.Engine implements it.
type Transformer interface {
	Run(ctx context.Context, in transform.Input) (catalog.Manifest, error)
}

// Cataloger applies a manifest to the catalog; *catalog.Registrar implements it.
type Cataloger interface {
	Register(ctx context.Context, m catalog.Manifest) (catalog.Result, error)
}

// Activities holds the dependencies of the refine activities.
type Activities struct {
	Engine    Transformer
	Registrar Cataloger
	Logger    *zap.Logger
}

// TransformPartition runs the engine over the request's raw partition.
func (a *Activities) TransformPartition(ctx context.Context, in Input) (catalog.Manifest, error) {
	m, err := a.transform(ctx, in, runID(ctx))
	if err != nil {
		if transform.SchemaValidationError.Has(err) {
			return catalog.Manifest{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeSchemaValidation, err)
		}
		return catalog.Manifest{}, temporal.NewApplicationErrorWithCause("transform failed", "transform_error", err)
	}
	return m, nil
}

// RegisterCatalog records the manifest in the catalog.
func (a *Activities) RegisterCatalog(ctx context.Context, m catalog.Manifest) (catalog.Result, error) {
	res, err := a.Registrar.Register(ctx, m)
	if err != nil {
		if catalog.SchemaEvolutionError.Has(err) {
			return res, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeSchemaEvolution, err)
		}
		return res, temporal.NewApplicationErrorWithCause("catalog update failed", "catalog_error", err)
	}
	return res, nil
}

// RunOnce refines and registers a partition outside Temporal. A catalog failure still returns the
// manifest of the published output.
func (a *Activities) RunOnce(ctx context.Context, in Input) (Output, error) {
	m, err := a.transform(ctx, in, "")
	if err != nil {
		return Output{}, err
	}
	res, err := a.Registrar.Register(ctx, m)
	if err != nil {
		return Output{Manifest: m}, fmt.Errorf("%s: %w", ErrTypeCatalogFailed, err)
	}
	return Output{Manifest: m, Catalog: res}, nil
}

func (a *Activities) transform(ctx context.Context, in Input, run string) (catalog.Manifest, error) {
	d := in.Descriptor
	a.Logger.Info("refining partition",
		zap.String("source_location", d.SourceLocation),
		zap.String("idempotency_key", in.IdempotencyKey),
		zap.Int("attempt", in.Attempt))
	return a.Engine.Run(ctx, transform.Input{
		Bucket:         d.Bucket,
		SourcePrefix:   d.SourcePrefix,
		SourceLocation: d.SourceLocation,
		TargetPrefix:   in.TargetPrefix,
		Date:           d.CollectionDate,
		RunID:          run,
	})
}

// runID is unique per activity attempt so concurrent retries never share a staging prefix.
func runID(ctx context.Context) string {
	if !activity.IsActivity(ctx) {
		return ""
	}
	info := activity.GetInfo(ctx)
	return fmt.Sprintf("%s-%d", info.WorkflowExecution.RunID, info.Attempt)
}
