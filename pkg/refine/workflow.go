package refine

import (
	"time"

	"github.com/b3x-data/b3x/pkg/catalog"
	b3xtemporal "github.com/b3x-data/b3x/pkg/temporal"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// RetryPolicy of both refine activities.
var RetryPolicy = &temporal.RetryPolicy{
	InitialInterval:        2 * time.Second,
	BackoffCoefficient:     2.0,
	MaximumInterval:        time.Minute,
	MaximumAttempts:        3,
	NonRetryableErrorTypes: []string{ErrTypeSchemaValidation, ErrTypeSchemaEvolution},
}

// RefinePartitionWorkflow transforms one raw partition and then registers its output in the catalog.
// When only the catalog step fails the workflow fails with a catalog_failed error whose details
// carry the manifest of the published output.
func RefinePartitionWorkflow(ctx workflow.Context, in Input) (Output, error) {
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy:         RetryPolicy,
	})

	var m catalog.Manifest
	if err := workflow.ExecuteActivity(ctx, b3xtemporal.ActivityTransform, in).Get(ctx, &m); err != nil {
		logger.Error("transform failed", "source_location", in.Descriptor.SourceLocation, "error", err)
		return Output{}, err
	}

	catalogCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         RetryPolicy,
	})
	var res catalog.Result
	if err := workflow.ExecuteActivity(catalogCtx, b3xtemporal.ActivityRegisterCatalog, m).Get(catalogCtx, &res); err != nil {
		logger.Error("catalog update failed, output stays published",
			"source_location", in.Descriptor.SourceLocation,
			"partitions", len(m.Partitions),
			"error", err)
		return Output{}, temporal.NewApplicationErrorWithOptions("catalog update failed", ErrTypeCatalogFailed, temporal.ApplicationErrorOptions{
			NonRetryable: true,
			Cause:        err,
			Details:      []interface{}{m},
		})
	}

	logger.Info("partition refined",
		"source_location", in.Descriptor.SourceLocation,
		"partitions", len(m.Partitions),
		"added_partitions", res.AddedPartitions)
	return Output{Manifest: m, Catalog: res}, nil
}
