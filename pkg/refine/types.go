package refine

import (
	"github.com/b3x-data/b3x/pkg/catalog"
	"github.com/b3x-data/b3x/pkg/launcher"
)

// Input is the refine workflow argument, exactly what the launcher submits.
type Input = launcher.TransformationJobRequest

// Output is the result of a complete refine run.
type Output struct {
	Manifest catalog.Manifest `json:"manifest"`
	Catalog  catalog.Result   `json:"catalog"`
}

// Application error types raised across the Temporal boundary.
const (
	ErrTypeSchemaValidation = "SchemaValidationError"
	ErrTypeSchemaEvolution  = "SchemaEvolutionError"
	ErrTypeCatalogFailed    = "catalog_failed"
)
