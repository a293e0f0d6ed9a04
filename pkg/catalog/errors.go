package catalog

import "github.com/zeebo/errs"

// SchemaEvolutionError marks a schema change the catalog refuses: a column removed or retyped,
// or different partition keys. The refined output stays published.
var SchemaEvolutionError = errs.Class("schema evolution")
