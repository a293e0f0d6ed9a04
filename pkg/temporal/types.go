package temporal

import "fmt"

// DefaultNamespace hosts every refine workflow.
const DefaultNamespace = "b3x"

// Queue names
const (
	QueueRefine = "refine"
)

// Workflow and activity names
const (
	WorkflowRefinePartition = "RefinePartitionWorkflow"
	ActivityTransform       = "TransformPartition"
	ActivityRegisterCatalog = "RegisterCatalog"
	workflowIDRefinePattern = "refine:%s"
)

// RefineWorkflowID returns the deterministic workflow ID of a partition's refine run.
func RefineWorkflowID(idempotencyKey string) string {
	return fmt.Sprintf(workflowIDRefinePattern, idempotencyKey)
}
