package store

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Load and Find methods return (nil, nil) when the record does not exist;
// a non-nil error always indicates a storage failure, never absence.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error
	LoadWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	FindWorkflowByName(ctx context.Context, name string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) (bool, error)

	// Executions
	SaveExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	LoadExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.WorkflowExecution, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
