package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// Retention applied by durable backends. Informative rather than load-bearing:
// the engine never depends on expiry for correctness.
const (
	DefinitionTTL = 30 * 24 * time.Hour
	ExecutionTTL  = 7 * 24 * time.Hour
	ApprovalTTL   = 7 * 24 * time.Hour
	CheckpointTTL = 30 * 24 * time.Hour
)

// Per-entity not-found sentinels.
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrExecutionNotFound  = errors.New("workflow execution not found")
	ErrApprovalNotFound   = errors.New("approval request not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Store persists the four engine-owned entity types. Records are written
// wholesale; last writer wins at the record level.
type Store interface {
	// SaveDefinition saves an immutable workflow definition.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a workflow definition by id.
	GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error)

	// SaveExecution saves the current state of a workflow execution.
	SaveExecution(ctx context.Context, exec types.WorkflowExecution) error

	// GetExecution retrieves a workflow execution by id.
	GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error)

	// ListExecutions enumerates executions, optionally filtered by workflow
	// id (empty matches all) and status set (empty matches all). Order is
	// unspecified; callers sort.
	ListExecutions(ctx context.Context, workflowID string, statuses ...string) ([]types.WorkflowExecution, error)

	// SaveApproval saves an approval request.
	SaveApproval(ctx context.Context, req types.ApprovalRequest) error

	// GetApproval retrieves an approval request by id.
	GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error)

	// SaveCheckpoint saves an execution snapshot.
	SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error

	// GetCheckpoint retrieves a checkpoint by id.
	GetCheckpoint(ctx context.Context, id string) (types.Checkpoint, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func statusMatch(status string, statuses []string) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
