package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// MemoryStore is an in-memory implementation of the Store interface. Records
// are deep-copied on the way in and out so callers never share mutable state
// with the store, matching the value semantics of a durable backend.
type MemoryStore struct {
	definitions map[string]types.WorkflowDefinition
	executions  map[string]types.WorkflowExecution
	approvals   map[string]types.ApprovalRequest
	checkpoints map[string]types.Checkpoint
	mu          sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]types.WorkflowDefinition),
		executions:  make(map[string]types.WorkflowExecution),
		approvals:   make(map[string]types.ApprovalRequest),
		checkpoints: make(map[string]types.Checkpoint),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

func putItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, item T) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		m[id] = item
		return nil
	})
}

// SaveDefinition saves a workflow definition.
func (s *MemoryStore) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return putItem(ctx, &s.mu, s.definitions, def.ID, def)
}

// GetDefinition retrieves a workflow definition.
func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// SaveExecution saves a deep copy of an execution.
func (s *MemoryStore) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return putItem(ctx, &s.mu, s.executions, exec.ID, exec.Clone())
}

// GetExecution retrieves a deep copy of an execution.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error) {
	exec, err := getItem(ctx, &s.mu, s.executions, id, ErrExecutionNotFound)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	return exec.Clone(), nil
}

// ListExecutions enumerates executions matching the filters.
func (s *MemoryStore) ListExecutions(ctx context.Context, workflowID string, statuses ...string) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowExecution
		for _, exec := range s.executions {
			if workflowID != "" && exec.WorkflowID != workflowID {
				continue
			}
			if !statusMatch(exec.Status, statuses) {
				continue
			}
			out = append(out, exec.Clone())
		}
		return out, nil
	})
}

// SaveApproval saves an approval request.
func (s *MemoryStore) SaveApproval(ctx context.Context, req types.ApprovalRequest) error {
	return putItem(ctx, &s.mu, s.approvals, req.ID, req)
}

// GetApproval retrieves an approval request.
func (s *MemoryStore) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	return getItem(ctx, &s.mu, s.approvals, id, ErrApprovalNotFound)
}

// SaveCheckpoint saves a checkpoint.
func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	return putItem(ctx, &s.mu, s.checkpoints, cp.ID, cp)
}

// GetCheckpoint retrieves a checkpoint.
func (s *MemoryStore) GetCheckpoint(ctx context.Context, id string) (types.Checkpoint, error) {
	return getItem(ctx, &s.mu, s.checkpoints, id, ErrCheckpointNotFound)
}

// ClearFinished removes completed and failed executions.
func (s *MemoryStore) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, exec := range s.executions {
			if exec.Status == types.StatusCompleted || exec.Status == types.StatusFailed {
				delete(s.executions, id)
			}
		}
		return nil
	})
}
