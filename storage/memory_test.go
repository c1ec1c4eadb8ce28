package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

func sampleExecution(id, workflowID, status string) types.WorkflowExecution {
	return types.WorkflowExecution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     status,
		State:      map[string]interface{}{"amount": 5000},
		Metadata: types.ExecutionMetadata{
			CurrentNode:      "submit",
			PendingApprovals: map[string]string{},
			RetryCounts:      map[string]int{},
		},
		CreatedAt: 1000,
	}
}

// TestMemoryStoreDefinitions tests definition round-trips and not-found.
func TestMemoryStoreDefinitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetDefinition(ctx, "missing")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	def := types.WorkflowDefinition{
		ID:      "wf",
		Name:    "Test Workflow",
		Version: "1.0.0",
		Nodes:   []types.WorkflowNode{{ID: "a", Type: types.NodeTask}},
	}
	require.NoError(t, store.SaveDefinition(ctx, def))

	got, err := store.GetDefinition(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, def, got)

	// Re-saving the same id replaces the record.
	def.Version = "2.0.0"
	require.NoError(t, store.SaveDefinition(ctx, def))
	got, err = store.GetDefinition(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)
}

// TestMemoryStoreExecutions tests execution round-trips and copy isolation.
func TestMemoryStoreExecutions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	exec := sampleExecution("exec-1", "wf", types.StatusRunning)
	require.NoError(t, store.SaveExecution(ctx, exec))

	// Mutating the caller's record after save must not affect the store.
	exec.State["amount"] = 0
	exec.Metadata.CurrentNode = "mutated"

	got, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 5000, got.State["amount"])
	assert.Equal(t, "submit", got.Metadata.CurrentNode)

	// Mutating a retrieved record must not affect later reads.
	got.State["amount"] = -1
	again, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 5000, again.State["amount"])
}

// TestMemoryStoreListExecutions tests workflow and status filters.
func TestMemoryStoreListExecutions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveExecution(ctx, sampleExecution("e1", "wf-a", types.StatusRunning)))
	require.NoError(t, store.SaveExecution(ctx, sampleExecution("e2", "wf-a", types.StatusCompleted)))
	require.NoError(t, store.SaveExecution(ctx, sampleExecution("e3", "wf-b", types.StatusWaitingApproval)))

	all, err := store.ListExecutions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byWorkflow, err := store.ListExecutions(ctx, "wf-a")
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	active, err := store.ListExecutions(ctx, "", types.StatusRunning, types.StatusWaitingApproval)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	none, err := store.ListExecutions(ctx, "wf-b", types.StatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestMemoryStoreApprovals tests approval round-trips.
func TestMemoryStoreApprovals(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetApproval(ctx, "missing")
	assert.ErrorIs(t, err, ErrApprovalNotFound)

	req := types.ApprovalRequest{
		ID:          "appr-1",
		ExecutionID: "exec-1",
		NodeID:      "gate",
		Approvers:   []string{"manager"},
		Type:        types.ApprovalAny,
		Status:      types.ApprovalPending,
		CreatedAt:   1000,
	}
	require.NoError(t, store.SaveApproval(ctx, req))

	got, err := store.GetApproval(ctx, "appr-1")
	require.NoError(t, err)
	assert.Equal(t, req, got)

	req.Status = types.ApprovalApproved
	require.NoError(t, store.SaveApproval(ctx, req))
	got, err = store.GetApproval(ctx, "appr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, got.Status)
}

// TestMemoryStoreCheckpoints tests checkpoint round-trips.
func TestMemoryStoreCheckpoints(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetCheckpoint(ctx, "missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	cp := types.Checkpoint{
		ID:          "cp-1",
		ExecutionID: "exec-1",
		WorkflowID:  "wf",
		NodeID:      "snap",
		State:       map[string]interface{}{"prepared": true},
		CreatedAt:   1000,
	}
	require.NoError(t, store.SaveCheckpoint(ctx, cp))

	got, err := store.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

// TestMemoryStoreClearFinished tests retention cleanup.
func TestMemoryStoreClearFinished(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveExecution(ctx, sampleExecution("e1", "wf", types.StatusRunning)))
	require.NoError(t, store.SaveExecution(ctx, sampleExecution("e2", "wf", types.StatusCompleted)))
	require.NoError(t, store.SaveExecution(ctx, sampleExecution("e3", "wf", types.StatusFailed)))
	require.NoError(t, store.SaveExecution(ctx, sampleExecution("e4", "wf", types.StatusWaitingApproval)))

	require.NoError(t, store.ClearFinished(ctx))

	remaining, err := store.ListExecutions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	for _, exec := range remaining {
		assert.Contains(t, []string{types.StatusRunning, types.StatusWaitingApproval}, exec.Status)
	}
}

// TestMemoryStoreContextCancellation tests that a dead context short-circuits.
func TestMemoryStoreContextCancellation(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.SaveDefinition(ctx, types.WorkflowDefinition{ID: "wf"}), context.Canceled)
	_, err := store.GetExecution(ctx, "any")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.ListExecutions(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
