package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// retryNode intercepts a node-execution failure. Every failure lands in the
// execution's error history; the node is re-executed with exponential backoff
// while its retry policy permits, otherwise the run fails terminally.
func (e *Engine) retryNode(ctx context.Context, ae *activeExecution, def types.WorkflowDefinition, node types.WorkflowNode, cause error) error {
	exec := ae.exec
	retryCount := exec.Metadata.RetryCounts[node.ID]

	exec.Metadata.Errors = append(exec.Metadata.Errors, types.ErrorRecord{
		NodeID:     node.ID,
		Message:    cause.Error(),
		Timestamp:  time.Now().UnixMilli(),
		RetryCount: retryCount,
	})

	policy := node.Retry
	if policy == nil || retryCount >= policy.MaxRetries || ctx.Err() != nil {
		e.logger.Warn("node failed terminally",
			zap.String("execution_id", exec.ID),
			zap.String("node_id", node.ID),
			zap.Int("attempts", retryCount+1),
			zap.Error(cause))
		return e.failExecution(ctx, ae, cause)
	}

	if exec.Metadata.RetryCounts == nil {
		exec.Metadata.RetryCounts = make(map[string]int)
	}
	exec.Metadata.RetryCounts[node.ID] = retryCount + 1
	if err := e.saveExecution(ctx, exec); err != nil {
		return err
	}

	backoff := time.Duration(policy.InitialBackoffMs) * time.Millisecond << uint(retryCount)
	e.logger.Debug("retrying node",
		zap.String("execution_id", exec.ID),
		zap.String("node_id", node.ID),
		zap.Int("attempt", retryCount+2),
		zap.Duration("backoff", backoff))

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return e.failExecution(ctx, ae, fmt.Errorf("retry of node %s aborted: %w", node.ID, ctx.Err()))
	case <-timer.C:
	}

	return e.executeNode(ctx, ae, def, node)
}
