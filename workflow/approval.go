package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kevin-Kurka/Debo-sub000/events"
	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// SubmitApproval records one approver's decision on a pending request,
// recomputes the quorum, and resumes the suspended execution when the request
// is approved. A rejected request is terminal but leaves the execution parked
// in waiting_approval; the approval_submitted event carries the outcome so
// callers can decide what to do with the run.
func (e *Engine) SubmitApproval(ctx context.Context, approvalID, approver string, approved bool, comment string) (*types.ApprovalRequest, error) {
	req, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%s", ErrApprovalNotFound, approvalID)
	}
	if req.Status != types.ApprovalPending {
		return nil, fmt.Errorf("%w: id=%s status=%s", ErrApprovalProcessed, approvalID, req.Status)
	}

	req.Decisions = append(req.Decisions, types.ApprovalDecision{
		Approver:  approver,
		Approved:  approved,
		Comment:   comment,
		Timestamp: time.Now().UnixMilli(),
	})
	req.Status = resolveQuorum(req)

	if err := e.store.SaveApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save approval request: %w", err)
	}

	e.publishRaw(ctx, events.Event{
		Type:        events.EventApprovalSubmitted,
		ExecutionID: req.ExecutionID,
		Data: map[string]interface{}{
			"approval_id": req.ID,
			"approver":    approver,
			"approved":    approved,
			"status":      req.Status,
		},
	})
	e.logger.Info("approval decision recorded",
		zap.String("approval_id", req.ID),
		zap.String("approver", approver),
		zap.Bool("approved", approved),
		zap.String("status", req.Status))

	if req.Status == types.ApprovalApproved {
		if err := e.resumeExecution(ctx, req); err != nil {
			return &req, err
		}
	}
	return &req, nil
}

// resolveQuorum computes the request status from the accumulated decisions:
// any needs one approve and no reject, all needs every required approver and
// no reject, majority needs more than half. A majority request flips to
// rejected as soon as approval can no longer be reached.
func resolveQuorum(req types.ApprovalRequest) string {
	var approvedCount, rejectedCount int
	for _, d := range req.Decisions {
		if d.Approved {
			approvedCount++
		} else {
			rejectedCount++
		}
	}

	required := len(req.Approvers)
	switch req.Type {
	case types.ApprovalAll:
		if rejectedCount > 0 {
			return types.ApprovalRejected
		}
		if approvedCount >= required {
			return types.ApprovalApproved
		}
	case types.ApprovalMajority:
		if 2*approvedCount > required {
			return types.ApprovalApproved
		}
		if 2*(required-rejectedCount) <= required {
			return types.ApprovalRejected
		}
	default: // any
		if rejectedCount > 0 {
			return types.ApprovalRejected
		}
		if approvedCount >= 1 {
			return types.ApprovalApproved
		}
	}
	return types.ApprovalPending
}

// resumeExecution moves an approval-suspended run back to running and
// continues past the approval node.
func (e *Engine) resumeExecution(ctx context.Context, req types.ApprovalRequest) error {
	ae, ok := e.active.get(req.ExecutionID)
	if !ok {
		// Engine restart: the parked run is only in storage. Reload and
		// re-register it.
		exec, err := e.store.GetExecution(ctx, req.ExecutionID)
		if err != nil {
			return fmt.Errorf("%w: id=%s", ErrExecutionNotFound, req.ExecutionID)
		}
		ae = e.active.insert(&exec)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ae.setCancel(cancel)

	ae.mu.Lock()
	defer ae.mu.Unlock()

	exec := ae.exec
	if exec.Status != types.StatusWaitingApproval {
		// Already resumed, canceled or finished through another path.
		return nil
	}

	def, err := e.LoadWorkflow(runCtx, exec.WorkflowID)
	if err != nil {
		return err
	}
	node, ok := def.Node(req.NodeID)
	if !ok {
		return fmt.Errorf("%w: approval node %s", ErrNodeNotFound, req.NodeID)
	}

	delete(exec.Metadata.PendingApprovals, req.NodeID)
	exec.Status = types.StatusRunning
	if err := e.saveExecution(runCtx, exec); err != nil {
		return err
	}
	e.logger.Info("execution resumed after approval",
		zap.String("execution_id", exec.ID),
		zap.String("node_id", req.NodeID))

	return e.moveToNextNode(runCtx, ae, def, node)
}
