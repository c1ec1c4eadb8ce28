package workflow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kevin-Kurka/Debo-sub000/events"
	"github.com/Kevin-Kurka/Debo-sub000/rules"
	"github.com/Kevin-Kurka/Debo-sub000/tasks"
	"github.com/Kevin-Kurka/Debo-sub000/types"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// executeNode records the visit, advances the current-node pointer, persists,
// and dispatches on node type. Any executor error is routed through the retry
// controller instead of propagating.
func (e *Engine) executeNode(ctx context.Context, ae *activeExecution, def types.WorkflowDefinition, node types.WorkflowNode) error {
	exec := ae.exec

	if ctx.Err() != nil {
		return e.failExecution(ctx, ae, fmt.Errorf("execution interrupted at node %s: %w", node.ID, ctx.Err()))
	}
	if len(exec.Metadata.Visited) >= maxNodeVisits {
		return e.failExecution(ctx, ae, fmt.Errorf("maximum node visits %d exceeded at node %s", maxNodeVisits, node.ID))
	}

	exec.Metadata.Visited = append(exec.Metadata.Visited, types.VisitedNode{
		NodeID:    node.ID,
		Timestamp: time.Now().UnixMilli(),
	})
	exec.Metadata.CurrentNode = node.ID
	if err := e.saveExecution(ctx, exec); err != nil {
		return err
	}

	e.logger.Debug("executing node",
		zap.String("execution_id", exec.ID),
		zap.String("node_id", node.ID),
		zap.String("type", node.Type))

	var err error
	switch node.Type {
	case types.NodeTask:
		err = e.executeTask(ctx, ae, def, node)
	case types.NodeDecision:
		err = e.executeDecision(ctx, ae, def, node)
	case types.NodeParallel:
		err = e.executeParallel(ctx, ae, def, node)
	case types.NodeApproval:
		err = e.executeApproval(ctx, ae, node)
	case types.NodeCheckpoint:
		err = e.executeCheckpoint(ctx, ae, def, node)
	default:
		err = fmt.Errorf("%w: %q on node %s", ErrUnknownNodeType, node.Type, node.ID)
	}
	if err != nil {
		return e.retryNode(ctx, ae, def, node, err)
	}
	return nil
}

// moveToNextNode follows single-successor semantics: no outgoing edges means
// the run is complete, otherwise the first declared edge is taken
// unconditionally. Edge conditions are only consulted by decision nodes.
func (e *Engine) moveToNextNode(ctx context.Context, ae *activeExecution, def types.WorkflowDefinition, node types.WorkflowNode) error {
	edges := def.Outgoing(node.ID)
	if len(edges) == 0 {
		return e.completeExecution(ctx, ae)
	}
	next, ok := def.Node(edges[0].To)
	if !ok {
		return e.retryNode(ctx, ae, def, node, fmt.Errorf("%w: %s", ErrNodeNotFound, edges[0].To))
	}
	return e.executeNode(ctx, ae, def, next)
}

func (e *Engine) completeExecution(ctx context.Context, ae *activeExecution) error {
	exec := ae.exec
	exec.Status = types.StatusCompleted
	exec.CompletedAt = time.Now().UnixMilli()
	if err := e.saveExecution(ctx, exec); err != nil {
		return err
	}
	e.active.remove(exec.ID)
	e.publish(ctx, events.EventCompleted, exec, map[string]interface{}{
		"final_node": exec.Metadata.CurrentNode,
	})
	e.logger.Info("execution completed",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.Int("nodes_visited", len(exec.Metadata.Visited)))
	return nil
}

// failExecution is terminal: the status flips to failed, the run leaves the
// active set, and no further node executes. The error history stays on the
// record for post-mortem inspection.
func (e *Engine) failExecution(ctx context.Context, ae *activeExecution, cause error) error {
	exec := ae.exec
	exec.Status = types.StatusFailed
	exec.CompletedAt = time.Now().UnixMilli()
	if err := e.saveExecution(ctx, exec); err != nil {
		return err
	}
	e.active.remove(exec.ID)
	e.publish(ctx, events.EventFailed, exec, map[string]interface{}{
		"node_id": exec.Metadata.CurrentNode,
		"error":   cause.Error(),
	})
	e.logger.Warn("execution failed",
		zap.String("execution_id", exec.ID),
		zap.String("node_id", exec.Metadata.CurrentNode),
		zap.Error(cause))
	return nil
}

func (e *Engine) executeTask(ctx context.Context, ae *activeExecution, def types.WorkflowDefinition, node types.WorkflowNode) error {
	if err := e.taskWork(ctx, ae.exec, def, node); err != nil {
		return err
	}
	if err := e.saveExecution(ctx, ae.exec); err != nil {
		return err
	}
	return e.moveToNextNode(ctx, ae, def, node)
}

// taskWork performs a task node's local effects: creates the external task,
// runs the configured action with a shallow state merge, and awaits the task
// unless the node is marked async. It mutates exec.State only; persistence
// and transitions stay with the caller so parallel branches can reuse it.
func (e *Engine) taskWork(ctx context.Context, exec *types.WorkflowExecution, def types.WorkflowDefinition, node types.WorkflowNode) error {
	desc := node.ConfigString(cfgDescription)
	if desc == "" {
		desc = node.Name
	}
	desc = renderTemplate(desc, exec.State)

	taskID, err := e.tasks.Create(ctx, desc, map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"node_id":      node.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to create task for node %s: %w", node.ID, err)
	}

	if name := node.ConfigString(cfgAction); name != "" {
		e.mu.RLock()
		action, ok := e.actions[name]
		e.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrActionNotRegistered, name)
		}
		result, err := action.Execute(ctx, exec.State, Invocation{TaskID: taskID, Node: node, Workflow: def})
		if err != nil {
			return fmt.Errorf("%w: action %q on node %s: %v", ErrNodeExecution, name, node.ID, err)
		}
		for k, v := range types.CloneState(result) {
			exec.State[k] = v
		}
	}

	if !node.ConfigBool(cfgAsync) {
		timeout := e.taskTimeout
		if ms := configInt64(node, cfgTimeoutMs); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		status, err := e.tasks.Await(ctx, taskID, timeout)
		if err != nil {
			return err
		}
		if status == tasks.StatusFailed {
			return fmt.Errorf("%w: task %s reported failure on node %s", ErrNodeExecution, taskID, node.ID)
		}
	}
	return nil
}

func (e *Engine) executeDecision(ctx context.Context, ae *activeExecution, def types.WorkflowDefinition, node types.WorkflowNode) error {
	target, matched, err := e.pickEdge(def, node, ae.exec.State)
	if err != nil {
		return err
	}
	if matched {
		next, ok := def.Node(target)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, target)
		}
		return e.executeNode(ctx, ae, def, next)
	}

	if node.ConfigString(cfgOnNoMatch) == NoMatchFail {
		return fmt.Errorf("%w: decision node %s", ErrNoEdgeMatched, node.ID)
	}
	// Default: a decision with no matching edge is a terminal node.
	return e.completeExecution(ctx, ae)
}

// pickEdge evaluates a decision node's outgoing edges sorted by priority
// descending (stable on ties, so declaration order breaks them) and returns
// the first edge whose condition holds. An edge without a condition always
// matches.
func (e *Engine) pickEdge(def types.WorkflowDefinition, node types.WorkflowNode, state map[string]interface{}) (string, bool, error) {
	edges := append([]types.WorkflowEdge(nil), def.Outgoing(node.ID)...)
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Priority > edges[j].Priority
	})

	for _, edge := range edges {
		if edge.Condition != nil {
			ok, err := e.evaluator.Evaluate(*edge.Condition, state)
			if err != nil {
				return "", false, fmt.Errorf("failed to evaluate condition on edge %s->%s: %w", edge.From, edge.To, err)
			}
			if !ok {
				continue
			}
		}
		return edge.To, true, nil
	}
	return "", false, nil
}

func (e *Engine) executeParallel(ctx context.Context, ae *activeExecution, def types.WorkflowDefinition, node types.WorkflowNode) error {
	convID := node.ConfigString(cfgConvergence)
	edges := def.Outgoing(node.ID)
	if len(edges) == 0 {
		return fmt.Errorf("parallel node %s has no branches", node.ID)
	}

	type branchOutcome struct {
		state map[string]interface{}
		err   error
	}
	outcomes := make([]branchOutcome, len(edges))

	var wg sync.WaitGroup
	for i, edge := range edges {
		// Each branch gets a deep copy; no branch observes another's
		// in-flight mutations.
		branch := ae.exec.Clone()
		wg.Add(1)
		go func(i int, target string, b types.WorkflowExecution) {
			defer wg.Done()
			err := e.runBranch(ctx, &b, def, target, convID)
			outcomes[i] = branchOutcome{state: b.State, err: err}
		}(i, edge.To, branch)
	}
	// Join-all: a failed branch does not abort its siblings.
	wg.Wait()

	now := time.Now().UnixMilli()
	for i, out := range outcomes {
		if out.err != nil {
			ae.exec.Metadata.Errors = append(ae.exec.Metadata.Errors, types.ErrorRecord{
				NodeID:    edges[i].To,
				Message:   out.err.Error(),
				Timestamp: now,
			})
			e.logger.Warn("parallel branch failed",
				zap.String("execution_id", ae.exec.ID),
				zap.String("branch_node", edges[i].To),
				zap.Error(out.err))
			continue
		}
		// Merge in edge-declaration order; the last declared branch wins
		// key collisions.
		for k, v := range out.state {
			ae.exec.State[k] = v
		}
	}
	if err := e.saveExecution(ctx, ae.exec); err != nil {
		return err
	}

	conv, ok := def.Node(convID)
	if !ok {
		return fmt.Errorf("%w: convergence node %s", ErrNodeNotFound, convID)
	}
	return e.executeNode(ctx, ae, def, conv)
}

// runBranch advances an isolated branch clone from startID until it reaches
// the convergence node or runs out of edges. Only node types with branch-local
// effects are allowed here; suspension points (approval) and nested fan-out
// belong on the main path.
func (e *Engine) runBranch(ctx context.Context, exec *types.WorkflowExecution, def types.WorkflowDefinition, startID, convergenceID string) error {
	nodeID := startID
	for {
		if nodeID == convergenceID {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		node, ok := def.Node(nodeID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		exec.Metadata.Visited = append(exec.Metadata.Visited, types.VisitedNode{
			NodeID:    nodeID,
			Timestamp: time.Now().UnixMilli(),
		})
		exec.Metadata.CurrentNode = nodeID

		switch node.Type {
		case types.NodeTask:
			if err := e.taskWork(ctx, exec, def, node); err != nil {
				return err
			}
		case types.NodeCheckpoint:
			if _, err := e.checkpointWork(ctx, exec, node); err != nil {
				return err
			}
		case types.NodeDecision:
			target, matched, err := e.pickEdge(def, node, exec.State)
			if err != nil {
				return err
			}
			if !matched {
				return nil
			}
			nodeID = target
			continue
		default:
			return fmt.Errorf("node type %q not supported inside a parallel branch: %s", node.Type, nodeID)
		}

		edges := def.Outgoing(nodeID)
		if len(edges) == 0 {
			return nil
		}
		nodeID = edges[0].To
	}
}

func (e *Engine) executeApproval(ctx context.Context, ae *activeExecution, node types.WorkflowNode) error {
	exec := ae.exec
	now := time.Now().UnixMilli()

	req := types.ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		Approvers:   stringSlice(node.Config[cfgApprovers]),
		Type:        node.ConfigString(cfgApprovalType),
		Status:      types.ApprovalPending,
		CreatedAt:   now,
	}
	if req.Type == "" {
		req.Type = types.ApprovalAny
	}
	if ms := configInt64(node, cfgDeadlineMs); ms > 0 {
		req.Deadline = now + ms
	}

	if err := e.store.SaveApproval(ctx, req); err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}

	if exec.Metadata.PendingApprovals == nil {
		exec.Metadata.PendingApprovals = make(map[string]string)
	}
	exec.Metadata.PendingApprovals[node.ID] = req.ID
	exec.Status = types.StatusWaitingApproval
	if err := e.saveExecution(ctx, exec); err != nil {
		return err
	}

	e.publish(ctx, events.EventApprovalRequired, exec, map[string]interface{}{
		"approval_id":   req.ID,
		"node_id":       node.ID,
		"approvers":     req.Approvers,
		"approval_type": req.Type,
	})
	e.logger.Info("execution waiting for approval",
		zap.String("execution_id", exec.ID),
		zap.String("approval_id", req.ID),
		zap.String("node_id", node.ID))
	// The run suspends here; SubmitApproval resumes it.
	return nil
}

func (e *Engine) executeCheckpoint(ctx context.Context, ae *activeExecution, def types.WorkflowDefinition, node types.WorkflowNode) error {
	cp, err := e.checkpointWork(ctx, ae.exec, node)
	if err != nil {
		return err
	}
	if err := e.saveExecution(ctx, ae.exec); err != nil {
		return err
	}
	e.logger.Debug("checkpoint created",
		zap.String("execution_id", ae.exec.ID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("node_id", node.ID))
	return e.moveToNextNode(ctx, ae, def, node)
}

// checkpointWork snapshots the execution at this instant and persists it,
// then appends the reference to run metadata. The snapshot is taken before
// the reference is appended, so a restore does not inherit it.
func (e *Engine) checkpointWork(ctx context.Context, exec *types.WorkflowExecution, node types.WorkflowNode) (types.Checkpoint, error) {
	now := time.Now().UnixMilli()
	cp := types.Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		NodeID:      node.ID,
		State:       types.CloneState(exec.State),
		Metadata:    exec.Metadata.Clone(),
		CreatedAt:   now,
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return types.Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	exec.Metadata.Checkpoints = append(exec.Metadata.Checkpoints, types.CheckpointRef{
		CheckpointID: cp.ID,
		NodeID:       node.ID,
		Timestamp:    now,
	})
	return cp, nil
}

// renderTemplate substitutes {{key}} placeholders with state values. Dotted
// paths reach into nested maps; unresolved placeholders are left intact.
func renderTemplate(s string, state map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := rules.Lookup(state, key); ok {
			return fmt.Sprint(v)
		}
		return match
	})
}
