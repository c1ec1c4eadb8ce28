package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/Kevin-Kurka/Debo-sub000/events"
	"github.com/Kevin-Kurka/Debo-sub000/rules"
	"github.com/Kevin-Kurka/Debo-sub000/storage"
	"github.com/Kevin-Kurka/Debo-sub000/tasks"
	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// Standard error definitions
var (
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrNodeNotFound        = errors.New("node not found")
	ErrNoStartNode         = errors.New("workflow has no start node")
	ErrInvalidDefinition   = errors.New("invalid workflow definition")
	ErrActionNotRegistered = errors.New("action not registered")
	ErrUnknownNodeType     = errors.New("unknown node type")
	ErrApprovalNotFound    = errors.New("approval request not found")
	ErrApprovalProcessed   = errors.New("approval request already processed")
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrNoEdgeMatched       = errors.New("no edge condition matched")
	ErrNodeExecution       = errors.New("node execution failed")
)

// Node config keys understood by the engine.
const (
	cfgDescription  = "description"
	cfgAction       = "action"
	cfgAsync        = "async"
	cfgTimeoutMs    = "timeout_ms"
	cfgOnNoMatch    = "on_no_match"
	cfgConvergence  = "convergence"
	cfgApprovers    = "approvers"
	cfgApprovalType = "approval_type"
	cfgDeadlineMs   = "deadline_ms"

	// Decision no-match policies
	NoMatchComplete = "complete"
	NoMatchFail     = "fail"
)

const (
	defaultVersion     = "1.0.0"
	defaultTaskTimeout = 5 * time.Minute

	// Hard bound on node visits per execution, protecting against cyclic
	// definitions.
	maxNodeVisits = 1000
)

// Engine composes definition management, execution state machine, approval
// protocol, retry control and checkpoint restore behind one façade. A single
// Engine instance owns execution of any run it starts or restores.
type Engine struct {
	definitions map[string]types.WorkflowDefinition
	actions     map[string]Action
	active      *registry
	evaluator   rules.Evaluator
	store       storage.Store
	tasks       tasks.Runner
	eventBus    *events.Bus
	generate    generator.Generator
	logger      *zap.Logger
	taskTimeout time.Duration
	mu          sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvaluator replaces the default predicate evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithEventBus installs a caller-owned notification bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithTaskTimeout sets the default wait bound for synchronous task nodes.
// Individual nodes override it via the "timeout_ms" config key.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// NewEngine creates an Engine using the given id generator, store and task
// runner. A nil store falls back to in-memory storage; a nil runner falls
// back to a local runner that completes every task immediately.
func NewEngine(generate generator.Generator, store storage.Store, runner tasks.Runner, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if runner == nil {
		runner = tasks.NewLocalRunner(nil)
	}

	e := &Engine{
		definitions: make(map[string]types.WorkflowDefinition),
		actions:     make(map[string]Action),
		active:      newRegistry(),
		store:       store,
		tasks:       runner,
		generate:    generate,
		logger:      zap.NewNop(),
		taskTimeout: defaultTaskTimeout,
	}
	for _, option := range options {
		option(e)
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewPredicateEvaluator()
	}
	if e.eventBus == nil {
		e.eventBus = events.NewBus(events.WithLogger(e.logger))
	}
	return e, nil
}

// SubscribeEvent subscribes a handler to an engine notification type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.eventBus.Subscribe(eventType, handler)
}

// RegisterAction registers an action for use by task nodes.
func (e *Engine) RegisterAction(ctx context.Context, name string, action Action) error {
	if name == "" || action == nil {
		return errors.New("name and action are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.actions[name] = action
		return nil
	}
}

// DefineWorkflow validates, persists and caches a workflow definition.
// Version and creation timestamp default when absent. The definition is
// immutable once stored; registering the same id again replaces it.
func (e *Engine) DefineWorkflow(ctx context.Context, def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowDefinition{}, ctx.Err()
	default:
	}

	if err := e.validateDefinition(def); err != nil {
		return types.WorkflowDefinition{}, err
	}

	if def.Version == "" {
		def.Version = defaultVersion
	}
	if def.CreatedAt == 0 {
		def.CreatedAt = time.Now().UnixMilli()
	}

	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to save definition: %w", err)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()

	e.logger.Info("workflow defined",
		zap.String("workflow_id", def.ID),
		zap.String("version", def.Version),
		zap.Int("nodes", len(def.Nodes)))
	return def, nil
}

func (e *Engine) validateDefinition(def types.WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: workflow id is required", ErrInvalidDefinition)
	}
	if len(def.Nodes) == 0 {
		return fmt.Errorf("%w: workflow must have at least one node", ErrInvalidDefinition)
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, node := range def.Nodes {
		if node.ID == "" {
			return fmt.Errorf("%w: node id is required", ErrInvalidDefinition)
		}
		if nodeIDs[node.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, node.ID)
		}
		nodeIDs[node.ID] = true

		switch node.Type {
		case types.NodeTask, types.NodeCheckpoint:
		case types.NodeDecision:
			switch node.ConfigString(cfgOnNoMatch) {
			case "", NoMatchComplete, NoMatchFail:
			default:
				return fmt.Errorf("%w: node %q has invalid %s policy %q",
					ErrInvalidDefinition, node.ID, cfgOnNoMatch, node.ConfigString(cfgOnNoMatch))
			}
		case types.NodeParallel:
			if node.ConfigString(cfgConvergence) == "" {
				return fmt.Errorf("%w: parallel node %q must name a convergence node",
					ErrInvalidDefinition, node.ID)
			}
		case types.NodeApproval:
			if len(stringSlice(node.Config[cfgApprovers])) == 0 {
				return fmt.Errorf("%w: approval node %q must list approvers",
					ErrInvalidDefinition, node.ID)
			}
			switch node.ConfigString(cfgApprovalType) {
			case "", types.ApprovalAny, types.ApprovalAll, types.ApprovalMajority:
			default:
				return fmt.Errorf("%w: approval node %q has invalid approval type %q",
					ErrInvalidDefinition, node.ID, node.ConfigString(cfgApprovalType))
			}
		default:
			return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidDefinition, node.ID, node.Type)
		}
	}

	for _, edge := range def.Edges {
		if !nodeIDs[edge.From] {
			return fmt.Errorf("%w: edge references undeclared node %q", ErrInvalidDefinition, edge.From)
		}
		if !nodeIDs[edge.To] {
			return fmt.Errorf("%w: edge references undeclared node %q", ErrInvalidDefinition, edge.To)
		}
		if edge.Condition != nil {
			if err := e.evaluator.Compile(*edge.Condition); err != nil {
				return fmt.Errorf("%w: condition on edge %s->%s: %v", ErrInvalidDefinition, edge.From, edge.To, err)
			}
		}
	}

	// Convergence targets must exist and a parallel node needs branches.
	for _, node := range def.Nodes {
		if node.Type != types.NodeParallel {
			continue
		}
		conv := node.ConfigString(cfgConvergence)
		if !nodeIDs[conv] {
			return fmt.Errorf("%w: parallel node %q names undeclared convergence node %q",
				ErrInvalidDefinition, node.ID, conv)
		}
		if len(def.Outgoing(node.ID)) == 0 {
			return fmt.Errorf("%w: parallel node %q has no outgoing edges", ErrInvalidDefinition, node.ID)
		}
	}
	return nil
}

// LoadWorkflow returns a definition from cache, loading through the store on
// a miss.
func (e *Engine) LoadWorkflow(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	e.mu.RLock()
	def, ok := e.definitions[id]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()

	return def, nil
}

// StartWorkflow creates a new execution of a defined workflow and runs it
// until it completes, fails or suspends. State starts as the definition's
// initial-state template overlaid with the caller's initial data. Node
// failures never propagate here; they surface as a failed execution status.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, initialData map[string]interface{}) (*types.WorkflowExecution, error) {
	def, err := e.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	start, ok := def.StartNode()
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNoStartNode, workflowID)
	}

	id, err := e.newID("exec")
	if err != nil {
		return nil, err
	}

	state := types.CloneState(def.InitialState)
	if state == nil {
		state = make(map[string]interface{})
	}
	for k, v := range types.CloneState(initialData) {
		state[k] = v
	}

	exec := &types.WorkflowExecution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     types.StatusRunning,
		State:      state,
		Metadata: types.ExecutionMetadata{
			PendingApprovals: make(map[string]string),
			RetryCounts:      make(map[string]int),
		},
		CreatedAt: time.Now().UnixMilli(),
	}

	if err := e.saveExecution(ctx, exec); err != nil {
		return nil, err
	}
	ae := e.active.insert(exec)
	e.publish(ctx, events.EventStarted, exec, map[string]interface{}{
		"workflow_name": def.Name,
		"start_node":    start.ID,
	})
	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", workflowID),
		zap.String("start_node", start.ID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ae.setCancel(cancel)

	ae.mu.Lock()
	defer ae.mu.Unlock()
	if err := e.executeNode(runCtx, ae, def, start); err != nil {
		snapshot := exec.Clone()
		return &snapshot, err
	}
	snapshot := exec.Clone()
	return &snapshot, nil
}

// RestoreFromCheckpoint builds a brand-new execution from a checkpoint
// snapshot and resumes after the checkpointed node.
func (e *Engine) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (*types.WorkflowExecution, error) {
	cp, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%s", ErrCheckpointNotFound, checkpointID)
	}
	def, err := e.LoadWorkflow(ctx, cp.WorkflowID)
	if err != nil {
		return nil, err
	}
	node, ok := def.Node(cp.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: checkpointed node %s", ErrNodeNotFound, cp.NodeID)
	}

	id, err := e.newID("exec")
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()

	meta := cp.Metadata.Clone()
	meta.CurrentNode = cp.NodeID
	meta.RestoredFrom = cp.ID
	meta.RestoredAt = now
	if meta.PendingApprovals == nil {
		meta.PendingApprovals = make(map[string]string)
	}
	if meta.RetryCounts == nil {
		meta.RetryCounts = make(map[string]int)
	}

	exec := &types.WorkflowExecution{
		ID:         id,
		WorkflowID: cp.WorkflowID,
		Status:     types.StatusRunning,
		State:      types.CloneState(cp.State),
		Metadata:   meta,
		CreatedAt:  now,
	}

	if err := e.saveExecution(ctx, exec); err != nil {
		return nil, err
	}
	ae := e.active.insert(exec)
	e.publish(ctx, events.EventRestored, exec, map[string]interface{}{
		"checkpoint_id": cp.ID,
		"node_id":       cp.NodeID,
	})
	e.logger.Info("execution restored",
		zap.String("execution_id", exec.ID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("node_id", cp.NodeID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ae.setCancel(cancel)

	ae.mu.Lock()
	defer ae.mu.Unlock()
	if err := e.moveToNextNode(runCtx, ae, def, node); err != nil {
		snapshot := exec.Clone()
		return &snapshot, err
	}
	snapshot := exec.Clone()
	return &snapshot, nil
}

// ListActiveExecutions lists running and approval-suspended executions,
// optionally filtered by workflow id (empty matches all).
func (e *Engine) ListActiveExecutions(ctx context.Context, workflowID string) ([]types.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, workflowID, types.StatusRunning, types.StatusWaitingApproval)
}

// ExecutionHistory lists a workflow's executions in descending creation
// order. A limit of 0 returns all.
func (e *Engine) ExecutionHistory(ctx context.Context, workflowID string, limit int) ([]types.WorkflowExecution, error) {
	execs, err := e.store.ListExecutions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(execs, func(i, j int) bool {
		return execs[i].CreatedAt > execs[j].CreatedAt
	})
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

// GetExecution retrieves an execution by id.
func (e *Engine) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: id=%s", ErrExecutionNotFound, id)
	}
	return &exec, nil
}

// CancelExecution aborts an active run. An in-flight suspension point (task
// wait, retry backoff) unblocks and the run fails terminally; a run parked on
// an approval is failed directly.
func (e *Engine) CancelExecution(id string) error {
	ae, ok := e.active.get(id)
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrExecutionNotFound, id)
	}
	ae.interrupt()

	// A parked run has no session holding the lock, so it is failed here.
	if ae.mu.TryLock() {
		defer ae.mu.Unlock()
		if ae.exec.Status == types.StatusRunning || ae.exec.Status == types.StatusWaitingApproval {
			return e.failExecution(context.Background(), ae, fmt.Errorf("execution canceled: %w", context.Canceled))
		}
	}
	return nil
}

// Stop gracefully stops the engine's notification bus. In-flight runs are
// not interrupted; cancel them individually first if needed.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

// saveExecution persists the current execution record. Persistence must
// succeed even when the run context was canceled mid-flight, so a dead
// context falls back to the background context.
func (e *Engine) saveExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := e.store.SaveExecution(ctx, *exec); err != nil {
		return fmt.Errorf("failed to save execution %s: %w", exec.ID, err)
	}
	return nil
}

func (e *Engine) newID(prefix string) (string, error) {
	n, err := e.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

func (e *Engine) publish(ctx context.Context, eventType string, exec *types.WorkflowExecution, data map[string]interface{}) {
	e.publishRaw(ctx, events.Event{
		Type:        eventType,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Data:        data,
	})
}

// publishRaw delivers a fire-and-forget notification. Drops are logged, never
// surfaced: notifications must not affect control flow.
func (e *Engine) publishRaw(ctx context.Context, evt events.Event) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := e.eventBus.Publish(ctx, evt); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("notification dropped",
			zap.String("event", evt.Type),
			zap.String("execution_id", evt.ExecutionID),
			zap.Error(err))
	}
}

// stringSlice coerces a config value into a string slice. JSON round-trips
// turn []string into []interface{}, so both shapes are accepted.
func stringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// configInt64 reads a numeric config key, tolerating the float64 values JSON
// decoding produces.
func configInt64(node types.WorkflowNode, key string) int64 {
	switch t := node.Config[key].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
