package types

// Execution statuses, node types and approval constants.
const (
	// Execution statuses
	StatusRunning         = "running"
	StatusWaitingApproval = "waiting_approval"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"

	// Node types
	NodeTask       = "task"
	NodeDecision   = "decision"
	NodeParallel   = "parallel"
	NodeApproval   = "approval"
	NodeCheckpoint = "checkpoint"

	// Approval quorum types
	ApprovalAny      = "any"
	ApprovalAll      = "all"
	ApprovalMajority = "majority"

	// Approval request statuses
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// WorkflowDefinition is an immutable workflow graph. Once saved it is only
// replaced by a new version, never mutated.
type WorkflowDefinition struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Nodes        []WorkflowNode         `json:"nodes"`
	Edges        []WorkflowEdge         `json:"edges"`
	InitialState map[string]interface{} `json:"initial_state,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	CreatedAt    int64                  `json:"created_at"`
}

// Node returns the node with the given id.
func (d WorkflowDefinition) Node(id string) (WorkflowNode, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// Outgoing returns the outgoing edges of a node in declaration order.
func (d WorkflowDefinition) Outgoing(nodeID string) []WorkflowEdge {
	var out []WorkflowEdge
	for _, e := range d.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// StartNode returns the first declared node with no incoming edges. When more
// than one node qualifies the earliest declaration wins.
func (d WorkflowDefinition) StartNode() (WorkflowNode, bool) {
	incoming := make(map[string]bool, len(d.Nodes))
	for _, e := range d.Edges {
		incoming[e.To] = true
	}
	for _, n := range d.Nodes {
		if !incoming[n.ID] {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// WorkflowNode is a unit of work or control-flow decision in the graph.
type WorkflowNode struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name,omitempty"`
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
	Retry  *RetryPolicy           `json:"retry,omitempty"`
}

// ConfigString returns a string-valued config key, or "" when absent.
func (n WorkflowNode) ConfigString(key string) string {
	if s, ok := n.Config[key].(string); ok {
		return s
	}
	return ""
}

// ConfigBool returns a bool-valued config key, or false when absent.
func (n WorkflowNode) ConfigBool(key string) bool {
	b, _ := n.Config[key].(bool)
	return b
}

// RetryPolicy bounds how often a failing node is re-attempted. Backoff doubles
// on every retry, starting from InitialBackoffMs.
type RetryPolicy struct {
	MaxRetries       int   `json:"max_retries"`
	InitialBackoffMs int64 `json:"initial_backoff_ms"`
}

// WorkflowEdge is a directed, optionally conditional transition between two
// nodes. Higher priority edges are evaluated first by decision nodes; ties
// keep declaration order.
type WorkflowEdge struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Condition *Condition `json:"condition,omitempty"`
	Priority  int        `json:"priority,omitempty"`
}

// Condition is a closed predicate over execution state: either a leaf
// comparison {Field, Op, Value}, a combinator (All/Any/Not), or a precompiled
// expression (Expr) evaluated by the rules package. Conditions are data and
// round-trip through JSON; a definition never carries executable source.
type Condition struct {
	Field string      `json:"field,omitempty"`
	Op    string      `json:"op,omitempty"`
	Value interface{} `json:"value,omitempty"`
	All   []Condition `json:"all,omitempty"`
	Any   []Condition `json:"any,omitempty"`
	Not   *Condition  `json:"not,omitempty"`
	Expr  string      `json:"expr,omitempty"`
}

// WorkflowExecution is one running (or finished) instance of a workflow
// definition. State is a JSON-serializable blob with value semantics: every
// hand-off across branches, checkpoints and persistence is a deep copy.
type WorkflowExecution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      string                 `json:"status"`
	State       map[string]interface{} `json:"state"`
	Metadata    ExecutionMetadata      `json:"metadata"`
	CreatedAt   int64                  `json:"created_at"`
	CompletedAt int64                  `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the execution, sharing nothing with the
// receiver.
func (e WorkflowExecution) Clone() WorkflowExecution {
	c := e
	c.State = CloneState(e.State)
	c.Metadata = e.Metadata.Clone()
	return c
}

// ExecutionMetadata is the run bookkeeping carried by every execution: the
// current node, the append-only visit log, checkpoint references, the map of
// pending approvals, the error history and per-node retry counts.
type ExecutionMetadata struct {
	CurrentNode      string            `json:"current_node"`
	Visited          []VisitedNode     `json:"visited,omitempty"`
	Checkpoints      []CheckpointRef   `json:"checkpoints,omitempty"`
	PendingApprovals map[string]string `json:"pending_approvals,omitempty"`
	Errors           []ErrorRecord     `json:"errors,omitempty"`
	RetryCounts      map[string]int    `json:"retry_counts,omitempty"`
	RestoredFrom     string            `json:"restored_from,omitempty"`
	RestoredAt       int64             `json:"restored_at,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (m ExecutionMetadata) Clone() ExecutionMetadata {
	c := m
	c.Visited = append([]VisitedNode(nil), m.Visited...)
	c.Checkpoints = append([]CheckpointRef(nil), m.Checkpoints...)
	c.Errors = append([]ErrorRecord(nil), m.Errors...)
	if m.PendingApprovals != nil {
		c.PendingApprovals = make(map[string]string, len(m.PendingApprovals))
		for k, v := range m.PendingApprovals {
			c.PendingApprovals[k] = v
		}
	}
	if m.RetryCounts != nil {
		c.RetryCounts = make(map[string]int, len(m.RetryCounts))
		for k, v := range m.RetryCounts {
			c.RetryCounts[k] = v
		}
	}
	return c
}

// VisitedNode is one entry in the append-only visit log.
type VisitedNode struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// CheckpointRef points at a persisted checkpoint from within an execution.
type CheckpointRef struct {
	CheckpointID string `json:"checkpoint_id"`
	NodeID       string `json:"node_id"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorRecord is one entry in an execution's error history.
type ErrorRecord struct {
	NodeID     string `json:"node_id"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	RetryCount int    `json:"retry_count"`
}

// ApprovalRequest is created when an approval node executes and mutated only
// by decision submission. Once the status leaves pending the request is
// immutable.
type ApprovalRequest struct {
	ID          string             `json:"id"`
	ExecutionID string             `json:"execution_id"`
	NodeID      string             `json:"node_id"`
	Approvers   []string           `json:"approvers"`
	Type        string             `json:"type"`
	Deadline    int64              `json:"deadline,omitempty"`
	Status      string             `json:"status"`
	Decisions   []ApprovalDecision `json:"decisions,omitempty"`
	CreatedAt   int64              `json:"created_at"`
}

// ApprovalDecision is one approver's recorded verdict.
type ApprovalDecision struct {
	Approver  string `json:"approver"`
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Checkpoint is an immutable deep snapshot of an execution at one node, used
// only for restore.
type Checkpoint struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	NodeID      string                 `json:"node_id"`
	State       map[string]interface{} `json:"state"`
	Metadata    ExecutionMetadata      `json:"metadata"`
	CreatedAt   int64                  `json:"created_at"`
}

// CloneState deep-copies a state blob. Nested maps and slices are copied
// recursively; scalars are copied by value. State never holds live references,
// so this is sufficient for full isolation.
func CloneState(state map[string]interface{}) map[string]interface{} {
	if state == nil {
		return nil
	}
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneState(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
