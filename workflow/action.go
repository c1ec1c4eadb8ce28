package workflow

import (
	"context"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// Invocation carries the surroundings of one action call: the external task
// created for the node, the node itself and the owning definition.
type Invocation struct {
	TaskID   string
	Node     types.WorkflowNode
	Workflow types.WorkflowDefinition
}

// Action is custom logic attached to a task node via its "action" config key.
// The returned map is shallow-merged into the execution state: each top-level
// key overwrites the existing value. Returning nil leaves the state untouched.
type Action interface {
	Execute(ctx context.Context, state map[string]interface{}, inv Invocation) (map[string]interface{}, error)
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, state map[string]interface{}, inv Invocation) (map[string]interface{}, error)

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, state map[string]interface{}, inv Invocation) (map[string]interface{}, error) {
	return f(ctx, state, inv)
}
