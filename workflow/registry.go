package workflow

import (
	"context"
	"sync"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

// activeExecution is one in-flight run. mu serializes every advance session
// touching the run (start, approval resume, cancellation), so two concurrent
// writers can never interleave persisted states for the same execution id.
// cancel aborts whatever suspension point the run is currently inside and is
// guarded separately because cancellation must reach a run that holds mu.
type activeExecution struct {
	exec     *types.WorkflowExecution
	mu       sync.Mutex
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// setCancel installs the cancel func of the current advance session.
func (ae *activeExecution) setCancel(cancel context.CancelFunc) {
	ae.cancelMu.Lock()
	ae.cancel = cancel
	ae.cancelMu.Unlock()
}

// interrupt cancels the current advance session, if any.
func (ae *activeExecution) interrupt() {
	ae.cancelMu.Lock()
	if ae.cancel != nil {
		ae.cancel()
	}
	ae.cancelMu.Unlock()
}

// registry tracks active executions. Entries are inserted on start or
// restore and removed on completion or failure; nothing else mutates it.
type registry struct {
	entries map[string]*activeExecution
	mu      sync.RWMutex
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*activeExecution)}
}

func (r *registry) insert(exec *types.WorkflowExecution) *activeExecution {
	ae := &activeExecution{exec: exec}
	r.mu.Lock()
	r.entries[exec.ID] = ae
	r.mu.Unlock()
	return ae
}

func (r *registry) get(id string) (*activeExecution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ae, ok := r.entries[id]
	return ae, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}
