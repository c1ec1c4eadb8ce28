package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Terminal and non-terminal task statuses reported by a Runner.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrTaskTimeout indicates a task did not reach a terminal status within
	// the wait bound.
	ErrTaskTimeout = errors.New("task wait timed out")
	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)

// Runner is the boundary to the external task-execution subsystem. The engine
// only creates tasks and awaits their terminal status; what a task actually
// does is outside the engine's contract.
type Runner interface {
	// Create submits a task and returns its id.
	Create(ctx context.Context, description string, metadata map[string]interface{}) (string, error)

	// Status reports the task's current status.
	Status(ctx context.Context, taskID string) (string, error)

	// Await blocks until the task reaches a terminal status, the timeout
	// elapses (ErrTaskTimeout), or ctx is canceled. Completion is signaled
	// by the runner, not polled.
	Await(ctx context.Context, taskID string, timeout time.Duration) (string, error)
}

// ExecFunc performs the work behind a locally run task.
type ExecFunc func(ctx context.Context, description string, metadata map[string]interface{}) error

type localTask struct {
	done   chan struct{}
	mu     sync.RWMutex
	status string
}

// LocalRunner runs tasks in-process, one goroutine per task, signaling
// completion over a channel. Used by the examples and tests; production
// deployments plug their own Runner behind the same interface.
type LocalRunner struct {
	exec  ExecFunc
	tasks map[string]*localTask
	mu    sync.RWMutex
}

// NewLocalRunner creates a LocalRunner. A nil exec completes every task
// immediately.
func NewLocalRunner(exec ExecFunc) *LocalRunner {
	return &LocalRunner{
		exec:  exec,
		tasks: make(map[string]*localTask),
	}
}

// Create starts the task in its own goroutine.
func (r *LocalRunner) Create(ctx context.Context, description string, metadata map[string]interface{}) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	id := uuid.NewString()
	t := &localTask{done: make(chan struct{}), status: StatusPending}

	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()

	go func() {
		status := StatusCompleted
		if r.exec != nil {
			if err := r.exec(ctx, description, metadata); err != nil {
				status = StatusFailed
			}
		}
		t.mu.Lock()
		t.status = status
		t.mu.Unlock()
		close(t.done)
	}()

	return id, nil
}

// Status reports the task's current status.
func (r *LocalRunner) Status(ctx context.Context, taskID string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	t, err := r.task(taskID)
	if err != nil {
		return "", err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, nil
}

// Await waits on the task's completion channel.
func (r *LocalRunner) Await(ctx context.Context, taskID string, timeout time.Duration) (string, error) {
	t, err := r.task(taskID)
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("%w: task=%s after %s", ErrTaskTimeout, taskID, timeout)
	case <-t.done:
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.status, nil
	}
}

func (r *LocalRunner) task(taskID string) (*localTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: id=%s", ErrTaskNotFound, taskID)
	}
	return t, nil
}
