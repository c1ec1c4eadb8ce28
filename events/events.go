package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notification event types emitted by the engine.
const (
	EventStarted           = "started"
	EventApprovalRequired  = "approval_required"
	EventApprovalSubmitted = "approval_submitted"
	EventRestored          = "restored"
	EventCompleted         = "completed"
	EventFailed            = "failed"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event is a fire-and-forget engine notification.
type Event struct {
	Type        string                 // e.g. "started", "completed"
	ExecutionID string                 // Workflow execution id
	WorkflowID  string                 // Owning workflow definition id
	Data        map[string]interface{} // Additional event payload
}

// Handler defines the interface for handling events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus manages event subscriptions and publishing. Events are processed
// asynchronously off a buffered channel; a full channel drops the publish
// with ErrChannelFull rather than blocking the engine.
type Bus struct {
	handlers   map[string][]Handler
	mu         sync.RWMutex
	eventCh    chan Event
	logger     *zap.Logger
	errHandler func(event Event, err error)
	errMu      sync.RWMutex
	wg         sync.WaitGroup
	closed     bool
	closeMu    sync.RWMutex
}

// BusOption defines functional options for configuring a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		b.eventCh = make(chan Event, size)
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithErrorHandler sets a custom handler invoked when a subscriber fails.
func WithErrorHandler(handler func(event Event, err error)) BusOption {
	return func(b *Bus) {
		b.errMu.Lock()
		defer b.errMu.Unlock()
		b.errHandler = handler
	}
}

// NewBus creates a Bus and starts its processing goroutine. The default
// buffer size is 100; subscriber errors are logged unless a custom error
// handler is installed.
func NewBus(options ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		eventCh:  make(chan Event, 100),
		logger:   zap.NewNop(),
	}

	for _, option := range options {
		option(b)
	}
	if b.errHandler == nil {
		b.errHandler = func(event Event, err error) {
			b.logger.Warn("event handler failed",
				zap.String("event", event.Type),
				zap.String("execution_id", event.ExecutionID),
				zap.Error(err))
		}
	}

	b.wg.Add(1)
	go b.processEvents()

	return b
}

// Subscribe subscribes a handler to an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (b *Bus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) {
	b.Subscribe(eventType, HandlerFunc(fn))
}

// Unsubscribe removes a specific handler from an event type. Returns true if
// the handler was found and removed.
func (b *Bus) Unsubscribe(eventType string, handler Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, exists := b.handlers[eventType]
	if !exists {
		return false
	}

	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == fmt.Sprintf("%p", handler) { // Compare pointer address
			handlers[i] = handlers[len(handlers)-1]
			b.handlers[eventType] = handlers[:len(handlers)-1]
			if len(b.handlers[eventType]) == 0 {
				delete(b.handlers, eventType)
			}
			return true
		}
	}
	return false
}

// HasSubscribers reports whether any handler is registered for an event type.
func (b *Bus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers, exists := b.handlers[eventType]
	return exists && len(handlers) > 0
}

// Publish enqueues an event for asynchronous delivery. Returns an error if
// the context is canceled, the bus is closed, no handler is registered, or
// the channel is full.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrBusClosed
	}
	b.closeMu.RUnlock()

	b.mu.RLock()
	_, hasHandlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if !hasHandlers {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event synchronously and returns all handler errors.
// Delivery is bounded by a 5-second timeout unless ctx expires sooner.
func (b *Bus) PublishSync(ctx context.Context, event Event) []error {
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	b.closeMu.RUnlock()

	b.mu.RLock()
	handlers, ok := b.handlers[event.Type]
	b.mu.RUnlock()

	if !ok || len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return b.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the processing goroutine and waits for completion. Unprocessed
// events are discarded so shutdown never blocks on slow subscribers.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		for len(b.eventCh) > 0 {
			<-b.eventCh
		}
		close(b.eventCh)
	}
	b.closeMu.Unlock()

	b.wg.Wait()
}

func (b *Bus) processEvents() {
	defer b.wg.Done()

	for event := range b.eventCh {
		b.mu.RLock()
		handlers, ok := b.handlers[event.Type]
		b.mu.RUnlock()

		if !ok || len(handlers) == 0 {
			continue
		}

		errs := b.executeHandlers(context.Background(), handlers, event)

		b.errMu.RLock()
		handler := b.errHandler
		b.errMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
func (b *Bus) executeHandlers(ctx context.Context, handlers []Handler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}
