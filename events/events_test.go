package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Handle(ctx context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBusPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe(EventStarted, c)
	assert.True(t, bus.HasSubscribers(EventStarted))

	err := bus.Publish(context.Background(), Event{
		Type:        EventStarted,
		ExecutionID: "exec-1",
		WorkflowID:  "wf",
		Data:        map[string]interface{}{"start_node": "submit"},
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return c.count() == 1 })
	c.mu.Lock()
	assert.Equal(t, "exec-1", c.events[0].ExecutionID)
	assert.Equal(t, "submit", c.events[0].Data["start_node"])
	c.mu.Unlock()
}

func TestBusPublishNoHandler(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: EventCompleted})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestBusPublishCanceledContext(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()
	bus.Subscribe(EventStarted, &collector{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.Publish(ctx, Event{Type: EventStarted})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBusPublishChannelFull(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	defer bus.Stop()

	release := make(chan struct{})
	bus.SubscribeFunc(EventStarted, func(ctx context.Context, event Event) error {
		<-release
		return nil
	})

	// First publish is picked up by the processor and blocks in the handler,
	// second fills the buffer, third has nowhere to go.
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventStarted}))
	var full bool
	for i := 0; i < 50; i++ {
		if err := bus.Publish(context.Background(), Event{Type: EventStarted}); errors.Is(err, ErrChannelFull) {
			full = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.True(t, full, "expected ErrChannelFull once the buffer filled")
	close(release)
}

func TestBusPublishSync(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	c := &collector{}
	failing := HandlerFunc(func(ctx context.Context, event Event) error {
		return errors.New("handler failed")
	})
	bus.Subscribe(EventFailed, c)
	bus.Subscribe(EventFailed, failing)

	errs := bus.PublishSync(context.Background(), Event{Type: EventFailed, ExecutionID: "exec-1"})
	assert.Len(t, errs, 1)
	assert.Equal(t, 1, c.count(), "sync delivery completes before returning")

	errs = bus.PublishSync(context.Background(), Event{Type: EventRestored})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNoHandler)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe(EventApprovalRequired, c)
	require.True(t, bus.HasSubscribers(EventApprovalRequired))

	assert.True(t, bus.Unsubscribe(EventApprovalRequired, c))
	assert.False(t, bus.HasSubscribers(EventApprovalRequired))

	assert.False(t, bus.Unsubscribe(EventApprovalRequired, c), "double unsubscribe returns false")
	assert.False(t, bus.Unsubscribe("never-registered", c))
}

func TestBusErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	bus := NewBus(WithErrorHandler(func(event Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, err)
	}))
	defer bus.Stop()

	bus.SubscribeFunc(EventFailed, func(ctx context.Context, event Event) error {
		return errors.New("subscriber error")
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventFailed}))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
}

func TestBusStop(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	bus.Subscribe(EventCompleted, c)

	bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: EventCompleted})
	assert.ErrorIs(t, err, ErrBusClosed)

	errs := bus.PublishSync(context.Background(), Event{Type: EventCompleted})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBusClosed)

	// Stop is idempotent.
	bus.Stop()
}
