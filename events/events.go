// Package events provides the asynchronous notification bus the
// orchestrator publishes run lifecycle changes on.
package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the bus has been stopped.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the buffer is full and the event was dropped.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Notification types published by the orchestrator.
const (
	TypeRunStarted    = "run_started"
	TypeStepCompleted = "step_completed"
	TypeRunSucceeded  = "run_succeeded"
	TypeRunFailed     = "run_failed"
	TypeRunCancelled  = "run_cancelled"
	TypeRunExited     = "run_exited"
	TypeGateEvaluated = "gate_evaluated"
	TypeEventDropped  = "event_dropped"
)

// Event is one bus notification about a workflow run.
type Event struct {
	Type  string
	RunID uint64
	Data  map[string]interface{}
}

// Handler consumes bus notifications.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus fans notifications out to subscribed handlers from a single
// processing goroutine fed by a buffered channel.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	eventCh chan Event
	wg      sync.WaitGroup

	errMu      sync.RWMutex
	errHandler func(event Event, err error)

	closeMu sync.RWMutex
	closed  bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the notification channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets the function invoked when a handler returns an error.
func WithErrorHandler(handler func(event Event, err error)) Option {
	return func(b *Bus) {
		b.errMu.Lock()
		defer b.errMu.Unlock()
		b.errHandler = handler
	}
}

// NewBus creates a Bus and starts its processing goroutine.
// The default buffer holds 100 notifications.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		handlers:   make(map[string][]Handler),
		eventCh:    make(chan Event, 100),
		errHandler: logErrorHandler,
	}
	for _, option := range options {
		option(b)
	}

	b.wg.Add(1)
	go b.process()

	return b
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeFunc registers a function as a handler for an event type.
func (b *Bus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) {
	b.Subscribe(eventType, HandlerFunc(fn))
}

// HasSubscribers reports whether any handler is registered for eventType.
func (b *Bus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0
}

// Publish enqueues a notification for asynchronous delivery. It returns
// an error if the context is done, the bus is closed, no handler is
// subscribed, or the buffer is full. Delivery order across types is the
// enqueue order; handlers run after Publish returns.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.closeMu.RLock()
	closed := b.closed
	b.closeMu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	if !b.HasSubscribers(event.Type) {
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

// PublishSync delivers a notification to all handlers and waits for them,
// returning every handler error. A 5-second deadline applies unless the
// context carries a shorter one.
func (b *Bus) PublishSync(ctx context.Context, event Event) []error {
	b.closeMu.RLock()
	closed := b.closed
	b.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return dispatch(syncCtx, handlers, event)
}

// Stop drains pending notifications and waits for the processor to finish.
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

func (b *Bus) process() {
	defer b.wg.Done()

	for event := range b.eventCh {
		b.mu.RLock()
		handlers := b.handlers[event.Type]
		b.mu.RUnlock()
		if len(handlers) == 0 {
			continue
		}

		errs := dispatch(context.Background(), handlers, event)

		b.errMu.RLock()
		onErr := b.errHandler
		b.errMu.RUnlock()
		for _, err := range errs {
			onErr(event, err)
		}
	}
}

// dispatch runs every handler concurrently and collects their errors.
func dispatch(ctx context.Context, handlers []Handler, event Event) []error {
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

func logErrorHandler(event Event, err error) {
	fmt.Printf("event %s (run %d) handler error: %v\nstack: %s\n",
		event.Type, event.RunID, err, debug.Stack())
}
