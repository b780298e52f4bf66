// Package bus is the in-process typed pub/sub used between host components.
// Handlers for one event run in parallel, each bounded by a per-handler
// timeout; a failing or hung handler never affects the others or the emitter.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultHandlerTimeout = 5 * time.Second

// Event names. Each name carries a statically associated payload type.
const (
	EventMessageInbound  = "message:inbound"
	EventMessageOutbound = "message:outbound"
	EventContainerStart  = "container:start"
	EventContainerStop   = "container:stop"
	EventTaskCreated     = "task:created"
	EventTaskCompleted   = "task:completed"
	EventPluginLoaded    = "plugin:loaded"
	EventPluginUnloaded  = "plugin:unloaded"
)

// MessageEvent is the payload for message:inbound and message:outbound.
type MessageEvent struct {
	JID     string
	Folder  string
	Sender  string
	Content string
}

// ContainerEvent is the payload for container:start and container:stop.
// Duration is set on stop only.
type ContainerEvent struct {
	JID      string
	Folder   string
	Duration time.Duration
}

// TaskEvent is the payload for task:created and task:completed. Duration is
// the run time of the completed attempt.
type TaskEvent struct {
	TaskID   string
	JID      string
	Status   string
	Duration time.Duration
}

// PluginEvent is the payload for plugin:loaded and plugin:unloaded.
type PluginEvent struct {
	Name    string
	Version string
}

// Handler receives one event payload. The context carries the per-handler
// deadline; handlers that outlive it are abandoned and logged.
type Handler func(ctx context.Context, payload any) error

type registration struct {
	id int
	fn Handler
}

// Bus fans events out to registered handlers.
type Bus struct {
	mu             sync.RWMutex
	handlers       map[string][]registration
	nextID         int
	handlerTimeout time.Duration
	logger         *slog.Logger
}

type Option func(*Bus)

// WithHandlerTimeout overrides the default 5s per-handler timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:       make(map[string][]registration),
		handlerTimeout: DefaultHandlerTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a handler for the named event and returns a subscription id
// usable with Off.
func (b *Bus) On(event string, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[event] = append(b.handlers[event], registration{id: b.nextID, fn: fn})
	return b.nextID
}

// Off removes the handler registered under id for the named event.
func (b *Bus) Off(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[event]
	for i, reg := range regs {
		if reg.id == id {
			b.handlers[event] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler of event in parallel and returns
// once all handlers have settled or timed out. Handler errors, panics and
// timeouts are logged and swallowed. Emitting with no listeners is a no-op.
func (b *Bus) Emit(ctx context.Context, event string, payload any) {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[event]))
	copy(regs, b.handlers[event])
	timeout := b.handlerTimeout
	b.mu.RUnlock()

	if len(regs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg registration) {
			defer wg.Done()
			b.runHandler(ctx, event, reg, payload, timeout)
		}(reg)
	}
	wg.Wait()
}

// runHandler invokes one handler with a deadline. The handler runs on its
// own goroutine so a hung handler cannot hold up the emit beyond the timeout.
func (b *Bus) runHandler(ctx context.Context, event string, reg registration, payload any, timeout time.Duration) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- reg.fn(hctx, payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Warn("event handler failed", "event", event, "handler_id", reg.id, "error", err)
		}
	case <-hctx.Done():
		b.logger.Warn("event handler timed out", "event", event, "handler_id", reg.id, "timeout", timeout)
	}
}

// ListenerCount reports the number of handlers registered for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Clear removes every handler. Intended for tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]registration)
}
