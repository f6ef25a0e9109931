package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event names fired by consumers and producers
const (
	BeforeConsume = "before_consume"
	AfterConsume  = "after_consume"
	BeforePublish = "before_publish"
	AfterPublish  = "after_publish"
)

// Event describes one consume or publish notification. Consume events carry
// Delivery, publish events carry Publishing.
type Event struct {
	Name       string
	Consumer   string
	Producer   string
	Queue      string
	Exchange   string
	RoutingKey string
	Delivery   *amqp.Delivery
	Publishing *amqp.Publishing
	Result     Result
	Duration   time.Duration
	Err        error
}

// Listener receives events synchronously on the goroutine that fired them.
type Listener func(ctx context.Context, event Event)

// Hooks is a registry of listeners keyed by event name. A nil *Hooks is valid
// and drops every event.
type Hooks struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewHooks creates an empty registry
func NewHooks() *Hooks {
	return &Hooks{listeners: make(map[string][]Listener)}
}

// On registers a listener for an event name.
func (h *Hooks) On(name string, listener Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners == nil {
		h.listeners = make(map[string][]Listener)
	}
	h.listeners[name] = append(h.listeners[name], listener)
}

// Trigger runs the listeners registered for event.Name in registration order.
func (h *Hooks) Trigger(ctx context.Context, event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	listeners := h.listeners[event.Name]
	h.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, event)
	}
}
