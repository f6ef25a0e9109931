package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultContentType  = "text/plain"
	defaultDeliveryMode = amqp.Persistent
)

// PublishOptions carries per-message properties on top of the producer's fixed
// content type and delivery mode.
type PublishOptions struct {
	Headers       amqp.Table
	CorrelationID string
	MessageID     string
	ReplyTo       string
	Expiration    string
	Priority      uint8
	Type          string
	AppID         string
}

// Producer serializes payloads and publishes them to exchanges. Publishing is
// fire-and-forget, broker confirms are not awaited.
type Producer struct {
	name         string
	conn         Connection
	routing      *Routing
	contentType  string
	deliveryMode uint8
	safe         bool
	autoDeclare  bool
	serializer   Serializer
	hooks        *Hooks
	messages     *Logger
	logger       *slog.Logger

	mu sync.Mutex
	ch Channel
}

// ProducerOption configures the producer
type ProducerOption func(*Producer)

// WithProducerName sets the name reported in events and errors
func WithProducerName(name string) ProducerOption {
	return func(p *Producer) {
		p.name = name
	}
}

// WithContentType sets the content type of every message
func WithContentType(contentType string) ProducerOption {
	return func(p *Producer) {
		p.contentType = contentType
	}
}

// WithDeliveryMode sets the delivery mode, amqp.Transient or amqp.Persistent
func WithDeliveryMode(mode uint8) ProducerOption {
	return func(p *Producer) {
		p.deliveryMode = mode
	}
}

// WithSafe makes Publish check that the exchange exists first
func WithSafe(safe bool) ProducerOption {
	return func(p *Producer) {
		p.safe = safe
	}
}

// WithProducerAutoDeclare declares the whole topology before the first publish
func WithProducerAutoDeclare(autoDeclare bool) ProducerOption {
	return func(p *Producer) {
		p.autoDeclare = autoDeclare
	}
}

// WithSerializer sets the serializer used for payloads that are not bytes or strings
func WithSerializer(s Serializer) ProducerOption {
	return func(p *Producer) {
		p.serializer = s
	}
}

// WithProducerHooks sets the hook registry
func WithProducerHooks(hooks *Hooks) ProducerOption {
	return func(p *Producer) {
		p.hooks = hooks
	}
}

// WithProducerMessageLogger sets the message log sink
func WithProducerMessageLogger(l *Logger) ProducerOption {
	return func(p *Producer) {
		p.messages = l
	}
}

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// NewProducer creates a producer publishing over conn. routing may be nil when
// neither safe mode nor auto-declare is used.
func NewProducer(conn Connection, routing *Routing, options ...ProducerOption) *Producer {
	p := &Producer{
		conn:         conn,
		routing:      routing,
		contentType:  defaultContentType,
		deliveryMode: defaultDeliveryMode,
		serializer:   JSONSerializer,
		messages:     NopLogger(),
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Name returns the producer name
func (p *Producer) Name() string {
	return p.name
}

// Publish sends payload to exchange with routingKey. []byte and string payloads
// are sent as they are; anything else goes through the serializer and is
// flagged with the serialized header.
func (p *Producer) Publish(ctx context.Context, payload any, exchange, routingKey string, headers amqp.Table) error {
	return p.PublishWithOptions(ctx, payload, exchange, routingKey, PublishOptions{Headers: headers})
}

// PublishWithOptions is Publish with extra message properties.
func (p *Producer) PublishWithOptions(ctx context.Context, payload any, exchange, routingKey string, opts PublishOptions) error {
	if p.autoDeclare && p.routing != nil {
		if _, err := p.routing.DeclareAll(ctx); err != nil {
			return p.publishError(exchange, routingKey, err)
		}
	}

	if p.safe {
		if p.routing == nil {
			return p.publishError(exchange, routingKey, fmt.Errorf("%w: safe mode needs a routing", ErrInvalidConfiguration))
		}
		exists, err := p.routing.IsExchangeExists(ctx, exchange)
		if err != nil {
			return p.publishError(exchange, routingKey, err)
		}
		if !exists {
			return p.publishError(exchange, routingKey, ErrExchangeNotFound)
		}
	}

	body, headers, err := p.encode(payload, opts.Headers)
	if err != nil {
		return p.publishError(exchange, routingKey, fmt.Errorf("serialize payload: %w", err))
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   p.contentType,
		DeliveryMode:  p.deliveryMode,
		CorrelationId: opts.CorrelationID,
		MessageId:     opts.MessageID,
		ReplyTo:       opts.ReplyTo,
		Expiration:    opts.Expiration,
		Priority:      opts.Priority,
		Type:          opts.Type,
		AppId:         opts.AppID,
		Timestamp:     time.Now(),
		Body:          body,
	}

	event := Event{
		Name:       BeforePublish,
		Producer:   p.name,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Publishing: &msg,
	}
	p.hooks.Trigger(ctx, event)

	start := time.Now()
	err = p.publish(ctx, exchange, routingKey, msg)

	event.Name = AfterPublish
	event.Duration = time.Since(start)
	event.Err = err
	p.hooks.Trigger(ctx, event)
	p.messages.Published(exchange, routingKey, body, headers)

	if err != nil {
		p.logger.Error("publish failed", "producer", p.name, "exchange", exchange, "routingKey", routingKey, "error", err)
		return p.publishError(exchange, routingKey, err)
	}
	return nil
}

// Close releases the publishing channel.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

func (p *Producer) encode(payload any, headers amqp.Table) ([]byte, amqp.Table, error) {
	switch v := payload.(type) {
	case []byte:
		return v, headers, nil
	case string:
		return []byte(v), headers, nil
	}

	body, err := p.serializer(payload)
	if err != nil {
		return nil, nil, err
	}

	merged := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	merged[SerializedHeader] = 1
	return body, merged, nil
}

func (p *Producer) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return err
		}
		p.ch = ch
	}
	return p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (p *Producer) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Producer:   p.name,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
