// Package brokertest provides an in-memory rabbitmq.Connection for tests of
// packages built on top of the rabbitmq package.
package brokertest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/rabbitmq"
)

// Published is one message sent through the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Broker keeps exchanges, queues and published messages in memory. Declares
// create entries, passive declares fail with 404 for missing ones.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]bool
	queues    map[string]int
	consumers map[string]int
	published []Published
	subs      map[string]chan amqp.Delivery
	closed    bool
	renewed   int
	failWith  error
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: map[string]bool{"amq.direct": true, "amq.topic": true, "amq.fanout": true},
		queues:    make(map[string]int),
		consumers: make(map[string]int),
		subs:      make(map[string]chan amqp.Delivery),
	}
}

var (
	_ rabbitmq.Connection = (*Broker)(nil)
	_ rabbitmq.Renewer    = (*Broker)(nil)
)

// Fail makes every new channel fail with err. A nil err heals the broker.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

// AddQueue creates a queue holding messages pending messages and consumers consumers.
func (b *Broker) AddQueue(name string, messages, consumers int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = messages
	b.consumers[name] = consumers
}

// AddExchange creates an exchange.
func (b *Broker) AddExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = true
}

// HasExchange reports whether the exchange exists.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name]
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Messages returns the pending message count of a queue
func (b *Broker) Messages(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

// Published returns every message published so far.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Deliver hands d to the consumer subscribed on queue. It reports false when
// nobody is subscribed.
func (b *Broker) Deliver(queue string, d amqp.Delivery) bool {
	b.mu.Lock()
	ch, ok := b.subs[queue]
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// Subscribed reports whether a consumer is subscribed on queue.
func (b *Broker) Subscribed(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[queue]
	return ok
}

// Renewed returns how many times the connection was renewed
func (b *Broker) Renewed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renewed
}

func (b *Broker) Channel() (rabbitmq.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return nil, b.failWith
	}
	if b.closed {
		return nil, rabbitmq.ErrConnectionClosed
	}
	return &channel{broker: b}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Broker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) Renew(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renewed++
	b.closed = false
	return nil
}

type channel struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
	tags   []string
}

func notFound(kind, name string) error {
	return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '/'", kind, name)}
}

func (c *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.broker.AddExchange(name)
	return nil
}

func (c *channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if !c.broker.HasExchange(name) {
		c.Close()
		return notFound("exchange", name)
	}
	return nil
}

func (c *channel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return nil
}

func (c *channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	delete(c.broker.exchanges, name)
	return nil
}

func (c *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", len(c.broker.queues))
	}
	if _, ok := c.broker.queues[name]; !ok {
		c.broker.queues[name] = 0
	}
	return amqp.Queue{Name: name, Messages: c.broker.queues[name]}, nil
}

func (c *channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	messages, ok := c.broker.queues[name]
	consumers := c.broker.consumers[name]
	c.broker.mu.Unlock()
	if !ok {
		c.Close()
		return amqp.Queue{}, notFound("queue", name)
	}
	return amqp.Queue{Name: name, Messages: messages, Consumers: consumers}, nil
}

func (c *channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (c *channel) QueuePurge(name string, noWait bool) (int, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	n := c.broker.queues[name]
	c.broker.queues[name] = 0
	return n, nil
}

func (c *channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	n := c.broker.queues[name]
	delete(c.broker.queues, name)
	return n, nil
}

func (c *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (c *channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if _, ok := c.broker.queues[queue]; !ok {
		return nil, notFound("queue", queue)
	}
	deliveries := make(chan amqp.Delivery, 16)
	c.broker.subs[queue] = deliveries
	c.mu.Lock()
	c.tags = append(c.tags, queue)
	c.mu.Unlock()
	return deliveries, nil
}

func (c *channel) Cancel(consumer string, noWait bool) error {
	return nil
}

func (c *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.published = append(c.broker.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

// Close ends every subscription opened on this channel.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	queues := c.tags
	c.tags = nil
	c.mu.Unlock()

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, q := range queues {
		if ch, ok := c.broker.subs[q]; ok {
			close(ch)
			delete(c.broker.subs, q)
		}
	}
	return nil
}

func (c *channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
