package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the package depends on.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueuePurge(name string, noWait bool) (int, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
	IsClosed() bool
}

var _ Channel = (*amqp.Channel)(nil)

// Connection opens channels against one broker connection.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Renewer is implemented by connections that can be closed and dialed again in place.
type Renewer interface {
	Renew(ctx context.Context) error
}

// dialFunc opens a fresh broker connection.
type dialFunc func(ctx context.Context) (*amqp.Connection, error)

// amqpConnection adapts *amqp.Connection to Connection. With lazy set the socket
// is opened on the first Channel call instead of at construction.
type amqpConnection struct {
	dial dialFunc
	lazy bool

	mu   sync.Mutex
	conn *amqp.Connection
}

func newAMQPConnection(ctx context.Context, dial dialFunc, lazy bool) (*amqpConnection, error) {
	c := &amqpConnection{dial: dial, lazy: lazy}
	if lazy {
		return c, nil
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Channel opens a new channel, dialing first if the connection is lazy or was closed.
func (c *amqpConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		if !c.lazy && c.conn != nil {
			return nil, ErrConnectionClosed
		}
		conn, err := c.dial(context.Background())
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Renew closes the current socket and dials a new one.
func (c *amqpConnection) Renew(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.conn = nil

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *amqpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// IsClosed reports false for a lazy connection that has not dialed yet.
func (c *amqpConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return !c.lazy
	}
	return c.conn.IsClosed()
}
