package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// call is one recorded broker operation
type call struct {
	method string
	args   []any
}

// fakeConnection hands out fakeChannels that record every operation in one
// shared, ordered log.
type fakeConnection struct {
	mu         sync.Mutex
	calls      []call
	channels   []*fakeChannel
	subs       map[string]chan amqp.Delivery
	existing   map[string]bool
	errs       map[string]error
	channelErr error
	renewed    int
	closed     bool
	subscribed chan string
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		subs:       make(map[string]chan amqp.Delivery),
		existing:   make(map[string]bool),
		errs:       make(map[string]error),
		subscribed: make(chan string, 64),
	}
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := &fakeChannel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Renew(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewed++
	for _, ch := range c.channels {
		ch.closed = true
	}
	return nil
}

func (c *fakeConnection) record(method string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{method: method, args: args})
	return c.errs[method]
}

// methodCalls returns the recorded calls of one method
func (c *fakeConnection) methodCalls(method string) []call {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []call
	for _, cl := range c.calls {
		if cl.method == method {
			out = append(out, cl)
		}
	}
	return out
}

func (c *fakeConnection) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeConnection) renewCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renewed
}

// deliver pushes d to the latest subscription on queue
func (c *fakeConnection) deliver(t *testing.T, queue string, d amqp.Delivery) {
	t.Helper()
	c.mu.Lock()
	ch, ok := c.subs[queue]
	c.mu.Unlock()
	require.True(t, ok, "no subscription on queue %s", queue)
	ch <- d
}

// closeSub closes the latest delivery channel of queue, as the broker does on cancel
func (c *fakeConnection) closeSub(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.subs[queue])
	delete(c.subs, queue)
}

// waitSubscribed waits for n Consume calls and returns their tags
func (c *fakeConnection) waitSubscribed(t *testing.T, n int) []string {
	t.Helper()
	tags := make([]string, 0, n)
	for len(tags) < n {
		select {
		case tag := <-c.subscribed:
			tags = append(tags, tag)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d subscriptions, got %d", n, len(tags))
		}
	}
	return tags
}

type fakeChannel struct {
	conn   *fakeConnection
	closed bool
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return ch.conn.record("ExchangeDeclare", name, kind, durable, autoDelete, internal, noWait, args)
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.conn.record("ExchangeDeclarePassive", name); err != nil {
		return err
	}
	return ch.passive(name)
}

func (ch *fakeChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return ch.conn.record("ExchangeBind", destination, key, source, args)
}

func (ch *fakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return ch.conn.record("ExchangeDelete", name)
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == "" {
		name = "amq.gen-test"
	}
	return amqp.Queue{Name: name}, ch.conn.record("QueueDeclare", name, durable, autoDelete, exclusive, noWait, args)
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.conn.record("QueueDeclarePassive", name); err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name, Messages: 3, Consumers: 1}, ch.passive(name)
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return ch.conn.record("QueueBind", name, key, exchange, args)
}

func (ch *fakeChannel) QueuePurge(name string, noWait bool) (int, error) {
	return 0, ch.conn.record("QueuePurge", name)
}

func (ch *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	return 0, ch.conn.record("QueueDelete", name)
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return ch.conn.record("Qos", prefetchCount, prefetchSize, global)
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.conn.record("Consume", queue, consumer, autoAck); err != nil {
		return nil, err
	}
	deliveries := make(chan amqp.Delivery, 16)
	ch.conn.mu.Lock()
	ch.conn.subs[queue] = deliveries
	ch.conn.mu.Unlock()
	ch.conn.subscribed <- consumer
	return deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	return ch.conn.record("Cancel", consumer)
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return ch.conn.record("Publish", exchange, key, msg)
}

func (ch *fakeChannel) Close() error {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.closed = true
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	return ch.closed
}

// passive mimics the broker closing the channel with 404 for unknown names
func (ch *fakeChannel) passive(name string) error {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	if ch.conn.existing[name] {
		return nil
	}
	ch.closed = true
	return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + name + "'"}
}

// mockAcknowledger records how a delivery was settled
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func newDelivery(tag uint64, body string, headers amqp.Table) (amqp.Delivery, *mockAcknowledger) {
	ack := &mockAcknowledger{}
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Headers:      headers,
		Body:         []byte(body),
	}, ack
}

var errHandler = errors.New("handler failed")
