package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exit codes returned by Consume
const (
	ExitCodeNormal  = 0
	ExitCodeFailure = 1
)

// QoS holds the basic.qos prefetch settings
type QoS struct {
	PrefetchSize  int
	PrefetchCount int
	Global        bool
}

// Consumer subscribes to its queues and dispatches deliveries to their
// handlers one at a time on the goroutine that calls Consume.
type Consumer struct {
	name           string
	conn           Connection
	routing        *Routing
	handlers       map[string]Handler
	queues         []string
	qos            *QoS
	idleTimeout    time.Duration
	idleExitCode   *int
	proceedOnError bool
	deserializer   Deserializer
	memoryLimit    uint64
	standoff       time.Duration
	autoDeclare    bool
	hooks          *Hooks
	messages       *Logger
	logger         *slog.Logger
	memory         func() uint64

	// owned by the goroutine running Consume
	ch     Channel
	target int

	mu    sync.Mutex
	subs  []*subscription
	runID string

	processed atomic.Int64
	forceStop atomic.Bool
	restart   atomic.Bool
	running   atomic.Bool
	wake      chan struct{}
}

type subscription struct {
	queue      string
	tag        string
	handler    Handler
	deliveries <-chan amqp.Delivery
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerRouting sets the topology registry used for auto-declare
func WithConsumerRouting(routing *Routing) ConsumerOption {
	return func(c *Consumer) {
		c.routing = routing
	}
}

// WithConsumerAutoDeclare declares the whole topology during setup
func WithConsumerAutoDeclare(autoDeclare bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoDeclare = autoDeclare
	}
}

// WithQoS applies prefetch settings during setup
func WithQoS(qos QoS) ConsumerOption {
	return func(c *Consumer) {
		c.qos = &qos
	}
}

// WithIdleTimeout bounds each wait for a delivery
func WithIdleTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.idleTimeout = timeout
	}
}

// WithIdleTimeoutExitCode makes an expired idle timeout end Consume with code
// instead of an error
func WithIdleTimeoutExitCode(code int) ConsumerOption {
	return func(c *Consumer) {
		c.idleExitCode = &code
	}
}

// WithProceedOnError keeps consuming after a handler error
func WithProceedOnError(proceed bool) ConsumerOption {
	return func(c *Consumer) {
		c.proceedOnError = proceed
	}
}

// WithDeserializer sets the deserializer for serialized messages
func WithDeserializer(d Deserializer) ConsumerOption {
	return func(c *Consumer) {
		c.deserializer = d
	}
}

// WithMemoryLimit stops the consumer once process memory reaches bytes
func WithMemoryLimit(bytes uint64) ConsumerOption {
	return func(c *Consumer) {
		c.memoryLimit = bytes
	}
}

// WithStandoff delays subscribing after the topology is in place
func WithStandoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.standoff = d
	}
}

// WithConsumerHooks sets the hook registry
func WithConsumerHooks(hooks *Hooks) ConsumerOption {
	return func(c *Consumer) {
		c.hooks = hooks
	}
}

// WithConsumerMessageLogger sets the message log sink
func WithConsumerMessageLogger(l *Logger) ConsumerOption {
	return func(c *Consumer) {
		c.messages = l
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithMemoryUsage replaces the process memory reading used by the memory limit
func WithMemoryUsage(read func() uint64) ConsumerOption {
	return func(c *Consumer) {
		c.memory = read
	}
}

// NewConsumer creates a consumer named name that dispatches each queue in
// queues to its handler.
func NewConsumer(name string, conn Connection, queues map[string]Handler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		name:         name,
		conn:         conn,
		handlers:     queues,
		deserializer: JSONDeserializer[any](),
		messages:     NopLogger(),
		logger:       slog.Default(),
		memory:       ProcessMemory,
		wake:         make(chan struct{}, 1),
	}
	for q := range queues {
		c.queues = append(c.queues, q)
	}
	sort.Strings(c.queues)

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Name returns the consumer name
func (c *Consumer) Name() string {
	return c.name
}

// Queues returns the subscribed queue names in subscription order
func (c *Consumer) Queues() []string {
	return append([]string(nil), c.queues...)
}

// Processed returns the number of deliveries dispatched since the last setup.
func (c *Consumer) Processed() int {
	return int(c.processed.Load())
}

// Tags returns the consumer tags of the active subscriptions.
func (c *Consumer) Tags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(c.subs))
	for _, s := range c.subs {
		tags = append(tags, s.tag)
	}
	return tags
}

// SetMemoryLimit replaces the memory limit in bytes. It must be called before Consume.
func (c *Consumer) SetMemoryLimit(bytes uint64) {
	c.memoryLimit = bytes
}

// Stop asks the run-loop to cancel its subscriptions and return. The delivery
// being handled, if any, is settled first.
func (c *Consumer) Stop() {
	c.forceStop.Store(true)
	c.notify()
}

// Restart asks the run-loop to cancel its subscriptions, renew the connection
// and subscribe again under a new run id.
func (c *Consumer) Restart() {
	c.restart.Store(true)
	c.notify()
}

func (c *Consumer) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Consume runs the loop until messageLimit deliveries were dispatched (0 means
// no limit), Stop is called, ctx is done, the memory limit is reached or the
// idle timeout expires.
func (c *Consumer) Consume(ctx context.Context, messageLimit int) (int, error) {
	if messageLimit < 0 {
		return ExitCodeFailure, fmt.Errorf("%w: message limit must not be negative", ErrInvalidArgument)
	}
	if !c.running.CompareAndSwap(false, true) {
		return ExitCodeFailure, c.consumerError("", "consume", errors.New("already consuming"))
	}
	defer func() {
		c.closeChannel()
		c.forceStop.Store(false)
		c.restart.Store(false)
		c.running.Store(false)
	}()

	c.target = messageLimit
	if err := c.setup(ctx); err != nil {
		return ExitCodeFailure, err
	}

	for c.active() {
		if c.restart.Swap(false) && !c.forceStop.Load() {
			if err := c.renew(ctx); err != nil {
				return ExitCodeFailure, err
			}
			continue
		}

		if c.maybeStop() {
			break
		}

		sub, delivery, ok, err := c.wait(ctx)
		if err != nil {
			if c.idleExitCode != nil {
				c.logger.Info("idle timeout expired", "consumer", c.name, "exitCode", *c.idleExitCode)
				c.cancelAll()
				return *c.idleExitCode, nil
			}
			c.cancelAll()
			return ExitCodeFailure, c.consumerError("", "wait", err)
		}
		if sub == nil {
			continue
		}
		if !ok {
			c.drop(sub)
			continue
		}

		if err := c.dispatch(ctx, sub, delivery); err != nil {
			c.cancelAll()
			return ExitCodeFailure, err
		}
	}

	if c.ch != nil && c.ch.IsClosed() && !c.forceStop.Load() {
		return ExitCodeFailure, c.consumerError("", "consume", ErrConnectionClosed)
	}
	c.logger.Info("consumer stopped", "consumer", c.name, "processed", c.Processed())
	return ExitCodeNormal, nil
}

// Purge removes ready messages from every queue of the consumer.
func (c *Consumer) Purge(ctx context.Context) error {
	return c.eachQueue("purge", func(ch Channel, queue string) error {
		_, err := ch.QueuePurge(queue, true)
		return err
	})
}

// Delete deletes every queue of the consumer.
func (c *Consumer) Delete(ctx context.Context) error {
	return c.eachQueue("delete", func(ch Channel, queue string) error {
		_, err := ch.QueueDelete(queue, false, false, true)
		return err
	})
}

func (c *Consumer) eachQueue(op string, fn func(Channel, string) error) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return c.consumerError("", op, err)
	}
	defer ch.Close()

	for _, q := range c.queues {
		if err := fn(ch, q); err != nil {
			return c.consumerError(q, op, err)
		}
	}
	return nil
}

// setup resets the counter, declares topology, applies QoS, waits out the
// standoff and subscribes every queue under a fresh run id.
func (c *Consumer) setup(ctx context.Context) error {
	c.processed.Store(0)

	if c.autoDeclare && c.routing != nil {
		if _, err := c.routing.DeclareAll(ctx); err != nil {
			return c.consumerError("", "declare", err)
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return c.consumerError("", "channel", err)
	}
	c.ch = ch

	if c.qos != nil {
		if err := ch.Qos(c.qos.PrefetchCount, c.qos.PrefetchSize, c.qos.Global); err != nil {
			return c.consumerError("", "qos", err)
		}
	}

	if c.standoff > 0 {
		timer := time.NewTimer(c.standoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return c.consumerError("", "standoff", ctx.Err())
		}
	}

	runID := uuid.NewString()
	subs := make([]*subscription, 0, len(c.queues))
	for _, q := range c.queues {
		tag := fmt.Sprintf("%s-%s-%s", q, c.name, runID)
		deliveries, err := ch.Consume(q, tag, false, false, false, false, nil)
		if err != nil {
			c.setSubs(subs, runID)
			c.cancelAll()
			return c.consumerError(q, "subscribe", err)
		}
		subs = append(subs, &subscription{queue: q, tag: tag, handler: c.handlers[q], deliveries: deliveries})
		c.logger.Info("subscribed to queue", "consumer", c.name, "queue", q, "consumerTag", tag)
	}
	c.setSubs(subs, runID)
	return nil
}

// renew cancels every subscription, renews the connection and runs setup again.
func (c *Consumer) renew(ctx context.Context) error {
	c.logger.Info("restarting consumer", "consumer", c.name)
	c.cancelAll()
	c.closeChannel()

	if r, ok := c.conn.(Renewer); ok {
		if err := r.Renew(ctx); err != nil {
			return c.consumerError("", "restart", err)
		}
	}
	return c.setup(ctx)
}

// maybeStop cancels every subscription when a stop condition holds.
func (c *Consumer) maybeStop() bool {
	stop := c.forceStop.Load() ||
		(c.target > 0 && c.Processed() >= c.target) ||
		(c.memoryLimit > 0 && c.memory() >= c.memoryLimit)
	if stop {
		c.cancelAll()
	}
	return stop
}

// wait blocks until a delivery arrives on any subscription, the loop is woken,
// ctx is done or the idle timeout expires. A nil subscription means woken.
func (c *Consumer) wait(ctx context.Context) (*subscription, amqp.Delivery, bool, error) {
	c.mu.Lock()
	subs := c.subs
	c.mu.Unlock()

	const fixed = 3
	cases := make([]reflect.SelectCase, fixed, fixed+len(subs))
	cases[0] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c.wake)}
	cases[1] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
	cases[2] = reflect.SelectCase{Dir: reflect.SelectRecv}
	if c.idleTimeout > 0 {
		timer := time.NewTimer(c.idleTimeout)
		defer timer.Stop()
		cases[2].Chan = reflect.ValueOf(timer.C)
	}
	for _, s := range subs {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.deliveries)})
	}

	chosen, value, ok := reflect.Select(cases)
	switch chosen {
	case 0:
		return nil, amqp.Delivery{}, false, nil
	case 1:
		c.forceStop.Store(true)
		return nil, amqp.Delivery{}, false, nil
	case 2:
		return nil, amqp.Delivery{}, false, ErrIdleTimeout
	}

	sub := subs[chosen-fixed]
	if !ok {
		return sub, amqp.Delivery{}, false, nil
	}
	return sub, value.Interface().(amqp.Delivery), true, nil
}

// dispatch runs one delivery through hooks, deserializer and handler, settles
// it and counts it. The count is taken whether or not the handler failed.
func (c *Consumer) dispatch(ctx context.Context, sub *subscription, d amqp.Delivery) error {
	start := time.Now()
	event := Event{
		Name:     BeforeConsume,
		Consumer: c.name,
		Queue:    sub.queue,
		Delivery: &d,
	}
	c.hooks.Trigger(ctx, event)

	msg := &Message{Delivery: d, Queue: sub.queue}
	result, stack, err := c.invoke(ctx, sub.handler, msg)
	if err == nil {
		err = settle(d, result)
	}
	c.processed.Add(1)
	elapsed := time.Since(start)

	event.Name = AfterConsume
	event.Result = result
	event.Duration = elapsed
	event.Err = err
	c.hooks.Trigger(ctx, event)

	if err != nil {
		c.messages.Failed(sub.queue, &d, err, stack, elapsed)
		c.logger.Error("failed to handle message",
			"consumer", c.name,
			"queue", sub.queue,
			"deliveryTag", d.DeliveryTag,
			"error", err,
		)
		if c.proceedOnError {
			return nil
		}
		return &ConsumerError{
			Consumer:    c.name,
			Queue:       sub.queue,
			ConsumerTag: sub.tag,
			Op:          "handle",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.messages.Processed(sub.queue, &d, result, elapsed)
	return nil
}

// invoke deserializes the body when flagged and calls the handler, turning a
// panic into an error.
func (c *Consumer) invoke(ctx context.Context, h Handler, msg *Message) (result Result, stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Ack
			stack = debug.Stack()
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	if isSerialized(msg.Headers) {
		payload, err := c.deserializer(msg.Body)
		if err != nil {
			return Ack, debug.Stack(), fmt.Errorf("deserialize message: %w", err)
		}
		msg.Payload = payload
	}

	result, err = h.Handle(ctx, msg)
	if err != nil {
		return result.normalize(), debug.Stack(), err
	}
	return result.normalize(), nil, nil
}

func settle(d amqp.Delivery, result Result) error {
	switch result {
	case Requeue:
		return d.Reject(true)
	case Reject:
		return d.Reject(false)
	default:
		return d.Ack(false)
	}
}

func (c *Consumer) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) > 0
}

func (c *Consumer) setSubs(subs []*subscription, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = subs
	c.runID = runID
}

// drop forgets a subscription whose delivery channel was closed by the broker.
func (c *Consumer) drop(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			break
		}
	}
	c.logger.Warn("delivery channel closed", "consumer", c.name, "queue", sub.queue, "consumerTag", sub.tag)
}

// cancelAll issues one basic.cancel per active subscription.
func (c *Consumer) cancelAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if c.ch == nil || c.ch.IsClosed() {
		return
	}
	for _, s := range subs {
		if err := c.ch.Cancel(s.tag, false); err != nil {
			c.logger.Warn("failed to cancel subscription", "consumer", c.name, "consumerTag", s.tag, "error", err)
		}
	}
}

func (c *Consumer) closeChannel() {
	if c.ch == nil {
		return
	}
	if !c.ch.IsClosed() {
		_ = c.ch.Close()
	}
	c.ch = nil
}

func (c *Consumer) consumerError(queue, op string, err error) error {
	c.mu.Lock()
	runID := c.runID
	c.mu.Unlock()

	tag := ""
	if queue != "" && runID != "" {
		tag = fmt.Sprintf("%s-%s-%s", queue, c.name, runID)
	}
	return &ConsumerError{
		Consumer:    c.name,
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
