// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rabbitkit wires connections, topology, producers and consumers from a
// config.Config. It is the main entry point for applications.
package rabbitkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.uber.org/zap"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/rabbitmq"
)

var (
	ErrNotFound          = errors.New("rabbitkit: not found")
	ErrUnknownHandler    = errors.New("rabbitkit: unknown handler")
	ErrUnknownSerializer = errors.New("rabbitkit: unknown serializer")
)

// Dialer opens the named connection. The default builds a ConnectionFactory
// from the connection parameters.
type Dialer func(ctx context.Context, name string, params rabbitmq.Parameters, retry rabbitmq.RetryPolicy) (rabbitmq.Connection, error)

// Container builds every configured service on first use and memoizes it.
type Container struct {
	cfg           *config.Config
	logger        *slog.Logger
	hooks         *rabbitmq.Hooks
	messages      *rabbitmq.Logger
	dial          Dialer
	handlers      map[string]rabbitmq.Handler
	serializers   map[string]rabbitmq.Serializer
	deserializers map[string]rabbitmq.Deserializer

	mu          sync.Mutex
	connections map[string]rabbitmq.Connection
	routings    map[string]*rabbitmq.Routing
	producers   map[string]*rabbitmq.Producer
	consumers   map[string]*rabbitmq.Consumer
}

// containerConfig holds construction options
type containerConfig struct {
	logger        *slog.Logger
	zap           *zap.Logger
	console       io.Writer
	hooks         *rabbitmq.Hooks
	dial          Dialer
	handlers      map[string]rabbitmq.Handler
	serializers   map[string]rabbitmq.Serializer
	deserializers map[string]rabbitmq.Deserializer
}

// Option configures the Container
type Option func(*containerConfig)

// WithHandler registers a handler under the name consumers reference in callbacks.
func WithHandler(name string, h rabbitmq.Handler) Option {
	return func(cfg *containerConfig) {
		cfg.handlers[name] = h
	}
}

// WithSerializer registers a producer serializer.
func WithSerializer(name string, s rabbitmq.Serializer) Option {
	return func(cfg *containerConfig) {
		cfg.serializers[name] = s
	}
}

// WithDeserializer registers a consumer deserializer.
func WithDeserializer(name string, d rabbitmq.Deserializer) Option {
	return func(cfg *containerConfig) {
		cfg.deserializers[name] = d
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *containerConfig) {
		cfg.logger = logger
	}
}

// WithMessageLogger sets the structured sink of the message logger.
func WithMessageLogger(log *zap.Logger) Option {
	return func(cfg *containerConfig) {
		cfg.zap = log
	}
}

// WithConsoleOutput redirects the message logger console lines.
func WithConsoleOutput(w io.Writer) Option {
	return func(cfg *containerConfig) {
		cfg.console = w
	}
}

// WithHooks shares a hook registry with the caller.
func WithHooks(hooks *rabbitmq.Hooks) Option {
	return func(cfg *containerConfig) {
		cfg.hooks = hooks
	}
}

// WithConnectionDialer replaces how connections are opened.
func WithConnectionDialer(dial Dialer) Option {
	return func(cfg *containerConfig) {
		cfg.dial = dial
	}
}

// New validates that every handler and serializer name in cfg is registered.
// Nothing is dialed until a service is requested.
func New(cfg *config.Config, options ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", rabbitmq.ErrInvalidConfiguration)
	}

	cc := &containerConfig{
		logger:   slog.Default(),
		handlers: make(map[string]rabbitmq.Handler),
		serializers: map[string]rabbitmq.Serializer{
			"json": rabbitmq.JSONSerializer,
		},
		deserializers: map[string]rabbitmq.Deserializer{
			"json": rabbitmq.JSONDeserializer[any](),
		},
	}
	for _, opt := range options {
		opt(cc)
	}
	if cc.hooks == nil {
		cc.hooks = rabbitmq.NewHooks()
	}
	if cc.dial == nil {
		cc.dial = factoryDialer(cc.logger)
	}

	var errs []error
	for _, p := range cfg.Producers {
		if _, ok := cc.serializers[p.Serializer]; !ok {
			errs = append(errs, fmt.Errorf("%w: producer `%s` uses `%s`", ErrUnknownSerializer, p.Name, p.Serializer))
		}
	}
	for _, c := range cfg.Consumers {
		if _, ok := cc.deserializers[c.Deserializer]; !ok {
			errs = append(errs, fmt.Errorf("%w: consumer `%s` uses `%s`", ErrUnknownSerializer, c.Name, c.Deserializer))
		}
		for queue, handler := range c.Callbacks {
			if _, ok := cc.handlers[handler]; !ok {
				errs = append(errs, fmt.Errorf("%w: consumer `%s` queue `%s` uses `%s`", ErrUnknownHandler, c.Name, queue, handler))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var loggerOpts []rabbitmq.LoggerOption
	if cc.console != nil {
		loggerOpts = append(loggerOpts, rabbitmq.WithConsoleOutput(cc.console))
	}

	return &Container{
		cfg:           cfg,
		logger:        cc.logger,
		hooks:         cc.hooks,
		messages:      rabbitmq.NewLogger(cc.zap, cfg.Logger.Options(), loggerOpts...),
		dial:          cc.dial,
		handlers:      cc.handlers,
		serializers:   cc.serializers,
		deserializers: cc.deserializers,
		connections:   make(map[string]rabbitmq.Connection),
		routings:      make(map[string]*rabbitmq.Routing),
		producers:     make(map[string]*rabbitmq.Producer),
		consumers:     make(map[string]*rabbitmq.Consumer),
	}, nil
}

func factoryDialer(logger *slog.Logger) Dialer {
	return func(ctx context.Context, name string, params rabbitmq.Parameters, retry rabbitmq.RetryPolicy) (rabbitmq.Connection, error) {
		factory, err := rabbitmq.NewConnectionFactory(params,
			rabbitmq.WithRetryPolicy(retry),
			rabbitmq.WithFactoryLogger(logger.With("connection", name)),
		)
		if err != nil {
			return nil, err
		}
		return factory.CreateConnection(ctx)
	}
}

// Config returns the configuration the container was built from
func (c *Container) Config() *config.Config {
	return c.cfg
}

// Hooks returns the registry shared by every producer and consumer
func (c *Container) Hooks() *rabbitmq.Hooks {
	return c.hooks
}

// MessageLogger returns the shared message logger
func (c *Container) MessageLogger() *rabbitmq.Logger {
	return c.messages
}

// Connection returns the named connection, dialing it on first use.
func (c *Container) Connection(ctx context.Context, name string) (rabbitmq.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection(ctx, name)
}

// Routing returns the topology registry bound to the named connection.
func (c *Container) Routing(ctx context.Context, connection string) (*rabbitmq.Routing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routing(ctx, connection)
}

// Producer returns the named producer.
func (c *Container) Producer(ctx context.Context, name string) (*rabbitmq.Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.producers[name]; ok {
		return p, nil
	}
	pc, ok := c.cfg.Producer(name)
	if !ok {
		return nil, fmt.Errorf("%w: producer `%s`", ErrNotFound, name)
	}
	conn, err := c.connection(ctx, pc.Connection)
	if err != nil {
		return nil, err
	}
	routing, err := c.routing(ctx, pc.Connection)
	if err != nil {
		return nil, err
	}

	p := rabbitmq.NewProducer(conn, routing,
		rabbitmq.WithProducerName(pc.Name),
		rabbitmq.WithContentType(pc.ContentType),
		rabbitmq.WithDeliveryMode(pc.DeliveryMode),
		rabbitmq.WithSafe(pc.IsSafe()),
		rabbitmq.WithProducerAutoDeclare(c.cfg.IsAutoDeclare()),
		rabbitmq.WithSerializer(c.serializers[pc.Serializer]),
		rabbitmq.WithProducerHooks(c.hooks),
		rabbitmq.WithProducerMessageLogger(c.messages),
		rabbitmq.WithProducerLogger(c.logger.With("producer", pc.Name)),
	)
	c.producers[name] = p
	return p, nil
}

// Consumer returns the named consumer with its handlers resolved.
func (c *Container) Consumer(ctx context.Context, name string) (*rabbitmq.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cons, ok := c.consumers[name]; ok {
		return cons, nil
	}
	cc, ok := c.cfg.Consumer(name)
	if !ok {
		return nil, fmt.Errorf("%w: consumer `%s`", ErrNotFound, name)
	}
	conn, err := c.connection(ctx, cc.Connection)
	if err != nil {
		return nil, err
	}
	routing, err := c.routing(ctx, cc.Connection)
	if err != nil {
		return nil, err
	}

	queues := make(map[string]rabbitmq.Handler, len(cc.Callbacks))
	for queue, handler := range cc.Callbacks {
		queues[queue] = c.handlers[handler]
	}

	opts := []rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerRouting(routing),
		rabbitmq.WithConsumerAutoDeclare(c.cfg.IsAutoDeclare()),
		rabbitmq.WithProceedOnError(cc.ProceedOnError),
		rabbitmq.WithDeserializer(c.deserializers[cc.Deserializer]),
		rabbitmq.WithConsumerHooks(c.hooks),
		rabbitmq.WithConsumerMessageLogger(c.messages),
		rabbitmq.WithConsumerLogger(c.logger.With("consumer", cc.Name)),
	}
	if cc.QoS != nil {
		opts = append(opts, rabbitmq.WithQoS(rabbitmq.QoS{
			PrefetchSize:  cc.QoS.PrefetchSize,
			PrefetchCount: cc.QoS.PrefetchCount,
			Global:        cc.QoS.Global,
		}))
	}
	if d := cc.IdleTimeout.Std(); d > 0 {
		opts = append(opts, rabbitmq.WithIdleTimeout(d))
	}
	if cc.IdleTimeoutExitCode != nil {
		opts = append(opts, rabbitmq.WithIdleTimeoutExitCode(*cc.IdleTimeoutExitCode))
	}
	if limit := cc.MemoryLimitBytes(); limit > 0 {
		opts = append(opts, rabbitmq.WithMemoryLimit(limit))
	}
	if d := cc.Standoff.Std(); d > 0 {
		opts = append(opts, rabbitmq.WithStandoff(d))
	}

	cons := rabbitmq.NewConsumer(cc.Name, conn, queues, opts...)
	c.consumers[name] = cons
	return cons, nil
}

// Close closes every routing channel, producer and connection opened so far.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, p := range c.producers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range c.routings {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for name, conn := range c.connections {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", name, err))
		}
	}
	c.producers = make(map[string]*rabbitmq.Producer)
	c.consumers = make(map[string]*rabbitmq.Consumer)
	c.routings = make(map[string]*rabbitmq.Routing)
	c.connections = make(map[string]rabbitmq.Connection)
	return errors.Join(errs...)
}

func (c *Container) connection(ctx context.Context, name string) (rabbitmq.Connection, error) {
	if conn, ok := c.connections[name]; ok {
		return conn, nil
	}
	cc, ok := c.cfg.Connection(name)
	if !ok {
		return nil, fmt.Errorf("%w: connection `%s`", ErrNotFound, name)
	}
	params, err := cc.Parameters()
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, name, params, cc.RetryPolicy())
	if err != nil {
		return nil, err
	}
	c.logger.Debug("connection opened", "connection", name)
	c.connections[name] = conn
	return conn, nil
}

func (c *Container) routing(ctx context.Context, name string) (*rabbitmq.Routing, error) {
	if r, ok := c.routings[name]; ok {
		return r, nil
	}
	conn, err := c.connection(ctx, name)
	if err != nil {
		return nil, err
	}
	exchanges, queues, bindings := c.cfg.Topology()
	r := rabbitmq.NewRouting(conn, exchanges, queues, bindings,
		rabbitmq.WithRoutingLogger(c.logger.With("connection", name)),
	)
	c.routings[name] = r
	return r, nil
}
