package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange types accepted by the broker
const (
	ExchangeDirect  = "direct"
	ExchangeTopic   = "topic"
	ExchangeFanout  = "fanout"
	ExchangeHeaders = "headers"
)

// ExchangeDefinition defines an exchange to be declared
type ExchangeDefinition struct {
	Name       string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  amqp.Table
}

// QueueDefinition defines a queue to be declared. An empty Name asks the
// broker to generate one.
type QueueDefinition struct {
	Name       string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  amqp.Table
}

// Binding routes Exchange to either Queue or ToExchange, once per routing key.
type Binding struct {
	Exchange    string
	Queue       string
	ToExchange  string
	RoutingKeys []string
	Arguments   amqp.Table
}

// Routing declares and administers the topology configured for one connection.
type Routing struct {
	conn   Connection
	logger *slog.Logger

	mu        sync.Mutex
	ch        Channel
	exchanges map[string]ExchangeDefinition
	exOrder   []string
	queues    map[string]QueueDefinition
	anonymous []QueueDefinition
	qOrder    []string
	bindings  []Binding

	exchangesDeclared map[string]bool
	queuesDeclared    map[string]bool
	declared          bool
}

// RoutingOption configures the Routing
type RoutingOption func(*Routing)

// WithRoutingLogger sets the logger
func WithRoutingLogger(logger *slog.Logger) RoutingOption {
	return func(r *Routing) {
		r.logger = logger
	}
}

// NewRouting creates a registry for the given definitions. Queues with an empty
// name are all kept; named entries are keyed by name.
func NewRouting(conn Connection, exchanges []ExchangeDefinition, queues []QueueDefinition, bindings []Binding, options ...RoutingOption) *Routing {
	r := &Routing{
		conn:              conn,
		logger:            slog.Default(),
		exchanges:         make(map[string]ExchangeDefinition),
		queues:            make(map[string]QueueDefinition),
		bindings:          bindings,
		exchangesDeclared: make(map[string]bool),
		queuesDeclared:    make(map[string]bool),
	}
	for _, ex := range exchanges {
		if _, ok := r.exchanges[ex.Name]; !ok {
			r.exOrder = append(r.exOrder, ex.Name)
		}
		r.exchanges[ex.Name] = ex
	}
	for _, q := range queues {
		if q.Name == "" {
			if len(r.anonymous) == 0 {
				r.qOrder = append(r.qOrder, "")
			}
			r.anonymous = append(r.anonymous, q)
			continue
		}
		if _, ok := r.queues[q.Name]; !ok {
			r.qOrder = append(r.qOrder, q.Name)
		}
		r.queues[q.Name] = q
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// DeclareAll declares every exchange, then every queue, then every binding. It
// runs once per Routing; later calls, and calls with nothing configured, report false.
func (r *Routing) DeclareAll(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.declared || r.empty() {
		return false, nil
	}

	for _, name := range r.exOrder {
		if err := r.declareExchange(name); err != nil {
			return false, err
		}
	}
	for _, name := range r.qOrder {
		if err := r.declareQueue(name); err != nil {
			return false, err
		}
	}
	if err := r.declareBindings(); err != nil {
		return false, err
	}

	r.declared = true
	r.logger.Info("topology declared",
		"exchanges", len(r.exOrder),
		"queues", len(r.queues)+len(r.anonymous),
		"bindings", len(r.bindings),
	)
	return true, nil
}

// DeclareExchange declares one configured exchange unless it was declared before.
func (r *Routing) DeclareExchange(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.declareExchange(name)
}

// DeclareQueue declares one configured queue unless it was declared before. The
// empty name declares every anonymous queue.
func (r *Routing) DeclareQueue(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.declareQueue(name)
}

// DeclareBindings issues the bind calls for every configured binding.
func (r *Routing) DeclareBindings(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.declareBindings()
}

// PurgeQueue removes all ready messages from a configured queue.
func (r *Routing) PurgeQueue(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasQueue(name) {
		return &TopologyError{Component: "queue", Name: name, Op: "purge", Err: ErrNotConfigured}
	}
	ch, err := r.channel()
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "purge", Err: err}
	}
	if _, err := ch.QueuePurge(name, true); err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "purge", Err: err}
	}
	return nil
}

// DeleteQueue deletes a configured queue.
func (r *Routing) DeleteQueue(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteQueue(name)
}

// DeleteExchange deletes a configured exchange.
func (r *Routing) DeleteExchange(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteExchange(name)
}

// DeleteAll deletes every configured queue, then every configured exchange.
func (r *Routing) DeleteAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.qOrder {
		if name == "" {
			continue
		}
		if err := r.deleteQueue(name); err != nil {
			return err
		}
	}
	for _, name := range r.exOrder {
		if err := r.deleteExchange(name); err != nil {
			return err
		}
	}
	return nil
}

// IsExchangeExists probes the broker with a passive declare. Broker exceptions
// mean false; only a failure to open the probe channel is returned as an error.
func (r *Routing) IsExchangeExists(ctx context.Context, name string) (bool, error) {
	return r.probe(func(ch Channel) error {
		return ch.ExchangeDeclarePassive(name, ExchangeDirect, false, false, false, false, nil)
	})
}

// IsQueueExists probes the broker with a passive queue declare.
func (r *Routing) IsQueueExists(ctx context.Context, name string) (bool, error) {
	return r.probe(func(ch Channel) error {
		_, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
}

// Exchanges returns the configured exchange names in declaration order.
func (r *Routing) Exchanges() []string {
	return append([]string(nil), r.exOrder...)
}

// Queues returns the configured queue names in declaration order.
func (r *Routing) Queues() []string {
	return append([]string(nil), r.qOrder...)
}

// HasExchange reports whether name is a configured exchange.
func (r *Routing) HasExchange(name string) bool {
	_, ok := r.exchanges[name]
	return ok
}

// HasQueue reports whether name is a configured queue.
func (r *Routing) HasQueue(name string) bool {
	return r.hasQueue(name)
}

// Close releases the registry channel.
func (r *Routing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil || r.ch.IsClosed() {
		return nil
	}
	err := r.ch.Close()
	r.ch = nil
	return err
}

func (r *Routing) empty() bool {
	return len(r.exchanges) == 0 && len(r.queues) == 0 && len(r.anonymous) == 0 && len(r.bindings) == 0
}

func (r *Routing) hasQueue(name string) bool {
	if name == "" {
		return len(r.anonymous) > 0
	}
	_, ok := r.queues[name]
	return ok
}

// channel returns the registry channel, reopening it after a broker exception closed it.
func (r *Routing) channel() (Channel, error) {
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	r.ch = ch
	return ch, nil
}

func (r *Routing) declareExchange(name string) error {
	ex, ok := r.exchanges[name]
	if !ok {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: ErrNotConfigured}
	}
	if r.exchangesDeclared[name] {
		return nil
	}

	ch, err := r.channel()
	if err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: err}
	}

	declare := ch.ExchangeDeclare
	if ex.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	if err := declare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, ex.Internal, ex.NoWait, ex.Arguments); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: err}
	}

	r.exchangesDeclared[name] = true
	r.logger.Debug("exchange declared", "exchange", name, "type", ex.Type)
	return nil
}

func (r *Routing) declareQueue(name string) error {
	if !r.hasQueue(name) {
		return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: ErrNotConfigured}
	}
	if r.queuesDeclared[name] {
		return nil
	}

	ch, err := r.channel()
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err}
	}

	defs := r.anonymous
	if name != "" {
		defs = []QueueDefinition{r.queues[name]}
	}
	for _, q := range defs {
		declare := ch.QueueDeclare
		if q.Passive {
			declare = ch.QueueDeclarePassive
		}
		declared, err := declare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, q.NoWait, q.Arguments)
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err}
		}
		r.logger.Debug("queue declared", "queue", declared.Name)
	}

	r.queuesDeclared[name] = true
	return nil
}

func (r *Routing) declareBindings() error {
	for _, b := range r.bindings {
		// binding is not permitted on the default exchange
		if b.Exchange == "" {
			continue
		}

		keys := b.RoutingKeys
		if len(keys) == 0 {
			keys = []string{""}
		}

		ch, err := r.channel()
		if err != nil {
			return &TopologyError{Component: "binding", Name: b.Exchange, Op: "bind", Err: err}
		}
		for _, key := range keys {
			if b.Queue != "" {
				err = ch.QueueBind(b.Queue, key, b.Exchange, false, b.Arguments)
			} else {
				err = ch.ExchangeBind(b.ToExchange, key, b.Exchange, false, b.Arguments)
			}
			if err != nil {
				return &TopologyError{Component: "binding", Name: fmt.Sprintf("%s -> %s%s", b.Exchange, b.Queue, b.ToExchange), Op: "bind", Err: err}
			}
		}
	}
	return nil
}

func (r *Routing) deleteQueue(name string) error {
	if _, ok := r.queues[name]; !ok {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: ErrNotConfigured}
	}
	ch, err := r.channel()
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err}
	}
	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err}
	}
	delete(r.queuesDeclared, name)
	return nil
}

func (r *Routing) deleteExchange(name string) error {
	if _, ok := r.exchanges[name]; !ok {
		return &TopologyError{Component: "exchange", Name: name, Op: "delete", Err: ErrNotConfigured}
	}
	ch, err := r.channel()
	if err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "delete", Err: err}
	}
	if err := ch.ExchangeDelete(name, false, false); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "delete", Err: err}
	}
	delete(r.exchangesDeclared, name)
	return nil
}

// probe runs check on a throwaway channel, since a failed passive declare
// closes the channel it was issued on.
func (r *Routing) probe(check func(Channel) error) (bool, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return false, err
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	if err := check(ch); err != nil {
		if isProtocolError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
