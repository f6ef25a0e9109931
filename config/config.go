// Package config defines the declarative rabbitkit configuration: connections,
// topology, producers, consumers and the message logger.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/rabbitmq"
)

// DefaultConnection is the connection used by producers and consumers that do
// not name one.
const DefaultConnection = "default"

// Config is the root configuration document.
type Config struct {
	AutoDeclare *bool        `json:"auto_declare"`
	Connections []Connection `json:"connections" validate:"required,min=1,dive"`
	Exchanges   []Exchange   `json:"exchanges" validate:"dive"`
	Queues      []Queue      `json:"queues" validate:"dive"`
	Bindings    []Binding    `json:"bindings" validate:"dive"`
	Producers   []Producer   `json:"producers" validate:"dive"`
	Consumers   []Consumer   `json:"consumers" validate:"dive"`
	Logger      Logger       `json:"logger"`
}

// Connection describes one broker connection.
type Connection struct {
	Name              string            `json:"name" validate:"required"`
	URL               string            `json:"url" validate:"required_without=Host"`
	Host              string            `json:"host" validate:"required_without=URL"`
	Port              int               `json:"port" validate:"omitempty,min=1,max=65535"`
	User              string            `json:"user"`
	Password          string            `json:"password"`
	VHost             string            `json:"vhost"`
	ConnectionTimeout Duration          `json:"connection_timeout"`
	ReadWriteTimeout  Duration          `json:"read_write_timeout"`
	Heartbeat         Duration          `json:"heartbeat"`
	Keepalive         bool              `json:"keepalive"`
	Lazy              bool              `json:"lazy"`
	ConnectionName    string            `json:"connection_name"`
	TLS               *TLS              `json:"tls"`
	Retry             *Retry            `json:"retry"`
	Properties        map[string]string `json:"properties"`
}

// TLS enables amqps with the given certificates.
type TLS struct {
	CAFile             string `json:"ca_file"`
	CertFile           string `json:"cert_file" validate:"required_with=KeyFile"`
	KeyFile            string `json:"key_file" validate:"required_with=CertFile"`
	ServerName         string `json:"server_name"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
}

// Retry bounds redialing at startup.
type Retry struct {
	InitialInterval Duration `json:"initial_interval"`
	MaxElapsed      Duration `json:"max_elapsed"`
}

// Exchange describes an exchange declaration.
type Exchange struct {
	Name       string         `json:"name" validate:"required"`
	Type       string         `json:"type" validate:"required,oneof=direct topic fanout headers"`
	Passive    bool           `json:"passive"`
	Durable    bool           `json:"durable"`
	AutoDelete *bool          `json:"auto_delete"`
	Internal   bool           `json:"internal"`
	NoWait     bool           `json:"nowait"`
	Arguments  map[string]any `json:"arguments"`
}

// Queue describes a queue declaration. An empty name asks the broker for one.
type Queue struct {
	Name       string         `json:"name"`
	Passive    bool           `json:"passive"`
	Durable    bool           `json:"durable"`
	Exclusive  bool           `json:"exclusive"`
	AutoDelete *bool          `json:"auto_delete"`
	NoWait     bool           `json:"nowait"`
	Arguments  map[string]any `json:"arguments"`
}

// Binding routes an exchange to exactly one of a queue or another exchange.
type Binding struct {
	Exchange    string         `json:"exchange" validate:"required"`
	Queue       string         `json:"queue" validate:"required_without=ToExchange,excluded_with=ToExchange"`
	ToExchange  string         `json:"to_exchange" validate:"required_without=Queue"`
	RoutingKeys []string       `json:"routing_keys"`
	Arguments   map[string]any `json:"arguments"`
}

// Producer describes a named publisher.
type Producer struct {
	Name         string `json:"name" validate:"required"`
	Connection   string `json:"connection"`
	ContentType  string `json:"content_type"`
	DeliveryMode uint8  `json:"delivery_mode" validate:"omitempty,oneof=1 2"`
	Safe         *bool  `json:"safe"`
	Serializer   string `json:"serializer"`
}

// Consumer describes a named run-loop. Callbacks map queue names to handler names.
type Consumer struct {
	Name                string            `json:"name" validate:"required"`
	Connection          string            `json:"connection"`
	Callbacks           map[string]string `json:"callbacks" validate:"required,min=1,dive,keys,required,endkeys,required"`
	QoS                 *QoS              `json:"qos"`
	IdleTimeout         Duration          `json:"idle_timeout"`
	IdleTimeoutExitCode *int              `json:"idle_timeout_exit_code"`
	ProceedOnError      bool              `json:"proceed_on_error"`
	Deserializer        string            `json:"deserializer"`
	MemoryLimit         int               `json:"memory_limit" validate:"min=0"`
	Standoff            Duration          `json:"standoff"`
}

// QoS holds the prefetch settings
type QoS struct {
	PrefetchSize  int  `json:"prefetch_size" validate:"min=0"`
	PrefetchCount int  `json:"prefetch_count" validate:"min=0"`
	Global        bool `json:"global"`
}

// Logger configures the message log sinks.
type Logger struct {
	Enabled      *bool  `json:"enable"`
	Category     string `json:"category"`
	PrintConsole bool   `json:"print_console"`
	SystemMemory bool   `json:"system_memory"`
}

// Duration is a time.Duration written as "1.5s" or as plain seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(t * float64(time.Second))
	case string:
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// IsAutoDeclare reports whether topology is declared before first use.
func (c *Config) IsAutoDeclare() bool {
	return c.AutoDeclare == nil || *c.AutoDeclare
}

// Connection returns the named connection.
func (c *Config) Connection(name string) (Connection, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return Connection{}, false
}

// Producer returns the named producer.
func (c *Config) Producer(name string) (Producer, bool) {
	for _, p := range c.Producers {
		if p.Name == name {
			return p, true
		}
	}
	return Producer{}, false
}

// Consumer returns the named consumer.
func (c *Config) Consumer(name string) (Consumer, bool) {
	for _, cons := range c.Consumers {
		if cons.Name == name {
			return cons, true
		}
	}
	return Consumer{}, false
}

// Parameters converts the connection to factory parameters.
func (c Connection) Parameters() (rabbitmq.Parameters, error) {
	p := rabbitmq.Parameters{
		URL:               c.URL,
		Host:              c.Host,
		Port:              c.Port,
		User:              c.User,
		Password:          c.Password,
		VHost:             c.VHost,
		ConnectionTimeout: c.ConnectionTimeout.Std(),
		ReadWriteTimeout:  c.ReadWriteTimeout.Std(),
		Heartbeat:         c.Heartbeat.Std(),
		Keepalive:         c.Keepalive,
		Lazy:              c.Lazy,
		ConnectionName:    c.ConnectionName,
	}
	if len(c.Properties) > 0 {
		p.Properties = make(map[string]any, len(c.Properties))
		for k, v := range c.Properties {
			p.Properties[k] = v
		}
	}
	if c.TLS != nil {
		cfg, err := c.TLS.Config()
		if err != nil {
			return p, fmt.Errorf("connection %s: %w", c.Name, err)
		}
		p.TLS = cfg
	}
	return p, nil
}

// RetryPolicy returns the dial retry policy, zero when not configured.
func (c Connection) RetryPolicy() rabbitmq.RetryPolicy {
	if c.Retry == nil {
		return rabbitmq.RetryPolicy{}
	}
	return rabbitmq.RetryPolicy{
		InitialInterval: c.Retry.InitialInterval.Std(),
		MaxElapsed:      c.Retry.MaxElapsed.Std(),
	}
}

// Config loads the certificates into a tls.Config.
func (t *TLS) Config() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s holds no certificates", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Definition converts the exchange for the topology registry.
func (e Exchange) Definition() rabbitmq.ExchangeDefinition {
	return rabbitmq.ExchangeDefinition{
		Name:       e.Name,
		Type:       e.Type,
		Passive:    e.Passive,
		Durable:    e.Durable,
		AutoDelete: boolOr(e.AutoDelete, true),
		Internal:   e.Internal,
		NoWait:     e.NoWait,
		Arguments:  table(e.Arguments),
	}
}

// Definition converts the queue for the topology registry.
func (q Queue) Definition() rabbitmq.QueueDefinition {
	return rabbitmq.QueueDefinition{
		Name:       q.Name,
		Passive:    q.Passive,
		Durable:    q.Durable,
		Exclusive:  q.Exclusive,
		AutoDelete: boolOr(q.AutoDelete, true),
		NoWait:     q.NoWait,
		Arguments:  table(q.Arguments),
	}
}

// Definition converts the binding for the topology registry.
func (b Binding) Definition() rabbitmq.Binding {
	return rabbitmq.Binding{
		Exchange:    b.Exchange,
		Queue:       b.Queue,
		ToExchange:  b.ToExchange,
		RoutingKeys: b.RoutingKeys,
		Arguments:   table(b.Arguments),
	}
}

// Topology returns every exchange, queue and binding definition.
func (c *Config) Topology() ([]rabbitmq.ExchangeDefinition, []rabbitmq.QueueDefinition, []rabbitmq.Binding) {
	exchanges := make([]rabbitmq.ExchangeDefinition, 0, len(c.Exchanges))
	for _, e := range c.Exchanges {
		exchanges = append(exchanges, e.Definition())
	}
	queues := make([]rabbitmq.QueueDefinition, 0, len(c.Queues))
	for _, q := range c.Queues {
		queues = append(queues, q.Definition())
	}
	bindings := make([]rabbitmq.Binding, 0, len(c.Bindings))
	for _, b := range c.Bindings {
		bindings = append(bindings, b.Definition())
	}
	return exchanges, queues, bindings
}

// IsSafe reports whether the producer checks the exchange before publishing.
func (p Producer) IsSafe() bool {
	return boolOr(p.Safe, true)
}

// MemoryLimitBytes converts the megabyte limit to bytes.
func (c Consumer) MemoryLimitBytes() uint64 {
	if c.MemoryLimit <= 0 {
		return 0
	}
	return uint64(c.MemoryLimit) * 1024 * 1024
}

// Options converts the logger section.
func (l Logger) Options() rabbitmq.LoggerOptions {
	return rabbitmq.LoggerOptions{
		Enabled:      boolOr(l.Enabled, true),
		Category:     l.Category,
		PrintConsole: l.PrintConsole,
		SystemMemory: l.SystemMemory,
	}
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

// table converts JSON arguments to an AMQP table. JSON numbers decode as
// float64; integral values are narrowed to int64 so x-message-ttl and friends
// reach the broker as integers.
func table(args map[string]any) amqp.Table {
	if len(args) == 0 {
		return nil
	}
	t := make(amqp.Table, len(args))
	for k, v := range args {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			t[k] = int64(f)
			continue
		}
		t[k] = v
	}
	return t
}
