package health

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"

	"github.com/glimte/rabbitkit/rabbitmq"
)

// ConnectionChecker checks that the connection can open a channel and reach
// the broker.
type ConnectionChecker struct {
	name string
	conn rabbitmq.Connection
}

// NewConnectionChecker creates a checker named rabbitmq_<name>.
func NewConnectionChecker(name string, conn rabbitmq.Connection) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq_" + c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ch, err := c.conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	// every broker has amq.direct
	if err := ch.ExchangeDeclarePassive("amq.direct", rabbitmq.ExchangeDirect, true, false, false, false, nil); err != nil {
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["connection_open"] = !c.conn.IsClosed()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue exists and is drained.
type QueueChecker struct {
	queue        string
	conn         rabbitmq.Connection
	maxMessages  int
	requireReady bool
}

// QueueCheckerOption configures the QueueChecker
type QueueCheckerOption func(*QueueChecker)

// WithMaxMessages sets the backlog above which the queue is degraded.
func WithMaxMessages(n int) QueueCheckerOption {
	return func(c *QueueChecker) {
		c.maxMessages = n
	}
}

// WithRequireConsumers reports a backlog with no consumers as unhealthy.
func WithRequireConsumers() QueueCheckerOption {
	return func(c *QueueChecker) {
		c.requireReady = true
	}
}

// NewQueueChecker creates a queue checker. The default backlog limit is 10000.
func NewQueueChecker(queue string, conn rabbitmq.Connection, opts ...QueueCheckerOption) *QueueChecker {
	c := &QueueChecker{queue: queue, conn: conn, maxMessages: 10000}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ch, err := c.conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	queue, err := ch.QueueDeclarePassive(c.queue, false, false, false, false, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	switch {
	case c.requireReady && queue.Consumers == 0 && queue.Messages > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("No consumers for %d messages", queue.Messages)
	case c.maxMessages > 0 && queue.Messages > c.maxMessages:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	}
	result.Duration = time.Since(start)
	return result
}

// MemoryChecker compares the process memory reading with two thresholds in bytes.
type MemoryChecker struct {
	warning  uint64
	critical uint64
	read     func() uint64
}

// NewMemoryChecker creates a memory checker. A zero threshold is ignored.
func NewMemoryChecker(warning, critical uint64) *MemoryChecker {
	return &MemoryChecker{warning: warning, critical: critical, read: rabbitmq.ProcessMemory}
}

// WithReader replaces the memory reading
func (c *MemoryChecker) WithReader(read func() uint64) *MemoryChecker {
	c.read = read
	return c
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	used := c.read()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"memory_used": units.BytesSize(float64(used)),
		},
	}

	switch {
	case c.critical > 0 && used >= c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Memory usage %s exceeds %s", units.BytesSize(float64(used)), units.BytesSize(float64(c.critical)))
	case c.warning > 0 && used >= c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Memory usage %s exceeds %s", units.BytesSize(float64(used)), units.BytesSize(float64(c.warning)))
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}
	if sys, err := rabbitmq.ReadSystemMemory(); err == nil {
		result.Details["system"] = sys.String()
	}
	result.Duration = time.Since(start)
	return result
}
