package monitor

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/rabbitkit/rabbitmq"
)

// QueueInfo is what a passive declare reports about a queue
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// QueueInspector reads queue depth over AMQP without the management API.
type QueueInspector struct {
	conn   rabbitmq.Connection
	queues []string
	logger *slog.Logger

	messages  *prometheus.Desc
	consumers *prometheus.Desc
}

// InspectorOption configures the QueueInspector
type InspectorOption func(*QueueInspector)

// WithInspectorLogger sets the logger
func WithInspectorLogger(logger *slog.Logger) InspectorOption {
	return func(qi *QueueInspector) {
		qi.logger = logger
	}
}

// NewQueueInspector creates an inspector for the given queues.
func NewQueueInspector(conn rabbitmq.Connection, queues []string, opts ...InspectorOption) *QueueInspector {
	qi := &QueueInspector{
		conn:   conn,
		queues: queues,
		logger: slog.Default(),
		messages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "messages"),
			"Messages ready in the queue.",
			[]string{"queue"}, nil,
		),
		consumers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "consumers"),
			"Consumers subscribed to the queue.",
			[]string{"queue"}, nil,
		),
	}
	for _, opt := range opts {
		opt(qi)
	}
	return qi
}

// InspectQueue passively declares the queue on a throwaway channel, since a
// missing queue closes the channel it was asked on.
func (qi *QueueInspector) InspectQueue(name string) (QueueInfo, error) {
	ch, err := qi.conn.Channel()
	if err != nil {
		return QueueInfo{}, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}
	return QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Describe implements prometheus.Collector
func (qi *QueueInspector) Describe(ch chan<- *prometheus.Desc) {
	ch <- qi.messages
	ch <- qi.consumers
}

// Collect implements prometheus.Collector. Queues that cannot be inspected are
// skipped and logged.
func (qi *QueueInspector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range qi.queues {
		info, err := qi.InspectQueue(name)
		if err != nil {
			qi.logger.Warn("queue inspection failed", "queue", name, "error", err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(qi.messages, prometheus.GaugeValue, float64(info.Messages), name)
		ch <- prometheus.MustNewConstMetric(qi.consumers, prometheus.GaugeValue, float64(info.Consumers), name)
	}
}
