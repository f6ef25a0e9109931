package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/rabbitkit/rabbitmq"
)

const namespace = "rabbitkit"

// Collector records consume and publish events
type Collector struct {
	consumed        *prometheus.CounterVec
	consumeErrors   *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
	published       *prometheus.CounterVec
	publishErrors   *prometheus.CounterVec
}

// NewCollector creates the metric families and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Deliveries settled by consumers, by result.",
		}, []string{"consumer", "queue", "result"}),
		consumeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_errors_total",
			Help:      "Deliveries whose handler or deserializer failed.",
		}, []string{"consumer", "queue"}),
		consumeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consume_duration_seconds",
			Help:      "Time spent handling one delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"consumer", "queue"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages handed to the broker.",
		}, []string{"producer", "exchange"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Publishes that failed.",
		}, []string{"producer", "exchange"}),
	}

	for _, col := range []prometheus.Collector{c.consumed, c.consumeErrors, c.consumeDuration, c.published, c.publishErrors} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Attach subscribes the collector to after_consume and after_publish.
func (c *Collector) Attach(hooks *rabbitmq.Hooks) {
	hooks.On(rabbitmq.AfterConsume, func(ctx context.Context, e rabbitmq.Event) {
		c.ObserveConsume(e)
	})
	hooks.On(rabbitmq.AfterPublish, func(ctx context.Context, e rabbitmq.Event) {
		c.ObservePublish(e)
	})
}

// ObserveConsume records one after_consume event.
func (c *Collector) ObserveConsume(e rabbitmq.Event) {
	c.consumeDuration.WithLabelValues(e.Consumer, e.Queue).Observe(e.Duration.Seconds())
	if e.Err != nil {
		c.consumeErrors.WithLabelValues(e.Consumer, e.Queue).Inc()
		return
	}
	c.consumed.WithLabelValues(e.Consumer, e.Queue, e.Result.String()).Inc()
}

// ObservePublish records one after_publish event.
func (c *Collector) ObservePublish(e rabbitmq.Event) {
	if e.Err != nil {
		c.publishErrors.WithLabelValues(e.Producer, e.Exchange).Inc()
		return
	}
	c.published.WithLabelValues(e.Producer, e.Exchange).Inc()
}
