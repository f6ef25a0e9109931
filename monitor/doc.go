// Package monitor exports consumer and producer activity as Prometheus metrics.
//
// A Collector subscribes to the hook registry shared by producers and
// consumers:
//
//	collector, err := monitor.NewCollector(prometheus.DefaultRegisterer)
//	if err != nil {
//		return err
//	}
//	collector.Attach(container.Hooks())
//
// A QueueInspector reports queue depth and consumer counts on every scrape.
package monitor
