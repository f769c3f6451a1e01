package dispatch

// Metrics exporters for dispatch statistics.
//
// Provides:
//   - PrometheusCollector implementing prometheus.Collector
//   - DatadogStatsdExporter for periodic flush to DogStatsD / StatsD
//     compatible endpoints
//
// Both are pull-based: they read the cumulative counters through the
// public Stats() method, so the dispatch hot path carries no extra
// instrumentation.

import (
	"context"
	"fmt"
	"time"

	statsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	errNilStatsSource  = fmt.Errorf("dispatch: nil stats source supplied")
	errInvalidInterval = fmt.Errorf("dispatch: interval must be > 0")
)

// StatsSource is anything exposing cumulative dispatch counters: a
// shard, an expander, a Bus, or an AsyncBus.
type StatsSource interface {
	Stats() DispatchStats
}

// ----- Prometheus Collector -----

// PrometheusCollector implements prometheus.Collector over a stats
// source. It exposes cumulative counters:
//
//	<namespace>_dispatched_total{component="<name>"}
//	<namespace>_invoked_total{component="<name>"}
//	<namespace>_filtered_total{component="<name>"}
//	<namespace>_cancelled_total{component="<name>"}
//	<namespace>_errors_total{component="<name>"}
//
// Counters are generated as ConstMetrics on scrape.
type PrometheusCollector struct {
	source    StatsSource
	component string

	dispatchedDesc *prometheus.Desc
	invokedDesc    *prometheus.Desc
	filteredDesc   *prometheus.Desc
	cancelledDesc  *prometheus.Desc
	errorsDesc     *prometheus.Desc
}

// NewPrometheusCollector creates a collector for the given source.
// namespace is the metric prefix (default if empty: dispatch);
// component labels the metrics (default: bus).
func NewPrometheusCollector(source StatsSource, namespace, component string) *PrometheusCollector {
	if namespace == "" {
		namespace = "dispatch"
	}
	if component == "" {
		component = "bus"
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			fmt.Sprintf("%s_%s", namespace, name),
			help,
			[]string{"component"}, nil,
		)
	}
	return &PrometheusCollector{
		source:         source,
		component:      component,
		dispatchedDesc: desc("dispatched_total", "Total posted events (cumulative)"),
		invokedDesc:    desc("invoked_total", "Total handler invocations (cumulative)"),
		filteredDesc:   desc("filtered_total", "Total filter skips (cumulative)"),
		cancelledDesc:  desc("cancelled_total", "Total cancelled posts (cumulative)"),
		errorsDesc:     desc("errors_total", "Total recovered dispatch failures (cumulative)"),
	}
}

// Describe sends metric descriptors.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dispatchedDesc
	ch <- c.invokedDesc
	ch <- c.filteredDesc
	ch <- c.cancelledDesc
	ch <- c.errorsDesc
}

// Collect gathers current stats and emits ConstMetrics.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), c.component)
	}
	counter(c.dispatchedDesc, s.Dispatched)
	counter(c.invokedDesc, s.Invoked)
	counter(c.filteredDesc, s.Filtered)
	counter(c.cancelledDesc, s.Cancelled)
	counter(c.errorsDesc, s.Errors)
}

// ----- Datadog / StatsD Exporter -----

// DatadogStatsdExporter periodically flushes the cumulative counters as
// monotonic gauges to DogStatsD / StatsD. It is pull-based: each
// interval it reads the current counts and submits them with a
// component:<name> tag plus any base tags.
type DatadogStatsdExporter struct {
	source    StatsSource
	client    *statsd.Client
	component string
	interval  time.Duration
	baseTags  []string
}

// NewDatadogStatsdExporter creates a new exporter. addr example:
// "127.0.0.1:8125". prefix defaults to "dispatch" if empty; interval
// must be > 0.
func NewDatadogStatsdExporter(source StatsSource, prefix, component, addr string, interval time.Duration, baseTags []string) (*DatadogStatsdExporter, error) {
	if source == nil {
		return nil, errNilStatsSource
	}
	if interval <= 0 {
		return nil, errInvalidInterval
	}
	if prefix == "" {
		prefix = "dispatch"
	}
	if component == "" {
		component = "bus"
	}
	client, err := statsd.New(addr, statsd.WithNamespace(prefix+"."))
	if err != nil {
		return nil, fmt.Errorf("dispatch: creating statsd client: %w", err)
	}
	return &DatadogStatsdExporter{
		source:    source,
		client:    client,
		component: component,
		interval:  interval,
		baseTags:  baseTags,
	}, nil
}

// Run starts the export loop until context cancellation.
func (e *DatadogStatsdExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *DatadogStatsdExporter) flush() {
	s := e.source.Stats()
	tags := append(e.baseTags, "component:"+e.component)
	_ = e.client.Gauge("dispatched_total", float64(s.Dispatched), tags, 1)
	_ = e.client.Gauge("invoked_total", float64(s.Invoked), tags, 1)
	_ = e.client.Gauge("filtered_total", float64(s.Filtered), tags, 1)
	_ = e.client.Gauge("cancelled_total", float64(s.Cancelled), tags, 1)
	_ = e.client.Gauge("errors_total", float64(s.Errors), tags, 1)
}

// Close closes the underlying statsd client.
func (e *DatadogStatsdExporter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("dispatch: closing statsd client: %w", err)
	}
	return nil
}
