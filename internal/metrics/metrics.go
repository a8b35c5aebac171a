// Package metrics holds the prometheus collectors of plapperkasten. All
// methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plapperkasten"

// Drop reasons.
const (
	ReasonFull     = "queue_full"
	ReasonClosed   = "queue_closed"
	ReasonUnmapped = "unmapped"
)

// Metrics owns a private registry so several supervisors (tests) can coexist.
type Metrics struct {
	registry *prometheus.Registry

	emitted     *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	translated  prometheus.Counter
	busyPlugins prometheus.Gauge
	plugins     prometheus.Gauge
	mainQueue   prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "events_emitted_total",
			Help:      "Events emitted to subscribers, by event name",
		}, []string{"event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "deliveries_total",
			Help:      "Events put into a plugin's inbound queue",
		}, []string{"plugin"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "events_dropped_total",
			Help:      "Events dropped, by reason",
		}, []string{"reason"}),
		translated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "raw_translated_total",
			Help:      "Raw keys translated through the event map",
		}),
		busyPlugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "busy_plugins",
			Help:      "Plugins currently reporting busy",
		}),
		plugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "plugins",
			Help:      "Plugins with a live inbound queue",
		}),
		mainQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "main_queue_depth",
			Help:      "Events waiting in the shared queue",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}

	m.registry.MustRegister(
		m.emitted, m.deliveries, m.dropped, m.translated,
		m.busyPlugins, m.plugins, m.mainQueue,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Emitted(event string) {
	if m != nil {
		m.emitted.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Delivered(plugin string) {
	if m != nil {
		m.deliveries.WithLabelValues(plugin).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Translated() {
	if m != nil {
		m.translated.Inc()
	}
}

func (m *Metrics) SetBusy(n int) {
	if m != nil {
		m.busyPlugins.Set(float64(n))
	}
}

func (m *Metrics) SetPlugins(n int) {
	if m != nil {
		m.plugins.Set(float64(n))
	}
}

func (m *Metrics) SetMainQueue(n int) {
	if m != nil {
		m.mainQueue.Set(float64(n))
	}
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(path, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(path, method, s).Inc()
	m.httpDuration.WithLabelValues(path, method, s).Observe(d.Seconds())
}
