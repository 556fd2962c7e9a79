// Package metrics exposes Prometheus collectors for sessions, uploads,
// prints and realtime connections. A nil *Collector is valid and records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "printqueue"

type Collector struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsStarted   *prometheus.CounterVec
	sessionsEnded     *prometheus.CounterVec
	provisionDuration prometheus.Histogram
	uploads           *prometheus.CounterVec
	uploadBytes       prometheus.Counter
	prints            *prometheus.CounterVec
	connections       prometheus.Gauge
	events            *prometheus.CounterVec
}

// New registers every collector on a private registry together with the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live print sessions.",
		}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Session start attempts by result.",
		}, []string{"result"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Ended sessions by reason.",
		}, []string{"reason"}),
		provisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_provision_seconds",
			Help:      "Time to provision a session sandbox, including image pulls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted into session queues.",
		}),
		prints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prints_total",
			Help:      "Print commands by result.",
		}, []string{"result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open realtime connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Client events received by name.",
		}, []string{"event"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sessionsActive,
		c.sessionsStarted,
		c.sessionsEnded,
		c.provisionDuration,
		c.uploads,
		c.uploadBytes,
		c.prints,
		c.connections,
		c.events,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionStarted(took time.Duration) {
	if c == nil {
		return
	}
	c.sessionsStarted.WithLabelValues("ok").Inc()
	c.sessionsActive.Inc()
	c.provisionDuration.Observe(took.Seconds())
}

func (c *Collector) SessionStartFailed() {
	if c == nil {
		return
	}
	c.sessionsStarted.WithLabelValues("failed").Inc()
}

// SessionEnded records a teardown. reason is "requested", "shutdown" or
// "sandbox_lost".
func (c *Collector) SessionEnded(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
	c.sessionsActive.Dec()
}

func (c *Collector) UploadAccepted(size int64) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues("ok").Inc()
	c.uploadBytes.Add(float64(size))
}

// UploadRejected counts a failed upload under a short reason label.
func (c *Collector) UploadRejected(reason string) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(reason).Inc()
}

func (c *Collector) PrintExecuted(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.prints.WithLabelValues(result).Inc()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

func (c *Collector) EventReceived(name string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(name).Inc()
}
