package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedgen"

// Metrics holds the collectors shared by the subscriber and the HTTP server.
// Each instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Events        *prometheus.CounterVec
	Ops           *prometheus.CounterVec
	DecodeErrors  prometheus.Counter
	Batches       *prometheus.CounterVec
	Reconnects    prometheus.Counter
	Checkpoint    prometheus.Gauge
	ConsumerState prometheus.Gauge
	Requests      *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "events_total",
			Help:      "Upstream frames received, by event kind.",
		}, []string{"kind"}),
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "operations_total",
			Help:      "Decoded post operations, by operation and outcome.",
		}, []string{"op", "result"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "decode_errors_total",
			Help:      "Frames or records skipped because they could not be decoded.",
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "batches_total",
			Help:      "Batches written to the store, by outcome.",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "reconnects_total",
			Help:      "Connection attempts after a transport error.",
		}),
		Checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "checkpoint_position",
			Help:      "Last stream position persisted as a checkpoint.",
		}),
		ConsumerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "consumer_state",
			Help:      "Subscriber state: 0 disconnected, 1 connecting, 2 streaming, 3 reconnecting.",
		}),
		Requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.Events,
		m.Ops,
		m.DecodeErrors,
		m.Batches,
		m.Reconnects,
		m.Checkpoint,
		m.ConsumerState,
		m.Requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
