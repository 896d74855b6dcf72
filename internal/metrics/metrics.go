// Package metrics exposes stream lifecycle counters to Prometheus. Values are
// fed from the event bus, so the orchestrator loop never touches a collector.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/camfeed/internal/events"
)

const namespace = "camfeed"

// Stop reasons used as the "reason" label of streams_stopped_total.
const (
	ReasonRequested  = "requested"
	ReasonSuperseded = "superseded"
	ReasonExited     = "exited"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	starts           *prometheus.CounterVec
	failures         *prometheus.CounterVec
	stops            *prometheus.CounterVec
	reconfigs        *prometheus.CounterVec
	frames           *prometheus.CounterVec
	undelivered      *prometheus.CounterVec
	frameBytes       *prometheus.HistogramVec
	discardedBytes   *prometheus.CounterVec
	subscribers      prometheus.Gauge
	configReloads    prometheus.Counter
	changedQualities prometheus.Counter
}

// New creates the collectors. activeStreams, if not nil, is read on every
// scrape for the camfeed_streams_active gauge.
func New(activeStreams func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		starts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "started_total",
			Help:      "Transcoder processes started",
		}, []string{"quality"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "failed_total",
			Help:      "Streams that could not be started",
		}, []string{"quality", "code"}),
		stops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "stopped_total",
			Help:      "Transcoder exits by reason",
		}, []string{"quality", "reason"}),
		reconfigs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "reconfigurations_total",
			Help:      "Streams restarted to pick up new parameters",
		}, []string{"controller", "quality"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "total",
			Help:      "Frames assembled from transcoder output",
		}, []string{"quality"}),
		undelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "undelivered_total",
			Help:      "Frames assembled while no subscriber was attached",
		}, []string{"quality"}),
		frameBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "size_bytes",
			Help:      "Size of assembled frames",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 10),
		}, []string{"quality"}),
		discardedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "discarded_bytes_total",
			Help:      "Bytes of oversized frames dropped by the assembler",
		}, []string{"quality"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Attached live subscribers",
		}),
		configReloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Controllers file reloads",
		}),
		changedQualities: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "changed_qualities_total",
			Help:      "Controller qualities reconfigured by reloads",
		}),
		registry: reg,
	}

	if activeStreams != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "active",
			Help:      "Entries in the process table",
		}, func() float64 { return float64(activeStreams()) })
	}
	return m
}

// Subscribe feeds the collectors from bus. The returned function detaches
// every handler.
func (m *Metrics) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.StreamStartedEvent) {
			m.starts.WithLabelValues(e.Quality).Inc()
		}),
		bus.Subscribe(func(e events.StreamFailedEvent) {
			m.failures.WithLabelValues(e.Quality, e.Code).Inc()
		}),
		bus.Subscribe(func(e events.StreamStoppedEvent) {
			m.stops.WithLabelValues(e.Quality, stopReason(e)).Inc()
		}),
		bus.Subscribe(func(e events.StreamReconfiguringEvent) {
			m.reconfigs.WithLabelValues(strconv.Itoa(e.Controller), e.Quality).Inc()
		}),
		bus.Subscribe(func(e events.FrameEvent) {
			m.frames.WithLabelValues(e.Quality).Inc()
			m.frameBytes.WithLabelValues(e.Quality).Observe(float64(e.Size))
			if !e.Delivered {
				m.undelivered.WithLabelValues(e.Quality).Inc()
			}
		}),
		bus.Subscribe(func(e events.FrameDiscardedEvent) {
			m.discardedBytes.WithLabelValues(e.Quality).Add(float64(e.Bytes))
		}),
		bus.Subscribe(func(events.SubscriberAttachedEvent) { m.subscribers.Inc() }),
		bus.Subscribe(func(events.SubscriberDetachedEvent) { m.subscribers.Dec() }),
		bus.Subscribe(func(e events.ConfigReloadedEvent) {
			m.configReloads.Inc()
			m.changedQualities.Add(float64(len(e.Changes)))
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func stopReason(e events.StreamStoppedEvent) string {
	switch {
	case e.Superseded:
		return ReasonSuperseded
	case e.Requested:
		return ReasonRequested
	default:
		return ReasonExited
	}
}
