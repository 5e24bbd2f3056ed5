// Package metrics exposes playout counters on a private Prometheus registry.
//
// Every method is safe to call on a nil *Metrics so components can run
// without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playout engine.
type Metrics struct {
	registry       *prometheus.Registry
	ticksTotal     *prometheus.CounterVec
	lateTicksTotal *prometheus.CounterVec
	layerFaults    *prometheus.CounterVec
	muxerOverflows prometheus.Counter
	consumerDrops  *prometheus.CounterVec
	activeLayers   *prometheus.GaugeVec
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
}

// New creates and registers the playout metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	ticksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playout_ticks_total",
		Help: "Total number of channel ticks executed",
	}, []string{"channel"})
	lateTicksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playout_late_ticks_total",
		Help: "Ticks that finished after their frame deadline",
	}, []string{"channel"})
	layerFaults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playout_layer_faults_total",
		Help: "Source faults recovered by stopping the layer",
	}, []string{"channel"})
	muxerOverflows := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playout_muxer_overflows_total",
		Help: "Content streams torn down by a cadence muxer overflow",
	})
	consumerDrops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playout_consumer_drops_total",
		Help: "Frames dropped by slow output consumers",
	}, []string{"consumer"})
	activeLayers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playout_active_layers",
		Help: "Number of layers in each channel's layer table",
	}, []string{"channel"})
	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playout_http_requests_total",
		Help: "Total number of status API requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playout_http_errors_total",
		Help: "Status API responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		ticksTotal,
		lateTicksTotal,
		layerFaults,
		muxerOverflows,
		consumerDrops,
		activeLayers,
		requestsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:       registry,
		ticksTotal:     ticksTotal,
		lateTicksTotal: lateTicksTotal,
		layerFaults:    layerFaults,
		muxerOverflows: muxerOverflows,
		consumerDrops:  consumerDrops,
		activeLayers:   activeLayers,
		requestsTotal:  requestsTotal,
		errorsTotal:    errorsTotal,
	}
}

func label(channel int) string { return strconv.Itoa(channel) }

// IncTicks counts one tick on channel.
func (m *Metrics) IncTicks(channel int) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(label(channel)).Inc()
}

// IncLateTicks counts one late tick on channel.
func (m *Metrics) IncLateTicks(channel int) {
	if m == nil {
		return
	}
	m.lateTicksTotal.WithLabelValues(label(channel)).Inc()
}

// IncLayerFaults counts one recovered source fault on channel.
func (m *Metrics) IncLayerFaults(channel int) {
	if m == nil {
		return
	}
	m.layerFaults.WithLabelValues(label(channel)).Inc()
}

// IncMuxerOverflows counts one muxer overflow.
func (m *Metrics) IncMuxerOverflows() {
	if m == nil {
		return
	}
	m.muxerOverflows.Inc()
}

// AddConsumerDrops counts n frames dropped by consumer.
func (m *Metrics) AddConsumerDrops(consumer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.consumerDrops.WithLabelValues(consumer).Add(float64(n))
}

// SetActiveLayers sets the layer count gauge for channel.
func (m *Metrics) SetActiveLayers(channel, n int) {
	if m == nil {
		return
	}
	m.activeLayers.WithLabelValues(label(channel)).Set(float64(n))
}

// IncRequests increments the API request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the API error counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// Registry returns the private registry, for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
