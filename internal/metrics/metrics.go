// Package metrics records request processing in Prometheus.
//
// A [Recorder] implements bridge.Observer. Each recorder owns its registry
// so that several processors, or tests, do not collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-wsbridge/pkg/bridge"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
)

const namespace = "wsbridge"

// Recorder counts attempts, recoveries and outcomes per gateway.
type Recorder struct {
	registry *prometheus.Registry

	attempts   *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ bridge.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder with its own registry, which also carries
// the Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of attempts to send a request to a gateway",
			},
			[]string{"gateway"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Total number of recoveries performed after a failed attempt",
			},
			[]string{"gateway", "action"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of processed requests by outcome",
			},
			[]string{"gateway", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time spent processing a request, including every attempt",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"gateway"},
		),
	}
	r.registry.MustRegister(
		r.attempts, r.recoveries, r.requests, r.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Attempt implements bridge.Observer.
func (r *Recorder) Attempt(gw *gateway.Gateway) {
	r.attempts.WithLabelValues(gw.ID).Inc()
}

// Recovered implements bridge.Observer.
func (r *Recorder) Recovered(gw *gateway.Gateway, action bridge.Recovery) {
	r.recoveries.WithLabelValues(gw.ID, string(action)).Inc()
}

// Finished implements bridge.Observer.
func (r *Recorder) Finished(gw *gateway.Gateway, outcome bridge.Outcome, took time.Duration) {
	r.requests.WithLabelValues(gw.ID, string(outcome)).Inc()
	r.duration.WithLabelValues(gw.ID).Observe(took.Seconds())
}

// Registry returns the registry the recorder's collectors live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the recorder's metrics in the Prometheus exposition
// format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
