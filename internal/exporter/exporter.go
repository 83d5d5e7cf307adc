// Package exporter exposes request telemetry as Prometheus metrics.
package exporter

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Howardzhangdqs/livetoken/internal/monitor"
)

const namespace = "livetoken"

// Exporter turns finished-request events into counters and histograms.
type Exporter struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	ttft     *prometheus.HistogramVec
	duration *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

// New registers the collectors on a private registry. active and observers back gauges
// read at scrape time; either may be nil.
func New(active, observers func() int) *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	e := &Exporter{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished relayed requests by API type and outcome.",
		}, []string{"api_type", "outcome"}),
		ttft: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request start to the first generated text.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"api_type"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time of relayed requests.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"api_type", "outcome"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Input and output tokens, exact or estimated.",
		}, []string{"api_type", "direction"}),
	}

	if active != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests currently in flight.",
		}, func() float64 { return float64(active()) })
	}
	if observers != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_observers",
			Help:      "Connected telemetry observers.",
		}, func() float64 { return float64(observers()) })
	}
	return e
}

// Observe is a hub listener. Only terminal events are counted.
func (e *Exporter) Observe(ev monitor.Event) {
	var outcome string
	switch ev.Type {
	case monitor.EventComplete:
		outcome = "complete"
	case monitor.EventError:
		outcome = "error"
	default:
		return
	}
	api := string(ev.APIType)

	e.requests.WithLabelValues(api, outcome).Inc()
	e.duration.WithLabelValues(api, outcome).Observe(ev.Duration)
	if ev.TTFT != nil {
		e.ttft.WithLabelValues(api).Observe(*ev.TTFT)
	}
	e.tokens.WithLabelValues(api, "input").Add(float64(ev.InputTokens))
	e.tokens.WithLabelValues(api, "output").Add(float64(ev.Tokens))
}

// Registry returns the registry backing Handler.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the metrics in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}
