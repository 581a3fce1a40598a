// Package metrics exposes Prometheus metrics for the router processes.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

const namespace = "waggle"

// Recorder exposes Prometheus metrics for message routing.
type Recorder struct {
	messages        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	routes          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	publishRetries  prometheus.Counter
	publishFailures *prometheus.CounterVec
	admittedNodes   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	uplinkPushes    *prometheus.CounterVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Consumed messages grouped by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Time from delivery to acknowledgement decision",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_published_total",
			Help:      "Derived payloads published grouped by destination kind",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unroutable_total",
			Help:      "Envelopes or units dropped as unroutable grouped by mode",
		}, []string{"mode"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Messages rejected as poison grouped by reason",
		}, []string{"reason"}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Publish attempts retried after a failure",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publishes that exhausted their retries grouped by destination kind",
		}, []string{"kind"}),
		admittedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admitted_nodes",
			Help:      "Nodes in the current admission table snapshot",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Ingress HTTP requests grouped by route and status code",
		}, []string{"route", "code"}),
		uplinkPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_pushes_total",
			Help:      "Uplink push calls grouped by direction and result",
		}, []string{"direction", "result"}),
	}

	reg.MustRegister(
		r.messages,
		r.latency,
		r.routes,
		r.dropped,
		r.rejected,
		r.publishRetries,
		r.publishFailures,
		r.admittedNodes,
		r.httpRequests,
		r.uplinkPushes,
	)
	return r
}

// Handler returns the HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveMessage records the final disposition of one consumed message.
func (r *Recorder) ObserveMessage(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(outcome).Inc()
	r.latency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RoutePublished records one derived payload accepted by the transport.
func (r *Recorder) RoutePublished(destination string) {
	if r == nil {
		return
	}
	r.routes.WithLabelValues(routing.Kind(destination)).Inc()
}

// UnitDropped records one unroutable envelope or unit.
func (r *Recorder) UnitDropped(mode string) {
	if r == nil {
		return
	}
	r.dropped.WithLabelValues(mode).Inc()
}

// Rejected records one poison message.
func (r *Recorder) Rejected(reason string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(reason).Inc()
}

// PublishRetried records one retried publish attempt.
func (r *Recorder) PublishRetried() {
	if r == nil {
		return
	}
	r.publishRetries.Inc()
}

// PublishFailed records a publish that exhausted its retries.
func (r *Recorder) PublishFailed(destination string) {
	if r == nil {
		return
	}
	r.publishFailures.WithLabelValues(routing.Kind(destination)).Inc()
}

// SetAdmittedNodes records the size of the admission table.
func (r *Recorder) SetAdmittedNodes(n int) {
	if r == nil {
		return
	}
	r.admittedNodes.Set(float64(n))
}

// HTTPRequest records one ingress request.
func (r *Recorder) HTTPRequest(route string, code int) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// UplinkPush records one uplink push; direction is "sent" or "received".
func (r *Recorder) UplinkPush(direction, result string) {
	if r == nil {
		return
	}
	r.uplinkPushes.WithLabelValues(direction, result).Inc()
}
