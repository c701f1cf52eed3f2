// Package metrics exposes Prometheus collectors for the chat engine, the
// channel bridge and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "havenchat"

// Collector owns a private registry so tests and multiple servers never
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	MessagesTotal       *prometheus.CounterVec
	CrisisTotal         *prometheus.CounterVec
	GenerationDuration  *prometheus.HistogramVec
	SuggestionsTotal    *prometheus.CounterVec
	ChannelMessages     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Option configures a Collector.
type Option func(*opts)

type opts struct {
	namespace      string
	processMetrics bool
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(o *opts) { o.namespace = ns }
}

// WithProcessMetrics adds the Go runtime and process collectors.
func WithProcessMetrics() Option {
	return func(o *opts) { o.processMetrics = true }
}

// NewCollector creates and registers all collectors.
func NewCollector(options ...Option) *Collector {
	o := opts{namespace: DefaultNamespace}
	for _, opt := range options {
		opt(&o)
	}
	reg := prometheus.NewRegistry()
	ns := o.namespace

	c := &Collector{
		registry: reg,
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_processed_total",
			Help:      "User messages processed, by resulting stage and emotion.",
		}, []string{"stage", "emotion"}),
		CrisisTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "crisis_detections_total",
			Help:      "Crisis assessments above none, by category and severity.",
		}, []string{"category", "severity"}),
		GenerationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "reply_generation_seconds",
			Help:      "Time spent producing a reply, by source (crisis, model, fallback).",
			Buckets:   []float64{.005, .05, .25, 1, 2.5, 5, 10, 20, 45},
		}, []string{"source"}),
		SuggestionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "resource_suggestions_total",
			Help:      "Resource suggestions attached to replies.",
		}, []string{"category", "reason"}),
		ChannelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "channel_messages_total",
			Help:      "Messages moved through the messaging bridge.",
		}, []string{"backend", "direction", "outcome"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.MessagesTotal,
		c.CrisisTotal,
		c.GenerationDuration,
		c.SuggestionsTotal,
		c.ChannelMessages,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)
	if o.processMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the exposition format for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveMessage counts one processed user message.
func (c *Collector) ObserveMessage(stage, emotion string) {
	c.MessagesTotal.WithLabelValues(stage, emotion).Inc()
}

// ObserveCrisis counts one crisis detection.
func (c *Collector) ObserveCrisis(category, severity string) {
	c.CrisisTotal.WithLabelValues(category, severity).Inc()
}

// ObserveGeneration records how long a reply took to produce.
func (c *Collector) ObserveGeneration(source string, d time.Duration) {
	c.GenerationDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveSuggestion counts one resource suggestion.
func (c *Collector) ObserveSuggestion(category, reason string) {
	c.SuggestionsTotal.WithLabelValues(category, reason).Inc()
}

// ObserveChannelMessage counts one inbound or outbound channel message.
func (c *Collector) ObserveChannelMessage(backend, direction, outcome string) {
	c.ChannelMessages.WithLabelValues(backend, direction, outcome).Inc()
}

// RecordHTTPRequest records one served request. route should be the mux
// pattern, not the raw path, to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, d time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
