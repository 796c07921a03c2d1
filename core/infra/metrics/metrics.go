package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the admission pipeline.
type Metrics interface {
	IncAdmission(outcome, jobType string)
	IncRejected(kind string)
	IncCancelled(jobType string)
	IncIllegalAccess(reason string)
	IncAuditDropped()
	IncEngineUpdate(status string)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncAdmission(string, string) {}
func (Noop) IncRejected(string)          {}
func (Noop) IncCancelled(string)         {}
func (Noop) IncIllegalAccess(string)     {}
func (Noop) IncAuditDropped()            {}
func (Noop) IncEngineUpdate(string)      {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	admissions    *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	illegalAccess *prometheus.CounterVec
	auditDropped  prometheus.Counter
	engineUpdates *prometheus.CounterVec
	once          sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Job submissions by outcome (admitted, cached, waiting) and job type",
		}, []string{"outcome", "type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Job submissions rejected by error kind",
		}, []string{"kind"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Jobs cancelled by job type",
		}, []string{"type"}),
		illegalAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "illegal_access_total",
			Help:      "Illegal access attempts by reason",
		}, []string{"reason"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Access log entries dropped because the recorder queue was full",
		}),
		engineUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_status_updates_total",
			Help:      "Status updates applied from the execution engine by status",
		}, []string{"status"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.admissions, p.rejections, p.cancellations, p.illegalAccess, p.auditDropped, p.engineUpdates)
	})
}

func (p *Prom) IncAdmission(outcome, jobType string) {
	p.admissions.WithLabelValues(outcome, jobType).Inc()
}

func (p *Prom) IncRejected(kind string) {
	p.rejections.WithLabelValues(kind).Inc()
}

func (p *Prom) IncCancelled(jobType string) {
	p.cancellations.WithLabelValues(jobType).Inc()
}

func (p *Prom) IncIllegalAccess(reason string) {
	p.illegalAccess.WithLabelValues(reason).Inc()
}

func (p *Prom) IncAuditDropped() {
	p.auditDropped.Inc()
}

func (p *Prom) IncEngineUpdate(status string) {
	p.engineUpdates.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
