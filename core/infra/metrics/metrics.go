package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the ingest pipeline stages.
type Metrics interface {
	IncUploads(route string)
	IncArchiveEntries(result string)
	IncParseOutcomes(format, result string)
	IncFetches(result string)
	AddFetchedBytes(n int64)
	IncSignals(signal string)
}

// GatewayMetrics captures request metrics for the ingest gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncUploads(string)               {}
func (Noop) IncArchiveEntries(string)        {}
func (Noop) IncParseOutcomes(string, string) {}
func (Noop) IncFetches(string)               {}
func (Noop) AddFetchedBytes(int64)           {}
func (Noop) IncSignals(string)               {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	uploads        *prometheus.CounterVec
	archiveEntries *prometheus.CounterVec
	parseOutcomes  *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	fetchedBytes   prometheus.Counter
	signals        *prometheus.CounterVec
	once           sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads admitted by pipeline route",
		}, []string{"route"}),
		archiveEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_entries_total",
			Help:      "Archive entries by extraction result",
		}, []string{"result"}),
		parseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_parse_total",
			Help:      "Sandboxed parses by format and result",
		}, []string{"format", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_fetches_total",
			Help:      "Remote image fetches by result",
		}, []string{"result"}),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_fetched_bytes_total",
			Help:      "Bytes written by successful remote fetches",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_signals_total",
			Help:      "Security signals emitted by name",
		}, []string{"signal"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.uploads, p.archiveEntries, p.parseOutcomes, p.fetches, p.fetchedBytes, p.signals)
	})
}

func (p *Prom) IncUploads(route string) {
	p.uploads.WithLabelValues(route).Inc()
}

func (p *Prom) IncArchiveEntries(result string) {
	p.archiveEntries.WithLabelValues(result).Inc()
}

func (p *Prom) IncParseOutcomes(format, result string) {
	p.parseOutcomes.WithLabelValues(format, result).Inc()
}

func (p *Prom) IncFetches(result string) {
	p.fetches.WithLabelValues(result).Inc()
}

func (p *Prom) AddFetchedBytes(n int64) {
	if n > 0 {
		p.fetchedBytes.Add(float64(n))
	}
}

func (p *Prom) IncSignals(signal string) {
	p.signals.WithLabelValues(signal).Inc()
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
