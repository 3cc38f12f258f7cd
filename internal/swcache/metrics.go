package swcache

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for worker activity. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	handler http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	cacheWrites   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	messages      *prometheus.CounterVec
	evictions     prometheus.Counter
}

// NewRecorder registers the worker collectors on reg. When reg is nil a
// dedicated registry is created.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	r := &Recorder{
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Intercepted requests by category, strategy and outcome.",
		}, []string{"category", "strategy", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swcache",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Time spent resolving intercepted requests.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"category", "strategy"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Cache writes by generation purpose and result.",
		}, []string{"generation_purpose", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Worker lifecycle transitions by target state.",
		}, []string{"state"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Subsystem: "control",
			Name:      "messages_total",
			Help:      "Control messages received by type.",
		}, []string{"type"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swcache",
			Subsystem: "cache",
			Name:      "evicted_generations_total",
			Help:      "Stale generations deleted during activation.",
		}),
	}

	reg.MustRegister(r.fetchRequests, r.fetchLatency, r.cacheWrites, r.transitions, r.messages, r.evictions)
	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return r
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

func (r *Recorder) ObserveFetch(cat Category, strategy string, outcome Outcome, d time.Duration) {
	if r == nil {
		return
	}
	r.fetchRequests.WithLabelValues(string(cat), strategy, string(outcome)).Inc()
	r.fetchLatency.WithLabelValues(string(cat), strategy).Observe(d.Seconds())
}

func (r *Recorder) ObserveCacheWrite(p Purpose, err error) {
	if r == nil {
		return
	}
	result := "stored"
	switch {
	case err == nil:
	case errors.Is(err, ErrQuotaExceeded):
		result = "quota_exceeded"
	default:
		result = "error"
	}
	r.cacheWrites.WithLabelValues(string(p), result).Inc()
}

func (r *Recorder) ObserveTransition(s State) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(string(s)).Inc()
}

func (r *Recorder) ObserveMessage(t MessageType) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(string(t)).Inc()
}

func (r *Recorder) ObserveEvictions(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.evictions.Add(float64(n))
}
