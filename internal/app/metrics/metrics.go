// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sealed_oracle",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sealed_oracle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sealed_oracle",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sealed_oracle",
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Total number of session status transitions.",
		},
		[]string{"status"},
	)

	promptExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sealed_oracle",
			Subsystem: "prompts",
			Name:      "executions_total",
			Help:      "Total number of prompt executions by outcome.",
		},
		[]string{"provider", "status"},
	)

	taskPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sealed_oracle",
			Subsystem: "tasks",
			Name:      "phase_duration_seconds",
			Help:      "Duration of TEE task phases from dispatch to settled record.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
		[]string{"phase"},
	)

	promptTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sealed_oracle",
			Subsystem: "prompts",
			Name:      "tokens_total",
			Help:      "Total provider tokens consumed by completed prompts.",
		},
		[]string{"provider", "kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		sessionTransitions,
		promptExecutions,
		taskPhaseDuration,
		promptTokens,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSessionTransition counts a session entering status.
func RecordSessionTransition(status string) {
	sessionTransitions.WithLabelValues(status).Inc()
}

// RecordPromptExecution records a settled prompt execution.
func RecordPromptExecution(provider, status string, duration time.Duration) {
	if provider == "" {
		provider = "unknown"
	}
	promptExecutions.WithLabelValues(provider, status).Inc()
	if duration > 0 {
		taskPhaseDuration.WithLabelValues("oracle").Observe(duration.Seconds())
	}
}

// RecordKeyGeneration records a settled key generation phase.
func RecordKeyGeneration(duration time.Duration) {
	if duration > 0 {
		taskPhaseDuration.WithLabelValues("keygen").Observe(duration.Seconds())
	}
}

// RecordTokenUsage counts provider tokens from a completed prompt.
func RecordTokenUsage(provider string, promptCount, completionCount int) {
	if provider == "" {
		provider = "unknown"
	}
	promptTokens.WithLabelValues(provider, "prompt").Add(float64(promptCount))
	promptTokens.WithLabelValues(provider, "completion").Add(float64(completionCount))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses resource ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "sessions":
		switch len(parts) {
		case 1:
			return "/sessions"
		case 2:
			return "/sessions/:id"
		default:
			return "/sessions/:id/" + parts[2]
		}
	case "prompts":
		if len(parts) == 1 {
			return "/prompts"
		}
		if len(parts) == 2 {
			return "/prompts/:id"
		}
		return "/prompts/:id/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
