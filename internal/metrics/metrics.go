// Package metrics exposes Prometheus collectors for the recipe import service.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	stageDurationSeconds       *prometheus.HistogramVec
	jobOutcomesTotal           *prometheus.CounterVec
	jobsSubmittedTotal         *prometheus.CounterVec
	fetchRateLimitDelays       *prometheus.HistogramVec
	reapedJobsTotal            prometheus.Counter

	once sync.Once
)

// Register adds c to reg. When an identical collector is already registered
// the existing one is returned, so components rebuilt in the same process
// keep reporting into the series they created first.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
		return c, fmt.Errorf("collector registered with a different type: %w", err)
	}
	return c, err
}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recipes_stage_duration_seconds",
				Help:    "Pipeline stage latency, labeled by stage and result.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
			},
			[]string{"stage", "result"},
		)

		jobOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipes_job_outcomes_total",
				Help: "Terminal job outcomes, labeled by status and error code.",
			},
			[]string{"status", "code"},
		)

		jobsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipes_jobs_submitted_total",
				Help: "Job submissions, labeled by source kind and whether they were replays.",
			},
			[]string{"source_kind", "replay"},
		)

		fetchRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recipes_fetch_rate_limit_delay_seconds",
				Help:    "Histogram of per-host fetch pacing delays.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		reapedJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recipes_reaped_jobs_total",
				Help: "Jobs failed by the orphan sweep.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveStage records how long a pipeline stage ran.
func ObserveStage(stage, result string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage, result).Observe(duration.Seconds())
}

// ObserveJobOutcome counts a terminal job transition.
func ObserveJobOutcome(status, code string) {
	Init()
	if code == "" {
		code = "none"
	}
	jobOutcomesTotal.WithLabelValues(status, code).Inc()
}

// ObserveSubmission counts an accepted submission.
func ObserveSubmission(sourceKind string, replay bool) {
	Init()
	jobsSubmittedTotal.WithLabelValues(sourceKind, strconv.FormatBool(replay)).Inc()
}

// ObserveRateLimitDelay records the duration of a fetch pacing wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	fetchRateLimitDelays.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveReaped counts jobs failed by the orphan sweep.
func ObserveReaped(n int) {
	Init()
	reapedJobsTotal.Add(float64(n))
}
