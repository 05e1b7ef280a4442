package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/recipe-importer/internal/metrics"
	"github.com/JakeFAU/recipe-importer/internal/progress"
)

// PrometheusSink exports job lifecycle metrics.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	jobProgress  prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recipes_jobs_started_total",
			Help: "Total jobs whose runner started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipes_jobs_finished_total",
			Help: "Total jobs finished partitioned by terminal status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recipes_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recipes_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		jobProgress: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recipes_job_progress_percent",
			Help:    "Distribution of reported progress values.",
			Buckets: []float64{10, 20, 50, 90, 92, 95, 100},
		}),
		tracker: newJobTracker(),
	}
	var err error
	if s.jobsStarted, err = metrics.Register(reg, s.jobsStarted); err != nil {
		return nil, fmt.Errorf("register progress collector: %w", err)
	}
	if s.jobsFinished, err = metrics.Register(reg, s.jobsFinished); err != nil {
		return nil, fmt.Errorf("register progress collector: %w", err)
	}
	if s.jobsRunning, err = metrics.Register(reg, s.jobsRunning); err != nil {
		return nil, fmt.Errorf("register progress collector: %w", err)
	}
	if s.jobRuntime, err = metrics.Register(reg, s.jobRuntime); err != nil {
		return nil, fmt.Errorf("register progress collector: %w", err)
	}
	if s.jobProgress, err = metrics.Register(reg, s.jobProgress); err != nil {
		return nil, fmt.Errorf("register progress collector: %w", err)
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Stage == progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case evt.Stage == progress.StageJobProgress:
		s.jobProgress.Observe(float64(evt.Percent))
	case evt.Terminal():
		label := string(evt.Status)
		s.jobsFinished.WithLabelValues(label).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
