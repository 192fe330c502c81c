package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitegraph/crawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics. It owns all collectors for
// jobs started/finished/running and per-host page counters.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec

	pagesProcessed *prometheus.CounterVec
	pagesFailed    *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitegraph_jobs_started_total",
			Help: "Total crawl jobs that have started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegraph_jobs_finished_total",
			Help: "Total crawl jobs finished partitioned by terminal status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitegraph_jobs_running",
			Help: "Current number of running crawl jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitegraph_job_runtime_seconds",
			Help:    "Wall time per finished crawl job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		pagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegraph_pages_processed_total",
			Help: "Pages processed partitioned by host and status class.",
		}, []string{"host", "status_class"}),
		pagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegraph_pages_failed_total",
			Help: "Non-fatal page failures partitioned by host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitegraph_fetch_duration_seconds",
			Help:    "Page fetch duration partitioned by host and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"host", "status_class"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.pagesProcessed,
		s.pagesFailed,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobFinished:
			s.jobsFinished.WithLabelValues(string(evt.Result)).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(string(evt.Result)).Observe(evt.Dur.Seconds())
			}
			if s.tracker.finish(evt.JobID) {
				s.jobsRunning.Dec()
			}
		case progress.StagePageProcessed:
			host, class := hostAndClass(evt)
			s.pagesProcessed.WithLabelValues(host, class).Inc()
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(host, class).Observe(evt.Dur.Seconds())
			}
		case progress.StagePageFailed:
			host, _ := hostAndClass(evt)
			s.pagesFailed.WithLabelValues(host).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func hostAndClass(evt progress.Event) (string, string) {
	host := evt.Host
	if host == "" {
		host = "unknown"
	}
	class := string(evt.StatusClass)
	if class == "" {
		class = string(progress.StatusOther)
	}
	return host, class
}

// jobTracker dedupes running-gauge updates so a repeated start or finish
// event cannot skew the gauge.
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

func (t *jobTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
