package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seoharvest/webminer/internal/events"
)

// PrometheusSink exports pipeline metrics. It owns all collectors for mining
// targets, jobs, optimizer passes and crawled pages.
type PrometheusSink struct {
	miningCompleted *prometheus.CounterVec
	miningBytes     prometheus.Counter
	jobsCompleted   *prometheus.CounterVec
	jobRuntime      *prometheus.HistogramVec
	optPasses       *prometheus.CounterVec
	optBytes        prometheus.Counter
	pagesCrawled    *prometheus.CounterVec
	crawlDuration   prometheus.Histogram
	nodeErrors      prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		miningCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webminer_targets_total",
			Help: "Mining targets finished, partitioned by result.",
		}, []string{"result"}),
		miningBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webminer_space_saved_bytes_total",
			Help: "Total space reclaimed by mining completions.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webminer_jobs_total",
			Help: "Mining jobs finished, partitioned by result.",
		}, []string{"result"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webminer_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"result"}),
		optPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webminer_optimizer_passes_total",
			Help: "Optimizer passes, partitioned by result.",
		}, []string{"result"}),
		optBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webminer_optimizer_reclaimed_bytes_total",
			Help: "Bytes reclaimed by optimizer passes.",
		}),
		pagesCrawled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webminer_pages_crawled_total",
			Help: "Pages processed by the crawler, partitioned by site.",
		}, []string{"site"}),
		crawlDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webminer_crawl_page_seconds",
			Help:    "Per-page crawl duration.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		nodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webminer_node_errors_total",
			Help: "Storage nodes marked error by the health check.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.miningCompleted,
		s.miningBytes,
		s.jobsCompleted,
		s.jobRuntime,
		s.optPasses,
		s.optBytes,
		s.pagesCrawled,
		s.crawlDuration,
		s.nodeErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register pipeline collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the provided batch. It is safe for
// concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Type {
	case events.TypeMiningCompleted:
		s.miningCompleted.WithLabelValues("completed").Inc()
		if evt.Bytes > 0 {
			s.miningBytes.Add(float64(evt.Bytes))
		}
	case events.TypeMiningFailed:
		s.miningCompleted.WithLabelValues("failed").Inc()
	case events.TypeJobCompleted:
		s.jobsCompleted.WithLabelValues("completed").Inc()
		s.jobRuntime.WithLabelValues("completed").Observe(evt.Dur.Seconds())
	case events.TypeJobFailed:
		s.jobsCompleted.WithLabelValues("failed").Inc()
		s.jobRuntime.WithLabelValues("failed").Observe(evt.Dur.Seconds())
	case events.TypeOptCompleted:
		s.optPasses.WithLabelValues("completed").Inc()
		if evt.Bytes > 0 {
			s.optBytes.Add(float64(evt.Bytes))
		}
	case events.TypeOptFailed:
		s.optPasses.WithLabelValues("failed").Inc()
	case events.TypeCrawlPage:
		s.pagesCrawled.WithLabelValues(siteLabel(evt.Site)).Inc()
		s.crawlDuration.Observe(evt.Dur.Seconds())
	case events.TypeNodeError:
		s.nodeErrors.Inc()
	}
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}
