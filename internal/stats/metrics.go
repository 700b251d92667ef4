package stats

import "github.com/prometheus/client_golang/prometheus"

// prometheusMetrics mirrors the counters tracked in-process as real
// Prometheus collectors, replacing the teacher's hand-rolled text
// exposition with the ecosystem client so Statistics is scrapeable by
// any standard Prometheus setup.
type prometheusMetrics struct {
	requestsFinished prometheus.Counter
	requestsFailed   prometheus.Counter
	requestsRetried  prometheus.Counter
	jobDuration      prometheus.Histogram
}

func newPrometheusMetrics(reg prometheus.Registerer, runID string) *prometheusMetrics {
	labels := prometheus.Labels{"run_id": runID}
	m := &prometheusMetrics{
		requestsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "crawlforge",
			Name:        "requests_finished_total",
			Help:        "Total requests that completed successfully.",
			ConstLabels: labels,
		}),
		requestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "crawlforge",
			Name:        "requests_failed_total",
			Help:        "Total requests that failed after exhausting retries.",
			ConstLabels: labels,
		}),
		requestsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "crawlforge",
			Name:        "requests_retried_total",
			Help:        "Total non-final request failures that were reclaimed for retry.",
			ConstLabels: labels,
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "crawlforge",
			Name:        "job_duration_seconds",
			Help:        "Wall-clock duration of successfully finished jobs.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requestsFinished, m.requestsFailed, m.requestsRetried, m.jobDuration)
	return m
}
