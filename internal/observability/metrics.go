package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	gradingRequestsTotal  *prometheus.CounterVec
	gradingLatencySeconds *prometheus.HistogramVec
	gradingErrorsTotal    *prometheus.CounterVec
	transitionsTotal      *prometheus.CounterVec
	batchGroupsTotal      *prometheus.CounterVec
	lockWaitSeconds       prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the grading API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		gradingRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_requests_total",
			Help: "Total number of grading API requests served.",
		}, []string{"method", "route", "status"})

		gradingLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_latency_seconds",
			Help:    "Latency distribution for grading API requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"})

		gradingErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_errors_total",
			Help: "Total number of error responses returned by grading endpoints.",
		}, []string{"method", "route", "status"})

		transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_transitions_total",
			Help: "Number of persisted submission status transitions.",
		}, []string{"status"})

		batchGroupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_batch_groups_total",
			Help: "Number of question groups processed by batch grading.",
		}, []string{"mode", "outcome"})

		lockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grading_lock_wait_seconds",
			Help:    "Time spent waiting for a per-submission lock.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		})

		prometheus.MustRegister(
			gradingRequestsTotal,
			gradingLatencySeconds,
			gradingErrorsTotal,
			transitionsTotal,
			batchGroupsTotal,
			lockWaitSeconds,
		)
	})
}

// GradingRequests exposes the counter for grading requests.
func GradingRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingRequestsTotal
}

// GradingLatency exposes the latency histogram for grading requests.
func GradingLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingLatencySeconds
}

// GradingErrors exposes the counter for grading error responses.
func GradingErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingErrorsTotal
}

// SubmissionTransitions counts persisted status changes by target status.
func SubmissionTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return transitionsTotal
}

// BatchGroups counts batch question groups by scoring mode and outcome.
func BatchGroups() *prometheus.CounterVec {
	RegisterMetrics()
	return batchGroupsTotal
}

// LockWait observes how long callers waited for a submission lock.
func LockWait() prometheus.Histogram {
	RegisterMetrics()
	return lockWaitSeconds
}
