package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SchedulerJobReasonDeadlineExceeded = "deadline_exceeded"
	SchedulerJobReasonRateLimited      = "rate_limited"
	SchedulerJobReasonForbidden        = "forbidden"
	SchedulerJobReasonNotFound         = "not_found"
	SchedulerJobReasonTransport        = "transport"
	SchedulerJobReasonUnknown          = "unknown"

	SchedulerBatchDeferredReasonInProgress = "in_progress"
	SchedulerBatchDeferredReasonLeaseHeld  = "lease_held"
)

// Sweep outcomes per member.
const (
	SweepActionOnboarded    = "onboarded"
	SweepActionReprompted   = "reprompted"
	SweepActionPromptNoDM   = "prompt_no_dm"
	SweepActionInconsistent = "inconsistent"
)

const (
	IngressOutcomeHandled = "handled"
	IngressOutcomeIgnored = "ignored"
	IngressOutcomeFailed  = "failed"
)

// SchedulerMetrics captures sweep and event ingress health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	runLoopLag     prometheus.Observer
	sweepActions   *prometheus.CounterVec
	ingressEvents  *prometheus.CounterVec
	ingressDropped *prometheus.CounterVec
	actionCounts   map[string]prometheus.Counter
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "gatekeeper"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "gatekeeper_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs that ran past their deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_scheduler_batch_processed_total",
		Help:        "Items visited by scheduler jobs.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_scheduler_batch_deferred_total",
		Help:        "Scheduler runs skipped by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "gatekeeper_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	sweepActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_sweep_actions_total",
		Help:        "Corrective actions taken by the reconciliation sweep.",
		ConstLabels: constLabels,
	}, []string{"action"})
	ingressEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_ingress_events_total",
		Help:        "Gateway events processed by type and outcome.",
		ConstLabels: constLabels,
	}, []string{"type", "outcome"})
	ingressDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "gatekeeper_ingress_dropped_total",
		Help:        "Gateway events dropped because the queue was full.",
		ConstLabels: constLabels,
	}, []string{"type"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		sweepActions,
		ingressEvents,
		ingressDropped,
	)

	actionCounts := map[string]prometheus.Counter{}
	for _, action := range []string{
		SweepActionOnboarded,
		SweepActionReprompted,
		SweepActionPromptNoDM,
		SweepActionInconsistent,
	} {
		actionCounts[action] = sweepActions.WithLabelValues(action)
	}

	return &SchedulerMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobTimeouts:    jobTimeouts,
		jobErrors:      jobErrors,
		batchProcessed: batchProcessed,
		batchDeferred:  batchDeferred,
		runLoopLag:     runLoopLag,
		sweepActions:   sweepActions,
		ingressEvents:  ingressEvents,
		ingressDropped: ingressDropped,
		actionCounts:   actionCounts,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncSweepAction counts one corrective action of the sweep.
func (m *SchedulerMetrics) IncSweepAction(action string) {
	if m == nil {
		return
	}
	if counter, ok := m.actionCounts[action]; ok {
		counter.Inc()
		return
	}
	m.sweepActions.WithLabelValues(action).Inc()
}

// IncIngressEvent counts a processed gateway event.
func (m *SchedulerMetrics) IncIngressEvent(eventType, outcome string) {
	if m == nil || m.ingressEvents == nil {
		return
	}
	m.ingressEvents.WithLabelValues(eventType, outcome).Inc()
}

// IncIngressDropped counts a gateway event lost to a full queue.
func (m *SchedulerMetrics) IncIngressDropped(eventType string) {
	if m == nil || m.ingressDropped == nil {
		return
	}
	m.ingressDropped.WithLabelValues(eventType).Inc()
}

// reasoner is implemented by errors that know their own metric reason, such
// as transport errors.
type reasoner interface {
	MetricReason() string
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	var r reasoner
	if errors.As(err, &r) {
		switch reason := r.MetricReason(); reason {
		case SchedulerJobReasonRateLimited,
			SchedulerJobReasonForbidden,
			SchedulerJobReasonNotFound,
			SchedulerJobReasonTransport:
			return reason
		}
	}
	return SchedulerJobReasonUnknown
}
