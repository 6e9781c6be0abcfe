// Package metrics exposes Prometheus collectors for the automation service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	applicationsTotal        *prometheus.CounterVec
	applicationDurationSecs  *prometheus.HistogramVec
	captchaEncountersTotal   *prometheus.CounterVec
	rateLimitRejectionsTotal prometheus.Counter
	queuePollFailuresTotal   prometheus.Counter
	queueClaimsTotal         *prometheus.CounterVec
	activeJobs               prometheus.Gauge
	poolWorkers              *prometheus.GaugeVec
	stepRetriesTotal         *prometheus.CounterVec

	once sync.Once
)

// Init registers the Prometheus collectors. Every recording helper calls
// it first, so callers only need Init when they want registration to
// happen eagerly at startup. Safe to call multiple times.
func Init() {
	once.Do(func() {
		applicationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "applyd_applications_total",
				Help: "Total number of job applications processed, labeled by company type and outcome.",
			},
			[]string{"company", "outcome"},
		)

		applicationDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "applyd_application_duration_seconds",
				Help:    "Histogram of end-to-end application processing latencies.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"company"},
		)

		captchaEncountersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "applyd_captcha_encounters_total",
				Help: "Total captcha challenges observed in worker output, labeled by type.",
			},
			[]string{"type"},
		)

		rateLimitRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "applyd_rate_limit_rejections_total",
				Help: "Total job admissions rejected by the rate limiter.",
			},
		)

		queuePollFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "applyd_queue_poll_failures_total",
				Help: "Total failed polls against the remote queue.",
			},
		)

		queueClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "applyd_queue_claims_total",
				Help: "Total claim attempts, labeled by result.",
			},
			[]string{"result"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "applyd_active_jobs",
				Help: "Number of jobs currently being processed.",
			},
		)

		poolWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "applyd_pool_workers",
				Help: "Number of pooled worker processes, labeled by state.",
			},
			[]string{"state"},
		)

		stepRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "applyd_step_retries_total",
				Help: "Total pipeline step retries, labeled by step.",
			},
			[]string{"step"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveApplication records a finished application run.
func ObserveApplication(company string, success bool, d time.Duration) {
	Init()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	applicationsTotal.WithLabelValues(company, outcome).Inc()
	applicationDurationSecs.WithLabelValues(company).Observe(d.Seconds())
}

// ObserveCaptcha increments the captcha counter for the given type.
func ObserveCaptcha(captchaType string) {
	Init()
	captchaEncountersTotal.WithLabelValues(captchaType).Inc()
}

// ObserveRateLimitRejection counts a rejected admission.
func ObserveRateLimitRejection() {
	Init()
	rateLimitRejectionsTotal.Inc()
}

// ObservePollFailure counts a failed queue poll.
func ObservePollFailure() {
	Init()
	queuePollFailuresTotal.Inc()
}

// ObserveClaim counts a claim attempt result ("won", "lost", "error").
func ObserveClaim(result string) {
	Init()
	queueClaimsTotal.WithLabelValues(result).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// SetPoolWorkers records the pool census for one worker state.
func SetPoolWorkers(state string, n int) {
	Init()
	poolWorkers.WithLabelValues(state).Set(float64(n))
}

// ObserveStepRetry counts a retried pipeline step.
func ObserveStepRetry(step string) {
	Init()
	stepRetriesTotal.WithLabelValues(step).Inc()
}
