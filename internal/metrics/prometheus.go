package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "masterbuild"

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	reg            *prom.Registry
	scheduled      *prom.CounterVec
	scheduleFailed *prom.CounterVec
	discovered     *prom.CounterVec
	retried        *prom.CounterVec
	exhausted      *prom.CounterVec
	pollPasses     prom.Counter
	outcomes       *prom.CounterVec
	duration       prom.Histogram
	active         prom.Gauge
}

// NewPrometheusRecorder registers the collectors on reg, or on a fresh registry
// when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	counter := func(name, help string, labels ...string) *prom.CounterVec {
		return prom.NewCounterVec(prom.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	pr := &PrometheusRecorder{
		reg:            reg,
		scheduled:      counter("sub_builds_scheduled_total", "Sub-builds scheduled on the host", "project"),
		scheduleFailed: counter("sub_builds_schedule_failed_total", "Sub-builds the host refused to schedule", "project"),
		discovered:     counter("sub_builds_discovered_total", "Sub-build executions correlated to their cause", "project"),
		retried:        counter("sub_builds_retried_total", "Sub-build retries", "project"),
		exhausted:      counter("sub_builds_retry_exhausted_total", "Sub-projects that failed with no retries left", "project"),
		pollPasses: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace, Name: "watcher_poll_passes_total", Help: "Watcher polling passes",
		}),
		outcomes: counter("master_build_outcomes_total", "Completed master builds by result", "result"),
		duration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "master_build_duration_seconds",
			Help:      "Master build wall time",
			Buckets:   prom.ExponentialBuckets(10, 2, 12),
		}),
		active: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace, Name: "master_builds_active", Help: "Master builds currently running",
		}),
	}
	reg.MustRegister(pr.scheduled, pr.scheduleFailed, pr.discovered, pr.retried, pr.exhausted,
		pr.pollPasses, pr.outcomes, pr.duration, pr.active)
	return pr
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) IncScheduled(project string) {
	p.scheduled.WithLabelValues(project).Inc()
}

func (p *PrometheusRecorder) IncScheduleFailed(project string) {
	p.scheduleFailed.WithLabelValues(project).Inc()
}

func (p *PrometheusRecorder) IncDiscovered(project string) {
	p.discovered.WithLabelValues(project).Inc()
}

func (p *PrometheusRecorder) IncRetried(project string) {
	p.retried.WithLabelValues(project).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(project string) {
	p.exhausted.WithLabelValues(project).Inc()
}

func (p *PrometheusRecorder) IncPollPass() {
	p.pollPasses.Inc()
}

func (p *PrometheusRecorder) IncMasterBuildOutcome(result string) {
	p.outcomes.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) ObserveMasterBuildDuration(d time.Duration) {
	p.duration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetActiveMasterBuilds(n int) {
	p.active.Set(float64(n))
}
