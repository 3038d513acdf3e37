// Package metrics exposes Prometheus instrumentation for rule reconciliation.
// Metrics are registered on the default registry; embedding agents decide
// whether and where to serve them.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all reconciliation metrics.
type Registry struct {
	// Gateway calls
	SaveCalls    *prometheus.CounterVec
	RestoreCalls *prometheus.CounterVec
	RestoreLines *prometheus.CounterVec

	// Apply outcomes
	ApplyTotal          *prometheus.CounterVec
	ApplyDuration       prometheus.Histogram
	ApplyFailures       *prometheus.CounterVec
	ConvergenceFailures prometheus.Counter
	DeferredSkips       prometheus.Counter

	// Desired-state hygiene
	DuplicateLines prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SaveCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_save_calls_total",
		Help: "Total iptables-save invocations",
	}, []string{"family"})

	r.RestoreCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_restore_calls_total",
		Help: "Total iptables-restore invocations",
	}, []string{"family"})

	r.RestoreLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_restore_lines_total",
		Help: "Total lines fed to iptables-restore",
	}, []string{"family"})

	r.ApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_apply_total",
		Help: "Total apply passes by outcome",
	}, []string{"status"})

	r.ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "floe_apply_duration_seconds",
		Help:    "Wall time of a full apply pass",
		Buckets: prometheus.DefBuckets,
	})

	r.ApplyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floe_apply_failures_total",
		Help: "Total failed gateway calls during apply",
	}, []string{"family", "stage"})

	r.ConvergenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floe_convergence_failures_total",
		Help: "Total verification passes that still produced directives",
	})

	r.DeferredSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floe_deferred_skips_total",
		Help: "Total apply calls skipped while deferral was active",
	})

	r.DuplicateLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floe_duplicate_lines_total",
		Help: "Total duplicate desired-state lines suppressed",
	})

	return r
}

// RecordSave records an iptables-save invocation.
func (r *Registry) RecordSave(family string) {
	r.SaveCalls.WithLabelValues(family).Inc()
}

// RecordRestore records an iptables-restore invocation and its payload size.
func (r *Registry) RecordRestore(family string, lines int, err error) {
	r.RestoreCalls.WithLabelValues(family).Inc()
	r.RestoreLines.WithLabelValues(family).Add(float64(lines))
	if err != nil {
		r.ApplyFailures.WithLabelValues(family, "restore").Inc()
	}
}

// RecordSaveFailure records a failed iptables-save invocation.
func (r *Registry) RecordSaveFailure(family string) {
	r.ApplyFailures.WithLabelValues(family, "save").Inc()
}

// RecordApply records the outcome and duration of an apply pass.
func (r *Registry) RecordApply(status string, seconds float64) {
	r.ApplyTotal.WithLabelValues(status).Inc()
	r.ApplyDuration.Observe(seconds)
}

// RecordConvergenceFailure records a verification pass that found drift.
func (r *Registry) RecordConvergenceFailure() {
	r.ConvergenceFailures.Inc()
}

// RecordDeferredSkip records an apply call suppressed by deferral.
func (r *Registry) RecordDeferredSkip() {
	r.DeferredSkips.Inc()
}

// RecordDuplicate records a duplicate desired-state line.
func (r *Registry) RecordDuplicate() {
	r.DuplicateLines.Inc()
}
