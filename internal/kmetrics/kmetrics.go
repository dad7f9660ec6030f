// Package kmetrics wires the kernel's scheduling and I/O counters into
// Prometheus, grounded on the promauto.With(registerer).NewCounter/
// NewGauge pattern used throughout
// cmd/repo-updater/repos/sync_worker.go (newResetterMetrics) and
// internal/goroutine/periodic.go.
package kmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of counters and gauges the kernel exposes.
// Components that take a *Metrics (scheduler.New, threadsync.NewLock,
// syscalls.NewGateway) accept nil and then skip metrics collection.
type Metrics struct {
	ContextSwitches prometheus.Counter
	Donations       prometheus.Counter
	SyscallsTotal   *prometheus.CounterVec
	ReadyQueueDepth *prometheus.GaugeVec
	LoadAvg         prometheus.Gauge
}

// New registers and returns the kernel's metrics against r. r may be
// nil, in which case promauto.With(nil) still returns working
// no-op-registration collectors (see promauto.With's contract).
func New(r prometheus.Registerer) *Metrics {
	factory := promauto.With(r)

	return &Metrics{
		ContextSwitches: factory.NewCounter(prometheus.CounterOpts{
			Name: "pintos_context_switches_total",
			Help: "Total number of scheduler context switches.",
		}),
		Donations: factory.NewCounter(prometheus.CounterOpts{
			Name: "pintos_donations_total",
			Help: "Total number of priority donations performed.",
		}),
		SyscallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pintos_syscalls_total",
			Help: "Total number of syscalls dispatched, by name.",
		}, []string{"syscall"}),
		ReadyQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pintos_ready_queue_depth",
			Help: "Number of threads ready to run, by priority band.",
		}, []string{"priority"}),
		LoadAvg: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pintos_load_avg",
			Help: "System load average, scaled by 100.",
		}),
	}
}
