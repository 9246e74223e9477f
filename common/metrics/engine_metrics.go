package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetricsProvider publishes the execution engine's counters and gauges
// to Prometheus. All methods are safe to call on a nil receiver, so callers
// that run without metrics simply hold a nil provider.
type EngineMetricsProvider struct {
	scheduleIterations   prometheus.Counter
	operationsDispatched prometheus.Counter
	operationsCompleted  prometheus.Counter
	pagingAttempts       prometheus.Counter
	pagingSuccesses      prometheus.Counter
	forceEvictions       prometheus.Counter
	runningTasks         prometheus.Gauge
}

// NewEngineMetricsProvider creates an EngineMetricsProvider and registers
// its collectors with the given registerer. A nil registerer falls back to
// the default prometheus registerer.
func NewEngineMetricsProvider(registerer prometheus.Registerer) (*EngineMetricsProvider, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	provider := &EngineMetricsProvider{
		scheduleIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execution_engine",
			Name:      "schedule_iterations_total",
			Help:      "Number of scheduler loop iterations.",
		}),
		operationsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execution_engine",
			Name:      "operations_dispatched_total",
			Help:      "Number of operations handed to the worker pool.",
		}),
		operationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execution_engine",
			Name:      "operations_completed_total",
			Help:      "Number of operations that ran to completion successfully.",
		}),
		pagingAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execution_engine",
			Name:      "paging_attempts_total",
			Help:      "Number of times the paging coordinator was invoked.",
		}),
		pagingSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execution_engine",
			Name:      "paging_successes_total",
			Help:      "Number of paging attempts that freed memory or evicted a session.",
		}),
		forceEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execution_engine",
			Name:      "force_evictions_total",
			Help:      "Number of sessions forcibly evicted after paging was exhausted.",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execution_engine",
			Name:      "running_tasks",
			Help:      "Number of operations currently executing on the worker pool.",
		}),
	}

	collectors := []prometheus.Collector{
		provider.scheduleIterations,
		provider.operationsDispatched,
		provider.operationsCompleted,
		provider.pagingAttempts,
		provider.pagingSuccesses,
		provider.forceEvictions,
		provider.runningTasks,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return provider, nil
}

func (p *EngineMetricsProvider) ScheduleIteration() {
	if p == nil {
		return
	}
	p.scheduleIterations.Inc()
}

func (p *EngineMetricsProvider) OperationDispatched() {
	if p == nil {
		return
	}
	p.operationsDispatched.Inc()
	p.runningTasks.Inc()
}

func (p *EngineMetricsProvider) OperationStopped(failed bool) {
	if p == nil {
		return
	}
	if !failed {
		p.operationsCompleted.Inc()
	}
	p.runningTasks.Dec()
}

func (p *EngineMetricsProvider) PagingAttempted() {
	if p == nil {
		return
	}
	p.pagingAttempts.Inc()
}

func (p *EngineMetricsProvider) PagingSucceeded() {
	if p == nil {
		return
	}
	p.pagingSuccesses.Inc()
}

func (p *EngineMetricsProvider) SessionForceEvicted() {
	if p == nil {
		return
	}
	p.forceEvictions.Inc()
}
