package taskengine

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds the Prometheus series the engine exports, grounded on
// the teacher's internal/platform/metrics/prometheus.go NewMetrics/Register
// pattern (SPEC_FULL.md §5.4) but scoped to this package's own concerns
// rather than the teacher's HTTP/business metrics.
type engineMetrics struct {
	poolWorkers    *prometheus.GaugeVec
	worklistDepth  *prometheus.GaugeVec
	bindingInFlight *prometheus.GaugeVec
	inactiveDepth  *prometheus.GaugeVec
	workDuration   *prometheus.HistogramVec
	flushDuration  *prometheus.HistogramVec
	maydayTotal    *prometheus.CounterVec
	workerCreated  *prometheus.CounterVec
	workerCulled   *prometheus.CounterVec
}

// newEngineMetrics builds and registers the engine's metric set under
// namespace. Pass a dedicated *prometheus.Registry in tests to avoid
// colliding with process-global registration across Manager instances.
func newEngineMetrics(namespace string, reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		poolWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_workers",
				Help:      "Number of workers in a pool by state",
			},
			[]string{"pool", "state"},
		),
		worklistDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_worklist_depth",
				Help:      "Number of runnable work items queued on a pool",
			},
			[]string{"pool"},
		),
		bindingInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "binding_inflight",
				Help:      "In-flight work items per binding and flush color",
			},
			[]string{"workqueue", "cpu", "color"},
		),
		inactiveDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "binding_inactive_depth",
				Help:      "Work items parked on a binding's inactive list",
			},
			[]string{"workqueue", "cpu"},
		),
		workDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "work_duration_seconds",
				Help:      "Work item execution duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"workqueue"},
		),
		flushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_duration_seconds",
				Help:      "Time spent waiting for a flush to complete",
				Buckets:   []float64{.001, .01, .1, .5, 1, 5, 10, 30},
			},
			[]string{"workqueue"},
		),
		maydayTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mayday_total",
				Help:      "Number of times a pool escalated to its rescuer",
			},
			[]string{"pool"},
		),
		workerCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_created_total",
				Help:      "Number of workers created",
			},
			[]string{"pool"},
		),
		workerCulled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_culled_total",
				Help:      "Number of idle workers culled",
			},
			[]string{"pool"},
		),
	}

	reg.MustRegister(
		m.poolWorkers, m.worklistDepth, m.bindingInFlight, m.inactiveDepth,
		m.workDuration, m.flushDuration, m.maydayTotal, m.workerCreated, m.workerCulled,
	)
	return m
}

func (m *engineMetrics) setPoolWorkers(pool, state string, n int) {
	m.poolWorkers.WithLabelValues(pool, state).Set(float64(n))
}

func (m *engineMetrics) setWorklistDepth(pool string, depth int) {
	m.worklistDepth.WithLabelValues(pool).Set(float64(depth))
}

func (m *engineMetrics) setBindingInflight(wqName string, cpu int, color uint8, n int) {
	m.bindingInFlight.WithLabelValues(wqName, cpuLabel(cpu), fmt.Sprintf("%d", color)).Set(float64(n))
}

func (m *engineMetrics) setInactiveDepth(wqName string, cpu int, depth int) {
	m.inactiveDepth.WithLabelValues(wqName, cpuLabel(cpu)).Set(float64(depth))
}

func (m *engineMetrics) observeWorkDuration(wqName string, d time.Duration) {
	m.workDuration.WithLabelValues(wqName).Observe(d.Seconds())
}

func (m *engineMetrics) observeFlushDuration(wqName string, d time.Duration) {
	m.flushDuration.WithLabelValues(wqName).Observe(d.Seconds())
}

func (m *engineMetrics) incMayday(pool string) {
	m.maydayTotal.WithLabelValues(pool).Inc()
}

func (m *engineMetrics) incWorkerCreated(pool string) {
	m.workerCreated.WithLabelValues(pool).Inc()
}

func (m *engineMetrics) incWorkerCulled(pool string) {
	m.workerCulled.WithLabelValues(pool).Inc()
}

func cpuLabel(cpu int) string {
	if cpu < 0 {
		return "unbound"
	}
	return fmt.Sprintf("%d", cpu)
}
