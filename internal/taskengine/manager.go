package taskengine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	platformconfig "github.com/linkflow-ai/taskengine/internal/platform/config"
	platformlogger "github.com/linkflow-ai/taskengine/internal/platform/logger"
)

// Manager is the process-wide registry spec.md §5 implies but leaves
// unnamed: it owns every per-CPU pool, every unbound pool (keyed by
// fingerprint), every allocated Workqueue, the cancel-sync wait-queue, and
// the cron-driven maintenance sweep. Exactly one Manager is expected per
// process, built explicitly via NewManager/Start rather than a package-level
// singleton, so tests can run several in isolation.
type Manager struct {
	tunables Tunables
	logger   Logger
	metrics  *engineMetrics
	tracer   trace.Tracer

	numCPU int

	mu           sync.Mutex
	cpuPools     map[int]*Pool // one per (cpu, highpri/cpuintensive) combination key
	unboundPools map[string]*Pool
	workqueues   map[*Workqueue]struct{}

	cancelWaiters *cancelWaiters

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithManagerLogger overrides the default platform logger.
func WithManagerLogger(l Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetricsNamespace registers the engine's Prometheus series under ns
// instead of the default "taskengine".
func WithMetricsNamespace(ns string, reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) { m.metrics = newEngineMetrics(ns, reg) }
}

// NewManager constructs a Manager from t, wiring a default zap-backed
// logger, the "taskengine" Prometheus namespace against the default
// registry, and the global otel tracer provider, matching the ambient stack
// every other platform/ package in this tree uses.
func NewManager(t Tunables, opts ...ManagerOption) *Manager {
	m := &Manager{
		tunables:     t,
		numCPU:       defaultPoolSize(),
		cpuPools:     make(map[int]*Pool),
		unboundPools: make(map[string]*Pool),
		workqueues:   make(map[*Workqueue]struct{}),
		cancelWaiters: newCancelWaiters(),
		tracer:       otel.Tracer("github.com/linkflow-ai/taskengine"),
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = platformlogger.New(defaultLoggerConfig())
	}
	if m.metrics == nil {
		m.metrics = newEngineMetrics("taskengine", prometheus.DefaultRegisterer)
	}
	return m
}

// perCPUPool returns (creating if needed) the pool bound to a given cpu id
// and high-pri/cpu-intensive attribute combination — the kernel keeps
// separate per-CPU pools per (normal, high-pri) pair; we extend that one
// more dimension for CPU_INTENSIVE, since that attribute also changes the
// auto-scaled threshold applied to every worker in the pool.
func (m *Manager) perCPUPool(cpuID int, highPri, cpuIntensive bool) *Pool {
	key := cpuID<<2 | boolBit(highPri)<<1 | boolBit(cpuIntensive)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.cpuPools[key]; ok {
		return p
	}
	attrs := PoolAttrs{HighPri: highPri, CPUIntensive: cpuIntensive}
	t := m.tunables
	if cpuIntensive {
		t.CPUIntensiveThreshold = autoScaleCPUIntensiveThreshold(t.CPUIntensiveThreshold)
	}
	p := newPool(nextInternalID32(), cpuID, attrs, t, m.logger, m.metrics)
	m.cpuPools[key] = p
	return p
}

// unboundPool returns (creating if needed) the pool for attrs, keyed by
// attrs' blake2b fingerprint (ids.go), per spec.md §3's "unbound pools are
// looked up/created by attrs, not pre-allocated per CPU".
func (m *Manager) unboundPool(attrs PoolAttrs) *Pool {
	key := fingerprint(attrs)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.unboundPools[key]; ok {
		return p
	}
	p := newPool(nextInternalID32(), -1, attrs, m.tunables, m.logger, m.metrics)
	m.unboundPools[key] = p
	return p
}

func (m *Manager) registerWorkqueue(wq *Workqueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workqueues[wq] = struct{}{}
}

func (m *Manager) unregisterWorkqueue(wq *Workqueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workqueues, wq)
}

// PoolSnapshots returns a point-in-time view of every pool the manager
// owns, for cmd/taskctl's /pools diagnostics endpoint.
func (m *Manager) PoolSnapshots() []PoolSnapshot {
	pools := m.allPools()
	out := make([]PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.snapshot())
	}
	return out
}

func (m *Manager) allPools() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]*Pool, 0, len(m.cpuPools)+len(m.unboundPools))
	for _, p := range m.cpuPools {
		pools = append(pools, p)
	}
	for _, p := range m.unboundPools {
		pools = append(pools, p)
	}
	return pools
}

// Start launches the cron-driven maintenance sweep (maintenance.go): idle
// culling across every registered pool. The sweep does not post mayday;
// each pool's manageLoop does that when worker creation stalls. Grounded on the teacher's internal/engine/scheduler.go Scheduler wrapping
// robfig/cron/v3 with seconds resolution and panic recovery.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
		_, _ = m.cron.AddFunc("*/1 * * * * *", m.runMaintenanceSweep)
		m.cron.Start()
		if m.logger != nil {
			m.logger.Info("taskengine manager started", "num_cpu", m.numCPU)
		}
	})
}

// Shutdown stops the maintenance cron and destroys every still-registered
// workqueue, draining each before release.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		if m.cron != nil {
			ctx := m.cron.Stop()
			<-ctx.Done()
		}
		for _, wq := range m.snapshotWorkqueues() {
			wq.Destroy()
		}
		if m.logger != nil {
			m.logger.Info("taskengine manager shut down")
		}
	})
}

// WorkqueueSnapshots returns a point-in-time view of every workqueue
// currently registered, for cmd/taskctl's /pools diagnostics endpoint.
func (m *Manager) WorkqueueSnapshots() []WorkqueueSnapshot {
	wqs := m.snapshotWorkqueues()
	out := make([]WorkqueueSnapshot, 0, len(wqs))
	for _, wq := range wqs {
		out = append(out, wq.Snapshot())
	}
	return out
}

func (m *Manager) snapshotWorkqueues() []*Workqueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workqueue, 0, len(m.workqueues))
	for wq := range m.workqueues {
		out = append(out, wq)
	}
	return out
}

func boolBit(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nextInternalID32() uint32 {
	return uint32(nextInternalID())
}

func defaultLoggerConfig() platformconfig.LoggerConfig {
	return platformconfig.LoggerConfig{Format: "json", Level: "info", OutputPath: "stdout"}
}
