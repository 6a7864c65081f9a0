package taskengine

import "time"

// runMaintenanceSweep is the recurring housekeeping pass Manager.Start wires
// into a robfig/cron/v3 job (SPEC_FULL.md §5.3): idle-culling every
// registered pool, the way the kernel's worker pool timer callback does, but
// realized here as a scheduled sweep rather than a per-pool timer since Go
// has no equivalent to a kernel timer bound to a CPU.
func (m *Manager) runMaintenanceSweep() {
	now := time.Now()
	for _, p := range m.allPools() {
		p.cullIdle(now)
	}
}
