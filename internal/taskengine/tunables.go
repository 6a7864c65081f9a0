package taskengine

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// NRColors is the modulo used by the flush-color protocol (§4.4). The
// kernel uses 16 (WORK_NR_COLORS); spec.md only requires >= 4, and a
// smaller ring keeps color-rollover test scenarios (spec.md §8 scenario 3)
// fast without changing the protocol.
const NRColors = 4

const maxMaxActive = 512

// AffinityScope mirrors spec.md §6's affinity-scope tunable.
type AffinityScope string

const (
	AffinityCPU    AffinityScope = "cpu"
	AffinitySMT    AffinityScope = "smt"
	AffinityCache  AffinityScope = "cache"
	AffinityNUMA   AffinityScope = "numa"
	AffinitySystem AffinityScope = "system"
)

// Tunables mirrors spec.md §6's recognized options. Loaded the same way the
// teacher loads ServiceConfig: a viper YAML/env layer, then envconfig fills
// defaults — struct tags double as the documentation of each default.
type Tunables struct {
	MaxActive             int           `mapstructure:"max_active" envconfig:"TASKENGINE_MAX_ACTIVE" default:"256"`
	CPUIntensiveThreshold time.Duration `mapstructure:"cpu_intensive_thresh" envconfig:"TASKENGINE_CPU_INTENSIVE_THRESH" default:"10ms"`
	WatchdogThreshold     time.Duration `mapstructure:"watchdog_thresh" envconfig:"TASKENGINE_WATCHDOG_THRESH" default:"30s"`
	UnboundCPUMask        []int         `mapstructure:"unbound_cpu_mask" envconfig:"TASKENGINE_UNBOUND_CPU_MASK"`
	AffinityScope         AffinityScope `mapstructure:"affinity_scope" envconfig:"TASKENGINE_AFFINITY_SCOPE" default:"cache"`
	StrictAffinity        bool          `mapstructure:"strict_affinity" envconfig:"TASKENGINE_STRICT_AFFINITY" default:"false"`

	IdleTimeout    time.Duration `mapstructure:"idle_timeout" envconfig:"TASKENGINE_IDLE_TIMEOUT" default:"5m"`
	MaydayInterval time.Duration `mapstructure:"mayday_interval" envconfig:"TASKENGINE_MAYDAY_INTERVAL" default:"1s"`
	ManagerDelay   time.Duration `mapstructure:"manager_delay" envconfig:"TASKENGINE_MANAGER_DELAY" default:"100ms"`
	TickInterval   time.Duration `mapstructure:"tick_interval" envconfig:"TASKENGINE_TICK_INTERVAL" default:"250ms"`
}

// DefaultTunables returns spec-conformant defaults without touching viper or
// the environment — used by package tests and by LoadTunables as the base
// before overlaying config/env.
func DefaultTunables() Tunables {
	return Tunables{
		MaxActive:             256,
		CPUIntensiveThreshold: 10 * time.Millisecond,
		WatchdogThreshold:     30 * time.Second,
		AffinityScope:         AffinityCache,
		IdleTimeout:           5 * time.Minute,
		MaydayInterval:        time.Second,
		ManagerDelay:          100 * time.Millisecond,
		TickInterval:          250 * time.Millisecond,
	}
}

// LoadTunables reads an optional "taskengine" viper config section, then
// applies TASKENGINE_-prefixed environment overrides, exactly the
// file-then-env layering internal/platform/config.Load uses.
func LoadTunables() (Tunables, error) {
	t := DefaultTunables()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err == nil {
		_ = viper.UnmarshalKey("taskengine", &t)
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		return t, err
	}

	if err := envconfig.Process("", &t); err != nil {
		return t, err
	}

	t.clamp()
	return t, nil
}

func (t *Tunables) clamp() {
	if t.MaxActive <= 0 {
		t.MaxActive = DefaultTunables().MaxActive
	}
	if t.MaxActive > maxMaxActive {
		t.MaxActive = maxMaxActive
	}
}

// PoolAttrs is the per-pool identity used for fingerprinting and lookup
// (spec.md §3 Worker Pool "attrs").
type PoolAttrs struct {
	Nice           int
	CPUMask        []int
	AffinityScope  AffinityScope
	StrictAffinity bool
	HighPri        bool
	CPUIntensive   bool
}
