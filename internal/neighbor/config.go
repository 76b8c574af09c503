package neighbor

import (
	"fmt"
	"time"
)

// Config holds the Neighbor Discovery protocol constants.
type Config struct {
	// RetransTimer is the interval between retransmitted solicitations.
	RetransTimer time.Duration `yaml:"retrans_timer"`
	// BaseReachableTime is the base for the randomized reachable time.
	BaseReachableTime time.Duration `yaml:"base_reachable_time"`
	// DelayFirstProbeTime is how long an entry stays in DELAY.
	DelayFirstProbeTime time.Duration `yaml:"delay_first_probe_time"`
	// GCInterval is how long a STALE entry lives without traffic.
	GCInterval time.Duration `yaml:"gc_interval"`
	// RecalcInterval is how often reachable times are re-randomized.
	RecalcInterval time.Duration `yaml:"recalc_interval"`
	// MaxMulticastSolicit bounds solicitations sent while INCOMPLETE.
	MaxMulticastSolicit int `yaml:"max_multicast_solicit"`
	// MaxUnicastSolicit bounds probes sent while in PROBE.
	MaxUnicastSolicit int `yaml:"max_unicast_solicit"`
	// MaxNUDHint bounds consecutive upper-layer reachability hints.
	// Zero disables the limit.
	MaxNUDHint int `yaml:"max_nud_hint"`
	// MaxEntries is the cache size at which least recently used entries
	// are evicted. Zero disables eviction.
	MaxEntries int `yaml:"max_entries"`
}

// DefaultConfig returns the RFC 4861 defaults.
func DefaultConfig() Config {
	return Config{
		RetransTimer:        time.Second,
		BaseReachableTime:   30 * time.Second,
		DelayFirstProbeTime: 5 * time.Second,
		GCInterval:          24 * time.Hour,
		RecalcInterval:      2 * time.Hour,
		MaxMulticastSolicit: 3,
		MaxUnicastSolicit:   3,
		MaxNUDHint:          10,
		MaxEntries:          2048,
	}
}

// Validate checks the configuration for values the state machine cannot
// work with.
func (m *Config) Validate() error {
	if m.RetransTimer <= 0 {
		return fmt.Errorf("retrans_timer must be positive")
	}
	if m.BaseReachableTime <= 0 {
		return fmt.Errorf("base_reachable_time must be positive")
	}
	if m.DelayFirstProbeTime < 0 || m.GCInterval < 0 {
		return fmt.Errorf("delay_first_probe_time and gc_interval must not be negative")
	}
	if m.RecalcInterval <= 0 {
		return fmt.Errorf("recalc_interval must be positive")
	}
	if m.MaxMulticastSolicit < 1 || m.MaxUnicastSolicit < 1 {
		return fmt.Errorf("max_multicast_solicit and max_unicast_solicit must be at least 1")
	}
	if m.MaxNUDHint < 0 || m.MaxEntries < 0 {
		return fmt.Errorf("max_nud_hint and max_entries must not be negative")
	}
	return nil
}
