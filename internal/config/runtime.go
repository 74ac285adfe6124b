package config

import "time"

// RuntimeConfig holds the node's runtime settings (SPEC_FULL.md §1,
// grounded on the teacher's PatchRuntimeConfig pipeline). cmd/sharenode
// keeps it behind an atomic.Pointer but reads each field once at startup;
// nothing updates it while the node runs.
type RuntimeConfig struct {
	// UpstreamTickInterval overrides EnvConfig's default ping/reconnect
	// tick (spec.md §4.3: "default 30s").
	UpstreamTickInterval Duration `json:"upstream_tick_interval"`

	// SimMode toggles whether the operator API's /v1/sim/cut and
	// /v1/sim/restore endpoints are live (spec.md §6: "sim-mode").
	SimMode bool `json:"sim_mode"`

	// ASTCacheSize bounds the formula AST LRU cache (internal/formula).
	ASTCacheSize int `json:"ast_cache_size"`

	// LogVerbose is carried in the config; no component reads it.
	LogVerbose bool `json:"log_verbose"`

	// ReachabilityAuditCron, if non-empty, schedules a periodic
	// defensive sweep (standard 5-field cron syntax) reconciling
	// OnlineNodes against live downstream connections. Empty disables
	// the audit.
	ReachabilityAuditCron string `json:"reachability_audit_cron"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults
// matching EnvConfig's own fallbacks.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		UpstreamTickInterval:  Duration(30 * time.Second),
		SimMode:               false,
		ASTCacheSize:          4096,
		LogVerbose:            false,
		ReachabilityAuditCron: "",
	}
}
