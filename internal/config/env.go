// Package config handles environment-based configuration loading and
// runtime config models (spec.md §6: "recognized keys, non-exhaustive").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds the environment-variable-driven settings fixed for the
// process lifetime (spec.md §6 configuration keys, expressed as SHARE_*
// env vars).
type EnvConfig struct {
	// Identity and structural files (spec.md §3 Lifecycle: "loaded once at
	// startup").
	NodeListFile        string
	ColumnListFile       string
	RowListFile          string
	UserPermissionsFile  string

	// UpstreamClient (spec.md §4.3).
	UpstreamURI          string
	UpstreamTickInterval time.Duration

	// DownstreamServer (spec.md §4.5).
	DownstreamListenAddress string
	DownstreamListenPort    int

	// Operator control API (SPEC_FULL.md §5).
	APIListenPort int
	AdminToken    string

	// sim-mode (spec.md §6: "enable inject-disconnect control messages").
	SimMode bool

	// Local non-authoritative CD cache (SPEC_FULL.md §2 store component).
	StateDir string
	CacheDir string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.NodeListFile = envStr("SHARE_NODE_LIST_FILE", "")
	cfg.ColumnListFile = envStr("SHARE_COLUMN_LIST_FILE", "")
	cfg.RowListFile = envStr("SHARE_ROW_LIST_FILE", "")
	cfg.UserPermissionsFile = envStr("SHARE_USER_PERMISSIONS_FILE", "")

	cfg.UpstreamURI = envStr("SHARE_UPSTREAM_URI", "")
	cfg.UpstreamTickInterval = envDuration("SHARE_UPSTREAM_TICK_INTERVAL", 30*time.Second, &errs)

	cfg.DownstreamListenAddress = envStr("SHARE_DOWNSTREAM_LISTEN_ADDRESS", "0.0.0.0")
	cfg.DownstreamListenPort = envInt("SHARE_DOWNSTREAM_LISTEN_PORT", 7420, &errs)

	cfg.APIListenPort = envInt("SHARE_API_PORT", 7421, &errs)

	adminToken, hasAdminToken := os.LookupEnv("SHARE_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	cfg.SimMode = envBool("SHARE_SIM_MODE", false, &errs)

	cfg.StateDir = envStr("SHARE_STATE_DIR", "/var/lib/share")
	cfg.CacheDir = envStr("SHARE_CACHE_DIR", "/var/cache/share")

	if cfg.NodeListFile == "" {
		errs = append(errs, "SHARE_NODE_LIST_FILE must be set")
	}
	if cfg.ColumnListFile == "" {
		errs = append(errs, "SHARE_COLUMN_LIST_FILE must be set")
	}
	if cfg.RowListFile == "" {
		errs = append(errs, "SHARE_ROW_LIST_FILE must be set")
	}
	if !hasAdminToken {
		errs = append(errs, "SHARE_ADMIN_TOKEN must be defined (can be empty to disable auth)")
	} else if IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "SHARE_ADMIN_TOKEN is too weak")
	}
	if cfg.UpstreamTickInterval <= 0 {
		errs = append(errs, "SHARE_UPSTREAM_TICK_INTERVAL must be positive")
	}
	validatePort("SHARE_DOWNSTREAM_LISTEN_PORT", cfg.DownstreamListenPort, &errs)
	validatePort("SHARE_API_PORT", cfg.APIListenPort, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}
