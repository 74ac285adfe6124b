package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewDefaultRuntimeConfig(t *testing.T) {
	cfg := NewDefaultRuntimeConfig()

	if time.Duration(cfg.UpstreamTickInterval) != 30*time.Second {
		t.Errorf("UpstreamTickInterval: got %v, want 30s", time.Duration(cfg.UpstreamTickInterval))
	}
	if cfg.SimMode != false {
		t.Errorf("SimMode: got %v, want false", cfg.SimMode)
	}
	if cfg.ASTCacheSize != 4096 {
		t.Errorf("ASTCacheSize: got %d, want 4096", cfg.ASTCacheSize)
	}
	if cfg.LogVerbose != false {
		t.Errorf("LogVerbose: got %v, want false", cfg.LogVerbose)
	}
}

func TestRuntimeConfig_JSONRoundTrip(t *testing.T) {
	original := NewDefaultRuntimeConfig()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded RuntimeConfig
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.UpstreamTickInterval != original.UpstreamTickInterval {
		t.Errorf("UpstreamTickInterval: got %v, want %v", decoded.UpstreamTickInterval, original.UpstreamTickInterval)
	}
	if decoded.ASTCacheSize != original.ASTCacheSize {
		t.Errorf("ASTCacheSize: got %d, want %d", decoded.ASTCacheSize, original.ASTCacheSize)
	}
}

func TestDuration_JSON(t *testing.T) {
	d := Duration(5 * time.Minute)

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if string(data) != `"5m0s"` {
		t.Errorf("marshal: got %s, want %q", data, "5m0s")
	}

	var decoded Duration
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if time.Duration(decoded) != 5*time.Minute {
		t.Errorf("unmarshal: got %v, want 5m", time.Duration(decoded))
	}
}

func TestDuration_JSONInvalid(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`"not-a-duration"`), &d)
	if err == nil {
		t.Fatal("expected error for invalid duration string")
	}

	err = json.Unmarshal([]byte(`123`), &d)
	if err == nil {
		t.Fatal("expected error for non-string duration")
	}
}

func TestRuntimeConfig_JSONFieldNames(t *testing.T) {
	cfg := NewDefaultRuntimeConfig()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal to map error: %v", err)
	}

	expectedKeys := []string{
		"upstream_tick_interval",
		"sim_mode",
		"ast_cache_size",
		"log_verbose",
	}

	for _, key := range expectedKeys {
		if _, ok := m[key]; !ok {
			t.Errorf("missing JSON key: %q", key)
		}
	}
}
