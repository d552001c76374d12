package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmptyEngineConfigDefaults(t *testing.T) {
	cfg := EmptyEngineConfig()

	if cfg.GetBinaryPath() != "ciadpi" {
		t.Errorf("GetBinaryPath() = %q, want ciadpi", cfg.GetBinaryPath())
	}
	if cfg.GetHistoryCapacity() != 100 {
		t.Errorf("GetHistoryCapacity() = %d, want 100", cfg.GetHistoryCapacity())
	}
	if cfg.GetGracePeriod() != 3*time.Second {
		t.Errorf("GetGracePeriod() = %v, want 3s", cfg.GetGracePeriod())
	}
	if cfg.GetConnectTimeout() != 5*time.Second {
		t.Errorf("GetConnectTimeout() = %v, want 5s", cfg.GetConnectTimeout())
	}
	if cfg.GetProbeTimeout() != 8*time.Second {
		t.Errorf("GetProbeTimeout() = %v, want 8s", cfg.GetProbeTimeout())
	}
	if cfg.GetProbeRetries() != 2 {
		t.Errorf("GetProbeRetries() = %d, want 2", cfg.GetProbeRetries())
	}
	if cfg.GetRetryDelay() != time.Second {
		t.Errorf("GetRetryDelay() = %v, want 1s", cfg.GetRetryDelay())
	}
	if cfg.GetTerminateTimeout() != 5*time.Second {
		t.Errorf("GetTerminateTimeout() = %v, want 5s", cfg.GetTerminateTimeout())
	}
	if cfg.GetTrialPause() != 2*time.Second {
		t.Errorf("GetTrialPause() = %v, want 2s", cfg.GetTrialPause())
	}
	if !cfg.GetProbeViaProxy() {
		t.Error("GetProbeViaProxy() should default to true")
	}
	if cfg.GetDefaultProxyPort() != 1080 {
		t.Errorf("GetDefaultProxyPort() = %d, want 1080", cfg.GetDefaultProxyPort())
	}
	if len(cfg.GetEndpoints()) != 4 {
		t.Errorf("GetEndpoints() = %v, want 4 defaults", cfg.GetEndpoints())
	}
	if got := cfg.GetSuccessCodes(); len(got) != 4 || got[0] != 200 {
		t.Errorf("GetSuccessCodes() = %v", got)
	}
	if _, ok := cfg.GetRandomSeed(); ok {
		t.Error("no seed should be reported when unset")
	}
	if cfg.GetArchivePath() != "" {
		t.Error("archive should be off by default")
	}
	if !strings.HasSuffix(cfg.GetHistoryPath(), filepath.Join("ciadpi", "history", "test_history.json")) {
		t.Errorf("unexpected default history path %q", cfg.GetHistoryPath())
	}
}

func TestGetEndpointsReturnsCopy(t *testing.T) {
	cfg := EmptyEngineConfig()
	eps := cfg.GetEndpoints()
	eps[0] = "mutated"
	if DefaultEndpoints[0] == "mutated" {
		t.Fatal("GetEndpoints must not expose the package defaults")
	}
}

func TestLoadEngineConfig_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")
	content := `{
		"binary_path": "/usr/bin/ciadpi",
		"grace_period": "1s",
		"history_capacity": 10,
		"random_seed": 42,
		"probe_via_proxy": false
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig: %v", err)
	}
	if cfg.GetBinaryPath() != "/usr/bin/ciadpi" {
		t.Errorf("binary = %q", cfg.GetBinaryPath())
	}
	if cfg.GetGracePeriod() != time.Second {
		t.Errorf("grace = %v", cfg.GetGracePeriod())
	}
	if cfg.GetHistoryCapacity() != 10 {
		t.Errorf("capacity = %d", cfg.GetHistoryCapacity())
	}
	if seed, ok := cfg.GetRandomSeed(); !ok || seed != 42 {
		t.Errorf("seed = %d, %v", seed, ok)
	}
	if cfg.GetProbeViaProxy() {
		t.Error("probe_via_proxy should be false")
	}
	// Unset fields still default.
	if cfg.GetTrialPause() != 2*time.Second {
		t.Errorf("pause = %v", cfg.GetTrialPause())
	}
}

func TestLoadEngineConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := "endpoints:\n  - https://example.org\nsuccess_codes: [200]\nlisten: 0.0.0.0:9000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig: %v", err)
	}
	if eps := cfg.GetEndpoints(); len(eps) != 1 || eps[0] != "https://example.org" {
		t.Errorf("endpoints = %v", eps)
	}
	if codes := cfg.GetSuccessCodes(); len(codes) != 1 || codes[0] != 200 {
		t.Errorf("codes = %v", codes)
	}
	if cfg.GetListen() != "0.0.0.0:9000" {
		t.Errorf("listen = %q", cfg.GetListen())
	}
}

func TestLoadEngineConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad extension", "engine.txt", "{}", "extension"},
		{"bad json", "engine.json", "{", "parse config JSON"},
		{"bad yaml", "engine.yml", "endpoints: [", "parse config YAML"},
		{"bad duration", "engine.json", `{"grace_period": "soon"}`, "grace_period"},
		{"negative duration", "engine.json", `{"trial_pause": "-1s"}`, "non-negative"},
		{"zero capacity", "engine.json", `{"history_capacity": 0}`, "history_capacity"},
		{"bad endpoint", "engine.json", `{"endpoints": ["ftp://x"]}`, "http or https"},
		{"bad code", "engine.json", `{"success_codes": [42]}`, "not an HTTP status"},
		{"bad port", "engine.json", `{"default_proxy_port": 70000}`, "out of range"},
		{"bad listen", "engine.json", `{"listen": "nowhere"}`, "listen"},
		{"zero budget", "engine.json", `{"default_trial_budget": 0}`, "default_trial_budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+"-"+tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadEngineConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadEngineConfig_Missing(t *testing.T) {
	if _, err := LoadEngineConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected stat error")
	}
}

func TestLoadEngineConfig_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	big := make([]byte, maxConfigSize+1)
	for i := range big {
		big[i] = ' '
	}
	if err := os.WriteFile(path, big, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadEngineConfig(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
}
