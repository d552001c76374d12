package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBinaryPath is used when binary_path is unset; resolved via $PATH.
	DefaultBinaryPath = "ciadpi"
	// DefaultHistoryCapacity bounds the persisted history file.
	DefaultHistoryCapacity = 100
	// DefaultProxyPort is the SOCKS port assumed when a candidate carries no -p token.
	DefaultProxyPort = 1080
	// DefaultListen is the control server address.
	DefaultListen = "127.0.0.1:8089"

	maxConfigSize = 1 * 1024 * 1024 // 1MB
)

// DefaultEndpoints are probed round-robin, one per trial.
var DefaultEndpoints = []string{
	"https://www.youtube.com",
	"https://www.google.com",
	"https://github.com",
	"https://www.wikipedia.org",
}

// DefaultSuccessCodes are the HTTP statuses that count as a working bypass.
var DefaultSuccessCodes = []int{200, 206, 301, 302}

// EngineConfig holds every tunable of the search engine. All fields are
// optional; the Get* accessors supply defaults for anything left unset, so a
// partial file (or no file at all) is valid.
type EngineConfig struct {
	BinaryPath      *string `json:"binary_path,omitempty" yaml:"binary_path,omitempty"`
	HistoryPath     *string `json:"history_path,omitempty" yaml:"history_path,omitempty"`
	ArchivePath     *string `json:"archive_path,omitempty" yaml:"archive_path,omitempty"`
	HistoryCapacity *int    `json:"history_capacity,omitempty" yaml:"history_capacity,omitempty"`

	// Probe
	Endpoints        []string `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	SuccessCodes     []int    `json:"success_codes,omitempty" yaml:"success_codes,omitempty"`
	ConnectTimeout   *string  `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"` // duration string like "5s"
	ProbeTimeout     *string  `json:"probe_timeout,omitempty" yaml:"probe_timeout,omitempty"`
	ProbeRetries     *int     `json:"probe_retries,omitempty" yaml:"probe_retries,omitempty"`
	RetryDelay       *string  `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	ProbeViaProxy    *bool    `json:"probe_via_proxy,omitempty" yaml:"probe_via_proxy,omitempty"`
	DefaultProxyPort *int     `json:"default_proxy_port,omitempty" yaml:"default_proxy_port,omitempty"`

	// Process lifecycle
	GracePeriod      *string `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
	TerminateTimeout *string `json:"terminate_timeout,omitempty" yaml:"terminate_timeout,omitempty"`
	TrialPause       *string `json:"trial_pause,omitempty" yaml:"trial_pause,omitempty"`

	// Search defaults
	DefaultTrialBudget   *int    `json:"default_trial_budget,omitempty" yaml:"default_trial_budget,omitempty"`
	DefaultProbeDuration *string `json:"default_probe_duration,omitempty" yaml:"default_probe_duration,omitempty"`
	RandomSeed           *uint64 `json:"random_seed,omitempty" yaml:"random_seed,omitempty"`

	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// EmptyEngineConfig returns an EngineConfig with every field unset.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig reads a JSON (.json) or YAML (.yaml, .yml) config file.
// Fields omitted from the file keep their defaults.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that set values are usable.
func (c *EngineConfig) Validate() error {
	durations := map[string]*string{
		"connect_timeout":        c.ConnectTimeout,
		"probe_timeout":          c.ProbeTimeout,
		"retry_delay":            c.RetryDelay,
		"grace_period":           c.GracePeriod,
		"terminate_timeout":      c.TerminateTimeout,
		"trial_pause":            c.TrialPause,
		"default_probe_duration": c.DefaultProbeDuration,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.HistoryCapacity != nil && *c.HistoryCapacity < 1 {
		return fmt.Errorf("history_capacity must be positive, got %d", *c.HistoryCapacity)
	}
	if c.ProbeRetries != nil && *c.ProbeRetries < 0 {
		return fmt.Errorf("probe_retries must be non-negative, got %d", *c.ProbeRetries)
	}
	if c.DefaultTrialBudget != nil && *c.DefaultTrialBudget < 1 {
		return fmt.Errorf("default_trial_budget must be positive, got %d", *c.DefaultTrialBudget)
	}
	if c.DefaultProxyPort != nil && (*c.DefaultProxyPort < 1 || *c.DefaultProxyPort > 65535) {
		return fmt.Errorf("default_proxy_port out of range: %d", *c.DefaultProxyPort)
	}
	for _, ep := range c.Endpoints {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			return fmt.Errorf("endpoint %q must be an http or https URL", ep)
		}
	}
	for _, code := range c.SuccessCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("success code %d is not an HTTP status", code)
		}
	}
	if c.Listen != nil && *c.Listen != "" {
		if _, _, err := net.SplitHostPort(*c.Listen); err != nil {
			return fmt.Errorf("invalid listen address '%s': %w", *c.Listen, err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetBinaryPath returns the ciadpi binary path or the default.
func (c *EngineConfig) GetBinaryPath() string {
	if c.BinaryPath == nil || *c.BinaryPath == "" {
		return DefaultBinaryPath
	}
	return *c.BinaryPath
}

// GetHistoryPath returns the history file path. The default lives under the
// user's config directory: ~/.config/ciadpi/history/test_history.json.
func (c *EngineConfig) GetHistoryPath() string {
	if c.HistoryPath != nil && *c.HistoryPath != "" {
		return *c.HistoryPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "ciadpi", "history", "test_history.json")
}

// GetArchivePath returns the sqlite archive path, or "" when archiving is off.
func (c *EngineConfig) GetArchivePath() string {
	if c.ArchivePath == nil {
		return ""
	}
	return *c.ArchivePath
}

// GetHistoryCapacity returns the history cap or the default.
func (c *EngineConfig) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return DefaultHistoryCapacity
	}
	return *c.HistoryCapacity
}

// GetEndpoints returns the probe endpoints or the defaults.
func (c *EngineConfig) GetEndpoints() []string {
	if len(c.Endpoints) == 0 {
		return append([]string(nil), DefaultEndpoints...)
	}
	return append([]string(nil), c.Endpoints...)
}

// GetSuccessCodes returns the success status set or the defaults.
func (c *EngineConfig) GetSuccessCodes() []int {
	if len(c.SuccessCodes) == 0 {
		return append([]int(nil), DefaultSuccessCodes...)
	}
	return append([]int(nil), c.SuccessCodes...)
}

// GetConnectTimeout returns connect_timeout or 5s.
func (c *EngineConfig) GetConnectTimeout() time.Duration {
	return durationOr(c.ConnectTimeout, 5*time.Second)
}

// GetProbeTimeout returns the per-attempt total timeout or 8s.
func (c *EngineConfig) GetProbeTimeout() time.Duration {
	return durationOr(c.ProbeTimeout, 8*time.Second)
}

// GetProbeRetries returns probe_retries or 2.
func (c *EngineConfig) GetProbeRetries() int {
	if c.ProbeRetries == nil {
		return 2
	}
	return *c.ProbeRetries
}

// GetRetryDelay returns retry_delay or 1s.
func (c *EngineConfig) GetRetryDelay() time.Duration {
	return durationOr(c.RetryDelay, time.Second)
}

// GetProbeViaProxy reports whether probes go through the candidate's SOCKS listener.
func (c *EngineConfig) GetProbeViaProxy() bool {
	if c.ProbeViaProxy == nil {
		return true
	}
	return *c.ProbeViaProxy
}

// GetDefaultProxyPort returns default_proxy_port or 1080.
func (c *EngineConfig) GetDefaultProxyPort() int {
	if c.DefaultProxyPort == nil {
		return DefaultProxyPort
	}
	return *c.DefaultProxyPort
}

// GetGracePeriod returns grace_period or 3s.
func (c *EngineConfig) GetGracePeriod() time.Duration {
	return durationOr(c.GracePeriod, 3*time.Second)
}

// GetTerminateTimeout returns terminate_timeout or 5s.
func (c *EngineConfig) GetTerminateTimeout() time.Duration {
	return durationOr(c.TerminateTimeout, 5*time.Second)
}

// GetTrialPause returns trial_pause or 2s.
func (c *EngineConfig) GetTrialPause() time.Duration {
	return durationOr(c.TrialPause, 2*time.Second)
}

// GetDefaultTrialBudget returns default_trial_budget or 20.
func (c *EngineConfig) GetDefaultTrialBudget() int {
	if c.DefaultTrialBudget == nil {
		return 20
	}
	return *c.DefaultTrialBudget
}

// GetDefaultProbeDuration returns default_probe_duration or 10s.
func (c *EngineConfig) GetDefaultProbeDuration() time.Duration {
	return durationOr(c.DefaultProbeDuration, 10*time.Second)
}

// GetRandomSeed returns the configured seed and whether one was set.
func (c *EngineConfig) GetRandomSeed() (uint64, bool) {
	if c.RandomSeed == nil {
		return 0, false
	}
	return *c.RandomSeed, true
}

// GetListen returns the control server address or the default.
func (c *EngineConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}
