package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// Config holds all peersync configuration
type Config struct {
	// Remote peer-to-peer store
	Remote RemoteConfig `json:"remote"`

	// Reconciliation engine
	Sync SyncConfig `json:"sync"`

	// Remote change notifications pushed by peers
	Notifications NotificationConfig `json:"notifications"`

	// Prometheus endpoint
	Metrics MetricsConfig `json:"metrics"`

	// System configuration
	Logging LoggingConfig `json:"logging"`
}

// RemoteConfig holds IPFS connection settings
type RemoteConfig struct {
	APIEndpoint string `json:"api_endpoint"`
	Timeout     int    `json:"timeout_seconds"`
	Root        string `json:"root"`

	// Session check interval; zero disables reconnects
	HealthCheckSeconds int `json:"health_check_seconds"`
}

// SyncConfig holds reconciliation settings
type SyncConfig struct {
	RootDir             string   `json:"root_dir"`
	StateDir            string   `json:"state_dir"`
	DebounceMs          int      `json:"debounce_ms"`
	PairingWindowMs     int      `json:"pairing_window_ms"`
	MaxAttempts         int      `json:"max_attempts"`
	InitialBackoffMs    int      `json:"initial_backoff_ms"`
	MaxBackoffMs        int      `json:"max_backoff_ms"`
	MaxConcurrentOps    int      `json:"max_concurrent_ops"`
	PollIntervalSeconds int      `json:"poll_interval_seconds"`
	IncludePatterns     []string `json:"include_patterns,omitempty"`
	ExcludePatterns     []string `json:"exclude_patterns,omitempty"`
	ConflictResolution  string   `json:"conflict_resolution"`
	DeleteLocalOnDesync bool     `json:"delete_local_on_desync"`
}

// NotificationConfig holds the peer notification feed settings
type NotificationConfig struct {
	WebSocketURL string `json:"websocket_url,omitempty"`
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // console, file
	File   string `json:"file,omitempty"`
	Format string `json:"format"` // text, json
}

// Debounce returns the debounce window as a duration.
func (s SyncConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// PairingWindow returns the move pairing window as a duration.
func (s SyncConfig) PairingWindow() time.Duration {
	return time.Duration(s.PairingWindowMs) * time.Millisecond
}

// InitialBackoff returns the first retry delay.
func (s SyncConfig) InitialBackoff() time.Duration {
	return time.Duration(s.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (s SyncConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMs) * time.Millisecond
}

// PollInterval returns the remote listing poll interval.
func (s SyncConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Remote: RemoteConfig{
			APIEndpoint:        "127.0.0.1:5001",
			Timeout:            30,
			Root:               "/peersync",
			HealthCheckSeconds: 15,
		},
		Sync: SyncConfig{
			RootDir:             filepath.Join(homeDir, "PeerSync"),
			StateDir:            filepath.Join(homeDir, ".peersync", "state"),
			DebounceMs:          2000,
			PairingWindowMs:     500,
			MaxAttempts:         5,
			InitialBackoffMs:    500,
			MaxBackoffMs:        30000,
			MaxConcurrentOps:    10,
			PollIntervalSeconds: 30,
			ExcludePatterns:     []string{".peersync-*", "*.swp", "*~", ".DS_Store"},
			ConflictResolution:  "prompt",
			DeleteLocalOnDesync: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from file with environment variable overrides
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return nil
		}
		return err
	}

	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies environment variable overrides
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("PEERSYNC_API"); val != "" {
		c.Remote.APIEndpoint = val
	}
	if val := os.Getenv("PEERSYNC_ROOT"); val != "" {
		c.Sync.RootDir = val
	}
	if val := os.Getenv("PEERSYNC_DEBOUNCE_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			c.Sync.DebounceMs = ms
		}
	}
	if val := os.Getenv("PEERSYNC_PAIRING_WINDOW_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			c.Sync.PairingWindowMs = ms
		}
	}
	if val := os.Getenv("PEERSYNC_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Sync.MaxAttempts = n
		}
	}
	if val := os.Getenv("PEERSYNC_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("PEERSYNC_LOG_OUTPUT"); val != "" {
		c.Logging.Output = val
	}
	if val := os.Getenv("PEERSYNC_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
	if val := os.Getenv("PEERSYNC_WS_URL"); val != "" {
		c.Notifications.WebSocketURL = val
	}
	if val := os.Getenv("PEERSYNC_METRICS_ADDR"); val != "" {
		c.Metrics.ListenAddr = val
	}
}

// Validate validates the configuration and provides helpful suggestions
func (c *Config) Validate() error {
	if c.Remote.APIEndpoint == "" {
		return fmt.Errorf("remote API endpoint cannot be empty. Set it to '127.0.0.1:5001' for a local IPFS node")
	}
	if strings.HasPrefix(c.Remote.APIEndpoint, "/") {
		if _, err := ma.NewMultiaddr(c.Remote.APIEndpoint); err != nil {
			return fmt.Errorf("remote API endpoint '%s' is not a valid multiaddr: %w", c.Remote.APIEndpoint, err)
		}
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be positive (current: %d). Use 30 seconds for normal use", c.Remote.Timeout)
	}
	if c.Remote.HealthCheckSeconds < 0 {
		return fmt.Errorf("remote health check interval cannot be negative (current: %d)", c.Remote.HealthCheckSeconds)
	}
	if !strings.HasPrefix(c.Remote.Root, "/") {
		return fmt.Errorf("remote root must be an absolute MFS path (current: '%s')", c.Remote.Root)
	}

	if c.Sync.RootDir == "" {
		return fmt.Errorf("sync root directory cannot be empty")
	}
	if c.Sync.DebounceMs < 0 {
		return fmt.Errorf("debounce window cannot be negative (current: %d ms)", c.Sync.DebounceMs)
	}
	if c.Sync.PairingWindowMs <= 0 {
		return fmt.Errorf("pairing window must be positive (current: %d ms). Use 500ms for default", c.Sync.PairingWindowMs)
	}
	if c.Sync.PairingWindowMs >= c.Sync.DebounceMs {
		return fmt.Errorf("pairing window (%d ms) must be shorter than the debounce window (%d ms)", c.Sync.PairingWindowMs, c.Sync.DebounceMs)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive (current: %d)", c.Sync.MaxAttempts)
	}
	if c.Sync.InitialBackoffMs <= 0 || c.Sync.MaxBackoffMs < c.Sync.InitialBackoffMs {
		return fmt.Errorf("backoff must satisfy 0 < initial (%d ms) <= max (%d ms)", c.Sync.InitialBackoffMs, c.Sync.MaxBackoffMs)
	}
	if c.Sync.MaxConcurrentOps <= 0 {
		return fmt.Errorf("max concurrent operations must be positive (current: %d). Use 10 for default", c.Sync.MaxConcurrentOps)
	}
	if c.Sync.MaxConcurrentOps > 100 {
		return fmt.Errorf("max concurrent operations is very high (%d). Consider using 10-50", c.Sync.MaxConcurrentOps)
	}
	if c.Sync.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll interval cannot be negative (current: %d)", c.Sync.PollIntervalSeconds)
	}

	validResolutions := map[string]bool{
		"local": true, "remote": true, "timestamp": true, "prompt": true,
	}
	if !validResolutions[c.Sync.ConflictResolution] {
		return fmt.Errorf("invalid conflict resolution '%s'. Valid options: local, remote, timestamp, prompt", c.Sync.ConflictResolution)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s'. Valid options: debug, info, warn, error", c.Logging.Level)
	}

	validOutputs := map[string]bool{
		"console": true, "file": true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output '%s'. Valid options: console, file", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("log file path is required when output is 'file'")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format '%s'. Valid options: text, json", c.Logging.Format)
	}

	return nil
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, ".peersync", "config.json"), nil
}
