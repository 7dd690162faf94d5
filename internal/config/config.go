// internal/config/config.go
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration
type Config struct {
	// Home directory holding config.yaml
	Home string `yaml:"-"`

	// Path the config was loaded from (empty when using defaults)
	Path string `yaml:"-"`

	// Controller connection settings
	Controller ControllerConfig `yaml:"controller"`

	// Chrome DevTools connection settings
	Chrome ChromeConfig `yaml:"chrome"`

	// Loop intervals
	Intervals IntervalConfig `yaml:"intervals"`

	// Which telemetry streams are captured
	Capture CaptureConfig `yaml:"capture"`

	// Local in-memory buffer limits
	Buffer BufferConfig `yaml:"buffer"`

	// Local inspection server
	Inspect InspectConfig `yaml:"inspect"`

	// Execution relay settings
	Relay RelayConfig `yaml:"relay"`
}

type ControllerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Signature string `yaml:"signature"`
}

type ChromeConfig struct {
	// DevTools HTTP endpoint, e.g. http://127.0.0.1:9222
	URL string `yaml:"url"`

	// Attach policy on startup: "active", "all" or "none"
	Attach string `yaml:"attach"`
}

type IntervalConfig struct {
	CommandPollMs int `yaml:"command_poll_ms"`
	VersionPollMs int `yaml:"version_poll_ms"`
	TabPushMs     int `yaml:"tab_push_ms"`
}

type CaptureConfig struct {
	Console          bool `yaml:"console"`
	Network          bool `yaml:"network"`
	WebSocket        bool `yaml:"websocket"`
	PageHook         bool `yaml:"page_hook"`
	ElementSelection bool `yaml:"element_selection"`
}

type BufferConfig struct {
	LogLimit     int `yaml:"log_limit"`
	NetworkLimit int `yaml:"network_limit"`
}

type InspectConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type RelayConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// Home returns the agent home directory
func Home() string {
	if home := os.Getenv("BROWSERLOGGER_HOME"); home != "" {
		return home
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".browserlogger")
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// Load loads the configuration from the default path or returns defaults
func Load() (*Config, error) {
	return LoadFile(DefaultPath())
}

// LoadFile loads the configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Path = path

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv applies environment overrides on top of file values
func applyEnv(cfg *Config) {
	if v := os.Getenv("BROWSERLOGGER_CONTROLLER_HOST"); v != "" {
		cfg.Controller.Host = v
	}
	if v := os.Getenv("BROWSERLOGGER_CONTROLLER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Controller.Port = port
		}
	}
	if v := os.Getenv("BROWSERLOGGER_CHROME_URL"); v != "" {
		cfg.Chrome.URL = v
	}
}

// Save writes the configuration to path, creating the directory if needed
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ControllerURL returns the controller base URL
func (c *Config) ControllerURL() string {
	return "http://" + net.JoinHostPort(c.Controller.Host, strconv.Itoa(c.Controller.Port))
}

// ControllerTimeout returns the per-request timeout for controller calls
func (c *Config) ControllerTimeout() time.Duration {
	return time.Duration(c.Controller.TimeoutMs) * time.Millisecond
}

// RelayTimeout returns how long to wait for a page reply
func (c *Config) RelayTimeout() time.Duration {
	return time.Duration(c.Relay.TimeoutMs) * time.Millisecond
}

// CommandPollInterval returns the command poll cadence
func (c *Config) CommandPollInterval() time.Duration {
	return time.Duration(c.Intervals.CommandPollMs) * time.Millisecond
}

// VersionPollInterval returns the version check cadence
func (c *Config) VersionPollInterval() time.Duration {
	return time.Duration(c.Intervals.VersionPollMs) * time.Millisecond
}

// TabPushInterval returns the tab inventory push cadence
func (c *Config) TabPushInterval() time.Duration {
	return time.Duration(c.Intervals.TabPushMs) * time.Millisecond
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []string

	if c.Controller.Host == "" {
		errs = append(errs, "controller.host is required")
	}
	if c.Controller.Port < 1 || c.Controller.Port > 65535 {
		errs = append(errs, "controller.port must be between 1 and 65535")
	}
	if c.Controller.TimeoutMs < 100 {
		errs = append(errs, "controller.timeout_ms must be at least 100")
	}
	if c.Controller.Signature == "" {
		errs = append(errs, "controller.signature is required")
	}
	if !strings.HasPrefix(c.Chrome.URL, "http://") && !strings.HasPrefix(c.Chrome.URL, "https://") {
		errs = append(errs, "chrome.url must be an http(s) URL")
	}
	switch c.Chrome.Attach {
	case AttachActive, AttachAll, AttachNone:
	default:
		errs = append(errs, fmt.Sprintf("chrome.attach must be one of %q, %q, %q", AttachActive, AttachAll, AttachNone))
	}
	if c.Intervals.CommandPollMs < 100 {
		errs = append(errs, "intervals.command_poll_ms must be at least 100")
	}
	if c.Intervals.VersionPollMs < 100 {
		errs = append(errs, "intervals.version_poll_ms must be at least 100")
	}
	if c.Intervals.TabPushMs < 100 {
		errs = append(errs, "intervals.tab_push_ms must be at least 100")
	}
	if c.Buffer.LogLimit < 1 {
		errs = append(errs, "buffer.log_limit must be at least 1")
	}
	if c.Buffer.NetworkLimit < 1 {
		errs = append(errs, "buffer.network_limit must be at least 1")
	}
	if c.Inspect.Enabled && c.Inspect.Listen == "" {
		errs = append(errs, "inspect.listen is required when inspect.enabled is true")
	}
	if c.Relay.TimeoutMs < 100 {
		errs = append(errs, "relay.timeout_ms must be at least 100")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
