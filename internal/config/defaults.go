// internal/config/defaults.go
package config

// Chrome attach policies
const (
	AttachActive = "active"
	AttachAll    = "all"
	AttachNone   = "none"
)

// Default controller settings
const (
	DefaultControllerHost    = "127.0.0.1"
	DefaultControllerPort    = 20847
	DefaultControllerTimeout = 3000 // 3 seconds
	DefaultSignature         = "browser-logger-24x7"
)

// Default loop cadence
const (
	DefaultCommandPollMs = 1000
	DefaultVersionPollMs = 5000
	DefaultTabPushMs     = 10000
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Home: Home(),

		Controller: ControllerConfig{
			Host:      DefaultControllerHost,
			Port:      DefaultControllerPort,
			TimeoutMs: DefaultControllerTimeout,
			Signature: DefaultSignature,
		},

		Chrome: ChromeConfig{
			URL:    "http://127.0.0.1:9222",
			Attach: AttachActive,
		},

		Intervals: IntervalConfig{
			CommandPollMs: DefaultCommandPollMs,
			VersionPollMs: DefaultVersionPollMs,
			TabPushMs:     DefaultTabPushMs,
		},

		Capture: CaptureConfig{
			Console:   true,
			Network:   true,
			WebSocket: true,
		},

		Buffer: BufferConfig{
			LogLimit:     1000,
			NetworkLimit: 100,
		},

		Inspect: InspectConfig{
			Enabled: true,
			Listen:  "127.0.0.1:20848",
		},

		Relay: RelayConfig{
			TimeoutMs: 5000,
		},
	}
}
