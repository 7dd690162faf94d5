// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Setenv("BROWSERLOGGER_HOME", t.TempDir())

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Controller.Signature != "browser-logger-24x7" {
		t.Errorf("unexpected default signature %q", cfg.Controller.Signature)
	}
	if cfg.ControllerURL() != "http://127.0.0.1:20847" {
		t.Errorf("unexpected controller URL %q", cfg.ControllerURL())
	}
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	t.Setenv("BROWSERLOGGER_CONTROLLER_HOST", "")
	t.Setenv("BROWSERLOGGER_CONTROLLER_PORT", "")
	t.Setenv("BROWSERLOGGER_CHROME_URL", "")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Path != "" {
		t.Errorf("expected empty Path for defaults, got %q", cfg.Path)
	}
	if cfg.Intervals.CommandPollMs != DefaultCommandPollMs {
		t.Errorf("expected default command poll, got %d", cfg.Intervals.CommandPollMs)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv("BROWSERLOGGER_CONTROLLER_HOST", "")
	t.Setenv("BROWSERLOGGER_CONTROLLER_PORT", "")
	t.Setenv("BROWSERLOGGER_CHROME_URL", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
controller:
  host: 10.0.0.5
  port: 9000
capture:
  websocket: false
buffer:
  log_limit: 50
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Controller.Host != "10.0.0.5" || cfg.Controller.Port != 9000 {
		t.Errorf("controller not loaded: %+v", cfg.Controller)
	}
	if cfg.Capture.WebSocket {
		t.Errorf("expected websocket capture disabled")
	}
	if !cfg.Capture.Console {
		t.Errorf("expected console capture to keep its default")
	}
	if cfg.Buffer.LogLimit != 50 || cfg.Buffer.NetworkLimit != 100 {
		t.Errorf("unexpected buffer config: %+v", cfg.Buffer)
	}
	if cfg.Controller.Signature != DefaultSignature {
		t.Errorf("expected default signature to survive partial file")
	}
}

func TestLoadFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("controller: [unterminated"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROWSERLOGGER_CONTROLLER_HOST", "controller.internal")
	t.Setenv("BROWSERLOGGER_CONTROLLER_PORT", "4444")
	t.Setenv("BROWSERLOGGER_CHROME_URL", "http://chrome:9222")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ControllerURL() != "http://controller.internal:4444" {
		t.Errorf("unexpected controller URL %q", cfg.ControllerURL())
	}
	if cfg.Chrome.URL != "http://chrome:9222" {
		t.Errorf("unexpected chrome URL %q", cfg.Chrome.URL)
	}
}

func TestEnvOverrideIgnoresBadPort(t *testing.T) {
	t.Setenv("BROWSERLOGGER_CONTROLLER_PORT", "not-a-port")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Controller.Port != DefaultControllerPort {
		t.Errorf("expected default port, got %d", cfg.Controller.Port)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Controller.Port = 0
	cfg.Chrome.Attach = "sometimes"
	cfg.Chrome.URL = "ws://nope"
	cfg.Buffer.LogLimit = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"controller.port", "chrome.attach", "chrome.url", "buffer.log_limit"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s: %v", want, err)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Controller.Port = 12345
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Controller.Port != 12345 {
		t.Errorf("expected port 12345, got %d", loaded.Controller.Port)
	}
}

func TestIntervalsAsDurations(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.CommandPollInterval() != time.Second {
		t.Errorf("unexpected command poll interval %v", cfg.CommandPollInterval())
	}
	if cfg.VersionPollInterval() != 5*time.Second {
		t.Errorf("unexpected version poll interval %v", cfg.VersionPollInterval())
	}
	if cfg.TabPushInterval() != 10*time.Second {
		t.Errorf("unexpected tab push interval %v", cfg.TabPushInterval())
	}
	if cfg.ControllerTimeout() != 3*time.Second {
		t.Errorf("unexpected controller timeout %v", cfg.ControllerTimeout())
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Setenv("BROWSERLOGGER_CONTROLLER_HOST", "")
	t.Setenv("BROWSERLOGGER_CONTROLLER_PORT", "")
	t.Setenv("BROWSERLOGGER_CHROME_URL", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  console: true\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("capture:\n  console: false\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-w.Changes():
		if cfg.Capture.Console {
			t.Fatalf("expected console capture disabled after reload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0644); err != nil {
		t.Fatalf("write other: %v", err)
	}

	select {
	case <-w.Changes():
		t.Fatal("unexpected reload for unrelated file")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
