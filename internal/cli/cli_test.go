package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/target"

	"github.com/manaflow-ai/browserlogger/internal/agent"
	"github.com/manaflow-ai/browserlogger/internal/browser"
	"github.com/manaflow-ai/browserlogger/internal/config"
)

func TestSetVersionInfo(t *testing.T) {
	SetVersionInfo("1.0.0", "abc123", "2026-01-01T00:00:00Z")

	if version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", version)
	}
	if commit != "abc123" {
		t.Errorf("expected commit abc123, got %s", commit)
	}
	if buildTime != "2026-01-01T00:00:00Z" {
		t.Errorf("expected buildTime, got %s", buildTime)
	}
	if rootCmd.Version != "1.0.0" {
		t.Errorf("expected root version 1.0.0, got %s", rootCmd.Version)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "ping", "stats", "clear", "screenshot", "status", "version", "config"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	for _, name := range []string{"verbose", "config", "controller"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("--%s flag not found", name)
		}
	}
	if runCmd.Flags().Lookup("attach") == nil {
		t.Error("run --attach flag not found")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFromFlag(t *testing.T) {
	flagConfig = writeConfig(t, "controller:\n  port: 3000\n")
	defer func() { flagConfig = "" }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Controller.Port != 3000 || cfg.Controller.Host != config.DefaultControllerHost {
		t.Fatalf("unexpected controller %+v", cfg.Controller)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	flagConfig = writeConfig(t, "chrome:\n  attach: sometimes\n")
	defer func() { flagConfig = "" }()

	_, err := loadConfig()
	if err == nil || !strings.Contains(err.Error(), "chrome.attach") {
		t.Fatalf("expected attach validation error, got %v", err)
	}
}

func TestPingAgainstController(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.identity":
			_ = json.NewEncoder(w).Encode(map[string]string{"signature": config.DefaultSignature})
		case "/version":
			_ = json.NewEncoder(w).Encode(map[string]string{"version": "3"})
		}
	}))
	defer srv.Close()

	flagConfig = filepath.Join(t.TempDir(), "missing.yaml")
	flagController = srv.URL
	defer func() {
		flagConfig = ""
		flagController = ""
	}()

	if err := pingCmd.RunE(pingCmd, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestPingWrongSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"signature": "nope"})
	}))
	defer srv.Close()

	flagConfig = filepath.Join(t.TempDir(), "missing.yaml")
	flagController = srv.URL
	defer func() {
		flagConfig = ""
		flagController = ""
	}()

	if err := pingCmd.RunE(pingCmd, nil); err == nil {
		t.Fatal("expected ping to fail on a foreign controller")
	}
}

func TestConfigInit(t *testing.T) {
	flagConfig = filepath.Join(t.TempDir(), "sub", "config.yaml")
	defer func() { flagConfig = "" }()

	if err := configInitCmd.RunE(configInitCmd, nil); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := config.LoadFile(flagConfig)
	if err != nil || cfg.Validate() != nil {
		t.Fatalf("written config does not load cleanly: %v", err)
	}
	if err := configInitCmd.RunE(configInitCmd, nil); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
}

func TestRunLoopKeepsTabIDsAcrossRestarts(t *testing.T) {
	flagConfig = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { flagConfig = "" }()

	done := errors.New("done")
	var seen []*browser.Tabs
	start := func(cfg *config.Config, tabs *browser.Tabs) error {
		seen = append(seen, tabs)
		switch len(seen) {
		case 1:
			tabs.ID(target.ID("A"))
			return agent.ErrReloadRequested
		case 2:
			if id := tabs.ID(target.ID("B")); id != 2 {
				t.Errorf("expected next id 2 after restart, got %d", id)
			}
			return agent.ErrReloadRequested
		}
		return done
	}

	if err := runLoop(context.Background(), start); !errors.Is(err, done) {
		t.Fatalf("expected the final error, got %v", err)
	}
	if len(seen) != 3 || seen[0] != seen[1] || seen[1] != seen[2] {
		t.Fatalf("expected one mapping shared by 3 runs, got %v", seen)
	}
	if id := seen[2].ID(target.ID("A")); id != 1 {
		t.Fatalf("tab A lost its id across restarts: %d", id)
	}
}

func TestRunLoopStopsQuietlyOnCancel(t *testing.T) {
	flagConfig = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { flagConfig = "" }()

	ctx, cancel := context.WithCancel(context.Background())
	err := runLoop(ctx, func(*config.Config, *browser.Tabs) error {
		cancel()
		return context.Canceled
	})
	if err != nil {
		t.Fatalf("expected nil on shutdown, got %v", err)
	}
}
