package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.SecondaryHeader != "X-Server-Token" {
		t.Fatalf("unexpected secondary header %q", cfg.SecondaryHeader)
	}
	if filepath.Dir(cfg.DBPath) != cfg.StateDir {
		t.Fatalf("db path %q not under state dir %q", cfg.DBPath, cfg.StateDir)
	}
}

func TestLoadYAMLMovesDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	path := filepath.Join(dir, "relaykit.yaml")
	body := "account_url: https://bridge.example.com\n" +
		"relay_url: https://relay.example.com\n" +
		"state_dir: " + stateDir + "\n" +
		"network_margin: 2s\n" +
		"logs_wait_time: 9\n" +
		"log_format: json\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envRelayURL, "")
	t.Setenv(envAccountURL, "")
	t.Setenv(envStateDir, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AccountURL != "https://bridge.example.com" || cfg.RelayURL != "https://relay.example.com" {
		t.Fatalf("urls not loaded: %+v", cfg)
	}
	if cfg.DBPath != filepath.Join(stateDir, "credentials.db") {
		t.Fatalf("db path not derived from state dir: %q", cfg.DBPath)
	}
	if cfg.MasterKeyPath != filepath.Join(stateDir, "master.key") {
		t.Fatalf("master key path not derived from state dir: %q", cfg.MasterKeyPath)
	}
	if cfg.NetworkMargin != 2*time.Second {
		t.Fatalf("expected 2s margin, got %s", cfg.NetworkMargin)
	}
	if cfg.LogsWaitTime != 9 || cfg.SettingsWaitTime != 3 {
		t.Fatalf("expected logs wait 9 and default settings wait 3, got %d and %d", cfg.LogsWaitTime, cfg.SettingsWaitTime)
	}
	if cfg.LoginWaitTime != 5 {
		t.Fatalf("expected default login wait time to survive, got %d", cfg.LoginWaitTime)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		envRelayURL: " https://relay.internal ",
		envStateDir: "/tmp/relaykit-test",
		envLogLevel: "debug",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.RelayURL != "https://relay.internal" {
		t.Fatalf("relay url override not applied: %q", cfg.RelayURL)
	}
	if cfg.DBPath != "/tmp/relaykit-test/credentials.db" {
		t.Fatalf("state dir override did not move db: %q", cfg.DBPath)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level override not applied: %q", cfg.LogLevel)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RelayURL = "relay"
	cfg.ResourcesWaitTime = 0
	cfg.SettingsWaitTime = -1
	cfg.LogFormat = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"relay_url", "resources_wait_time", "settings_wait_time", "log_format"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
