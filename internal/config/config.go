package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AccountURL        string        `yaml:"account_url"`
	RelayURL          string        `yaml:"relay_url"`
	StateDir          string        `yaml:"state_dir"`
	DBPath            string        `yaml:"db_path"`
	MasterKeyPath     string        `yaml:"master_key_path"`
	SecondaryHeader   string        `yaml:"secondary_header"`
	LoginWaitTime     int           `yaml:"login_wait_time"`
	NetworkMargin     time.Duration `yaml:"network_margin"`
	AccountTimeout    time.Duration `yaml:"account_timeout"`
	ExpirySkew        time.Duration `yaml:"expiry_skew"`
	RelayRateLimit    float64       `yaml:"relay_rate_limit"`
	RelayRateBurst    int           `yaml:"relay_rate_burst"`
	RememberSecrets   bool          `yaml:"remember_secrets"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	DefaultWaitTime   int           `yaml:"default_wait_time"`
	ResourcesWaitTime int           `yaml:"resources_wait_time"`
	ListingWaitTime   int           `yaml:"listing_wait_time"`
	LogsWaitTime      int           `yaml:"logs_wait_time"`
	SettingsWaitTime  int           `yaml:"settings_wait_time"`
}

const (
	envAccountURL = "RELAYKIT_ACCOUNT_URL"
	envRelayURL   = "RELAYKIT_RELAY_URL"
	envStateDir   = "RELAYKIT_STATE_DIR"
	envLogLevel   = "RELAYKIT_LOG_LEVEL"
)

func DefaultConfig() Config {
	stateDir := defaultStateDir()
	return Config{
		AccountURL:        "http://127.0.0.1:8080",
		RelayURL:          "http://127.0.0.1:8081",
		StateDir:          stateDir,
		DBPath:            filepath.Join(stateDir, "credentials.db"),
		MasterKeyPath:     filepath.Join(stateDir, "master.key"),
		SecondaryHeader:   "X-Server-Token",
		LoginWaitTime:     5,
		NetworkMargin:     5 * time.Second,
		AccountTimeout:    15 * time.Second,
		ExpirySkew:        30 * time.Second,
		RelayRateLimit:    0,
		RelayRateBurst:    1,
		RememberSecrets:   true,
		LogLevel:          "warn",
		LogFormat:         "text",
		DefaultWaitTime:   5,
		ResourcesWaitTime: 2,
		ListingWaitTime:   5,
		LogsWaitTime:      5,
		SettingsWaitTime:  3,
	}
}

// Load reads an optional YAML file on top of DefaultConfig and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		fileCfg := cfg
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		// Paths derived from state_dir follow it unless set explicitly.
		if fileCfg.StateDir != cfg.StateDir {
			if fileCfg.DBPath == cfg.DBPath {
				fileCfg.DBPath = filepath.Join(fileCfg.StateDir, "credentials.db")
			}
			if fileCfg.MasterKeyPath == cfg.MasterKeyPath {
				fileCfg.MasterKeyPath = filepath.Join(fileCfg.StateDir, "master.key")
			}
		}
		cfg = fileCfg
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(envAccountURL); ok && strings.TrimSpace(v) != "" {
		c.AccountURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(envRelayURL); ok && strings.TrimSpace(v) != "" {
		c.RelayURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(envStateDir); ok && strings.TrimSpace(v) != "" {
		c.SetStateDir(strings.TrimSpace(v))
	}
	if v, ok := lookup(envLogLevel); ok && strings.TrimSpace(v) != "" {
		c.LogLevel = strings.TrimSpace(v)
	}
}

// SetStateDir moves the database and master key under dir.
func (c *Config) SetStateDir(dir string) {
	c.StateDir = dir
	c.DBPath = filepath.Join(dir, "credentials.db")
	c.MasterKeyPath = filepath.Join(dir, "master.key")
}

func (c Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{"account_url": c.AccountURL, "relay_url": c.RelayURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if strings.TrimSpace(c.MasterKeyPath) == "" {
		errs = append(errs, errors.New("master_key_path is required"))
	}
	if strings.TrimSpace(c.SecondaryHeader) == "" {
		errs = append(errs, errors.New("secondary_header is required"))
	}
	for name, v := range map[string]int{
		"login_wait_time":     c.LoginWaitTime,
		"default_wait_time":   c.DefaultWaitTime,
		"resources_wait_time": c.ResourcesWaitTime,
		"listing_wait_time":   c.ListingWaitTime,
		"logs_wait_time":      c.LogsWaitTime,
		"settings_wait_time":  c.SettingsWaitTime,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.NetworkMargin < 0 {
		errs = append(errs, errors.New("network_margin must not be negative"))
	}
	if c.RelayRateLimit < 0 {
		errs = append(errs, errors.New("relay_rate_limit must not be negative"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func defaultStateDir() string {
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, "relaykit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaykit"
	}
	return filepath.Join(home, ".local", "state", "relaykit")
}
