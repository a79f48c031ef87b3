// Package doctor checks that a relayctl installation is usable: the
// configuration, the state directory, the sealed credential store and the
// two remote endpoints.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/g960059/relaykit/internal/config"
	"github.com/g960059/relaykit/internal/credstore"
	"github.com/g960059/relaykit/internal/db"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"

	defaultProbeTimeout = 3 * time.Second
)

type Options struct {
	Config       config.Config
	Client       *http.Client
	ProbeTimeout time.Duration
}

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// Run never creates state: a missing key or database is reported, not fixed.
func Run(ctx context.Context, opts Options) Result {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	cfg := opts.Config

	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == StatusWarn {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == StatusFail {
			out.OK = false
		}
	}

	add(checkConfig(cfg))
	add(checkStateDir(cfg.StateDir))
	add(checkMasterKey(cfg.MasterKeyPath))
	add(checkDatabase(ctx, cfg.DBPath))
	add(checkEndpoint(ctx, opts.Client, opts.ProbeTimeout, "account_endpoint", cfg.AccountURL))
	add(checkEndpoint(ctx, opts.Client, opts.ProbeTimeout, "relay_endpoint", cfg.RelayURL))
	return out
}

func checkConfig(cfg config.Config) Check {
	if err := cfg.Validate(); err != nil {
		return Check{Name: "config", Status: StatusFail, Message: err.Error()}
	}
	return Check{Name: "config", Status: StatusPass, Message: "valid"}
}

func checkStateDir(dir string) Check {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Check{Name: "state_dir", Status: StatusWarn, Message: "not created yet, run login first", Path: dir}
		}
		return Check{Name: "state_dir", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: dir}
	}
	if !info.IsDir() {
		return Check{Name: "state_dir", Status: StatusFail, Message: "not a directory", Path: dir}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return Check{Name: "state_dir", Status: StatusWarn, Message: fmt.Sprintf("permissions %04o are wider than 0700", info.Mode().Perm()), Path: dir}
	}
	return Check{Name: "state_dir", Status: StatusPass, Message: "present", Path: dir}
}

func checkMasterKey(path string) Check {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Check{Name: "master_key", Status: StatusWarn, Message: "not created yet", Path: path}
		}
		return Check{Name: "master_key", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if _, err := credstore.ReadMasterKey(path); err != nil {
		return Check{Name: "master_key", Status: StatusFail, Message: err.Error(), Path: path}
	}
	if info.Mode().Perm() != 0o600 {
		return Check{Name: "master_key", Status: StatusFail, Message: fmt.Sprintf("permissions %04o, expected 0600", info.Mode().Perm()), Path: path}
	}
	return Check{Name: "master_key", Status: StatusPass, Message: "readable", Path: path}
}

func checkDatabase(ctx context.Context, path string) Check {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Check{Name: "database", Status: StatusWarn, Message: "not created yet", Path: path}
		}
		return Check{Name: "database", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	store, err := db.OpenReadOnly(ctx, path)
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}
	}
	defer store.Close() //nolint:errcheck

	version, err := db.SchemaVersion(ctx, store.DB())
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}
	}
	latest := db.LatestVersion()
	switch {
	case version < latest:
		return Check{Name: "database", Status: StatusWarn, Message: fmt.Sprintf("schema version %d, next login migrates to %d", version, latest), Path: path}
	case version > latest:
		return Check{Name: "database", Status: StatusFail, Message: fmt.Sprintf("schema version %d is newer than this binary (%d)", version, latest), Path: path}
	}
	installs, err := store.ListInstallations(ctx)
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}
	}
	return Check{Name: "database", Status: StatusPass, Message: fmt.Sprintf("schema version %d, %d profile(s)", version, len(installs)), Path: path}
}

// checkEndpoint passes on any HTTP response; only transport failures count.
func checkEndpoint(ctx context.Context, client *http.Client, timeout time.Duration, name, url string) Check {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("build request: %v", err), Path: url}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("unreachable: %v", err), Path: url}
	}
	resp.Body.Close() //nolint:errcheck
	return Check{Name: name, Status: StatusPass, Message: fmt.Sprintf("reachable (http %d)", resp.StatusCode), Path: url}
}
