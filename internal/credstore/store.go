// Package credstore persists tokens and account secrets for one installation.
//
// Reads never fail: a missing row, a storage error or a value that cannot be
// opened are all reported as absent (the last two are logged). Writes return
// their error so the caller can retry or abort.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g960059/relaykit/internal/db"
	"github.com/g960059/relaykit/internal/logging"
	"github.com/g960059/relaykit/internal/model"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
}

var ErrEmptyKey = errors.New("credential key is required")

// SQLite stores sealed values in the credentials table of a db.Store.
type SQLite struct {
	store        *db.Store
	installation model.Installation
	sealer       *sealer
	logger       *slog.Logger
	now          func() time.Time
	closeDB      bool
}

// NewSQLite binds an installation (created on first use) to store and derives
// its sealing key from masterKey.
func NewSQLite(ctx context.Context, store *db.Store, masterKey []byte, label string, logger *slog.Logger) (*SQLite, error) {
	if store == nil {
		return nil, fmt.Errorf("credstore: nil db store")
	}
	inst, err := store.EnsureInstallation(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	s, err := newSealer(masterKey, inst.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	return &SQLite{
		store:        store,
		installation: inst,
		sealer:       s,
		logger:       logging.OrDiscard(logger).With(slog.String("component", "credstore"), slog.String("installation", inst.Label)),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Open opens (and migrates) the database at dbPath, loads or creates the
// master key at keyPath and returns a store that owns the database handle.
func Open(ctx context.Context, dbPath, keyPath, label string, logger *slog.Logger) (*SQLite, error) {
	masterKey, err := LoadOrCreateMasterKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	store, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	s, err := NewSQLite(ctx, store, masterKey, label, logger)
	if err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	s.closeDB = true
	return s, nil
}

// Close releases the database when the store was created by Open.
func (s *SQLite) Close() error {
	if s == nil || !s.closeDB {
		return nil
	}
	return s.store.Close()
}

func (s *SQLite) Installation() model.Installation {
	return s.installation
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool) {
	if strings.TrimSpace(key) == "" {
		return "", false
	}
	row, err := s.store.GetCredential(ctx, s.installation.InstallationID, key)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("credential read failed", "key", key, "err", err)
		}
		return "", false
	}
	plain, err := s.sealer.open(key, row.Sealed, row.KeyVersion)
	if err != nil {
		s.logger.Warn("credential open failed", "key", key, "err", err)
		return "", false
	}
	return string(plain), true
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	sealed, err := s.sealer.seal(key, []byte(value))
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.store.UpsertCredential(ctx, model.SealedCredential{
		InstallationID: s.installation.InstallationID,
		Key:            key,
		Sealed:         sealed,
		KeyVersion:     currentKeyVersion,
		UpdatedAt:      s.now(),
	})
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	return s.store.DeleteCredential(ctx, s.installation.InstallationID, key)
}

func (s *SQLite) Clear(ctx context.Context) error {
	n, err := s.store.DeleteCredentials(ctx, s.installation.InstallationID)
	if err != nil {
		return err
	}
	s.logger.Debug("credentials cleared", "rows", n)
	return nil
}

func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	return s.store.ListCredentialKeys(ctx, s.installation.InstallationID)
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)
