package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/g960059/relaykit/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenReadOnly opens an existing database for inspection. It never creates,
// migrates or chmods anything, and immutable=1 keeps SQLite from writing
// -wal or -shm files next to it.
func OpenReadOnly(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat db: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&immutable=1", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureInstallation returns the installation registered under label,
// creating it with a fresh id on first use.
func (s *Store) EnsureInstallation(ctx context.Context, label string) (model.Installation, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return model.Installation{}, fmt.Errorf("installation label is required")
	}
	inst, err := s.GetInstallationByLabel(ctx, label)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Installation{}, err
	}
	inst = model.Installation{
		InstallationID: uuid.NewString(),
		Label:          label,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO installations(installation_id, label, created_at)
VALUES (?, ?, ?)
ON CONFLICT(label) DO NOTHING
`, inst.InstallationID, inst.Label, ts(inst.CreatedAt))
	if err != nil {
		return model.Installation{}, fmt.Errorf("insert installation: %w", err)
	}
	// Re-read so a concurrent creator's row wins.
	return s.GetInstallationByLabel(ctx, label)
}

func (s *Store) GetInstallationByLabel(ctx context.Context, label string) (model.Installation, error) {
	var (
		inst      model.Installation
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT installation_id, label, created_at FROM installations WHERE label = ?
`, label).Scan(&inst.InstallationID, &inst.Label, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Installation{}, ErrNotFound
	}
	if err != nil {
		return model.Installation{}, fmt.Errorf("get installation: %w", err)
	}
	if inst.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Installation{}, fmt.Errorf("parse installation created_at: %w", err)
	}
	return inst, nil
}

func (s *Store) ListInstallations(ctx context.Context) ([]model.Installation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT installation_id, label, created_at FROM installations ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	out := make([]model.Installation, 0)
	for rows.Next() {
		var (
			inst      model.Installation
			createdAt string
		)
		if err := rows.Scan(&inst.InstallationID, &inst.Label, &createdAt); err != nil {
			return nil, fmt.Errorf("scan installation: %w", err)
		}
		if inst.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse installation created_at: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) UpsertCredential(ctx context.Context, cred model.SealedCredential) error {
	if strings.TrimSpace(cred.Key) == "" {
		return fmt.Errorf("credential key is required")
	}
	if len(cred.Sealed) == 0 {
		return fmt.Errorf("sealed value is required")
	}
	if cred.KeyVersion <= 0 {
		cred.KeyVersion = 1
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials(installation_id, cred_key, sealed, key_version, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(installation_id, cred_key) DO UPDATE SET
	sealed=excluded.sealed,
	key_version=excluded.key_version,
	updated_at=excluded.updated_at
`, cred.InstallationID, cred.Key, cred.Sealed, cred.KeyVersion, ts(cred.UpdatedAt))
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("upsert credential: unknown installation %s: %w", cred.InstallationID, ErrNotFound)
		}
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, installationID, key string) (model.SealedCredential, error) {
	cred := model.SealedCredential{InstallationID: installationID, Key: key}
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
SELECT sealed, key_version, updated_at FROM credentials WHERE installation_id = ? AND cred_key = ?
`, installationID, key).Scan(&cred.Sealed, &cred.KeyVersion, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SealedCredential{}, ErrNotFound
	}
	if err != nil {
		return model.SealedCredential{}, fmt.Errorf("get credential: %w", err)
	}
	if cred.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.SealedCredential{}, fmt.Errorf("parse credential updated_at: %w", err)
	}
	return cred, nil
}

func (s *Store) DeleteCredential(ctx context.Context, installationID, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE installation_id = ? AND cred_key = ?`, installationID, key); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *Store) DeleteCredentials(ctx context.Context, installationID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE installation_id = ?`, installationID)
	if err != nil {
		return 0, fmt.Errorf("delete credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete credentials rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) ListCredentialKeys(ctx context.Context, installationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cred_key FROM credentials WHERE installation_id = ? ORDER BY cred_key`, installationID)
	if err != nil {
		return nil, fmt.Errorf("list credential keys: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan credential key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "constraint failed: FOREIGN KEY")
}
