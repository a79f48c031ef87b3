package testutil

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/relaykit/internal/credstore"
	"github.com/g960059/relaykit/internal/db"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "relaykit-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// MasterKey returns a fixed, valid 32-byte master key.
func MasterKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

// NewCredStore returns a sealed credential store for label backed by a temp
// database.
func NewCredStore(t *testing.T, label string) (*credstore.SQLite, context.Context) {
	t.Helper()
	store, ctx := NewStore(t)
	cs, err := credstore.NewSQLite(ctx, store, MasterKey(7), label, nil)
	if err != nil {
		t.Fatalf("new credstore: %v", err)
	}
	return cs, ctx
}
