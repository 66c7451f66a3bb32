package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/store/sqlite"
	"github.com/xraph/vmledger/store/storetest"
)

func open(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "vmledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return open(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := open(t)
	defer s.Close()

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM vmledger_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(sqlite.Migrations) {
		t.Errorf("applied migrations: got %d, want %d", n, len(sqlite.Migrations))
	}
}
