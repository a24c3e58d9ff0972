// Package dbtest opens throwaway SQLite databases for repository and service tests.
package dbtest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
)

// Open returns a file-backed SQLite database under t.TempDir(). A file is used
// instead of :memory: so every pooled connection sees the same data.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	db, err := database.Open(database.Config{
		Driver:   database.DriverSQLite,
		DSN:      path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		MaxConns: 4,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
