// Package testutil provides testing utilities for notesync
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/config"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout that is
// cancelled when the test completes.
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t testing.TB, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// SQLiteConfig returns a store configuration pointing at a fresh database
// file in the test's temp directory.
func SQLiteConfig(t testing.TB) config.StoreConfig {
	return config.StoreConfig{
		Driver:       config.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "notes.db"),
		MaxOpenConns: 4,
	}
}

// NewStore opens and migrates a SQLite store that is closed when the test
// completes.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	return OpenStore(t, SQLiteConfig(t))
}

// OpenStore opens and migrates the store described by cfg.
func OpenStore(t testing.TB, cfg config.StoreConfig) *store.Store {
	t.Helper()
	ctx := TestContext(t)
	s, err := store.Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}
