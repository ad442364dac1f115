package testfixtures

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/persistence/memory"
	"github.com/example/resource-allocator/internal/persistence/sqlite"
)

// StoreHarness wraps a persistence.Store opened for a single test.
type StoreHarness struct {
	Name  string
	Store persistence.Store

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *StoreHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewSQLiteHarness opens a migrated SQLite store in a temporary directory.
// The store is closed automatically when the test finishes.
func NewSQLiteHarness(tb testing.TB) *StoreHarness {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "allocator.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.OpenPath(context.Background(), path, logger)
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}

	harness := &StoreHarness{
		Name:  "sqlite",
		Store: store,
		cleanup: func() {
			_ = store.Close()
		},
	}
	tb.Cleanup(harness.Close)
	return harness
}

// NewMemoryHarness returns an empty in-memory store.
func NewMemoryHarness(tb testing.TB) *StoreHarness {
	tb.Helper()
	return &StoreHarness{Name: "memory", Store: memory.New()}
}

// StoreFactories lists every persistence backend so contract tests can run
// against each of them.
func StoreFactories() map[string]func(testing.TB) *StoreHarness {
	return map[string]func(testing.TB) *StoreHarness{
		"memory": NewMemoryHarness,
		"sqlite": NewSQLiteHarness,
	}
}
