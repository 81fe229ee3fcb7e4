// Package backend selects and wires the ledger's storage backend.
package backend

import (
	"fmt"
	"log/slog"

	"tesorero/internal/budget"
	"tesorero/internal/budget/memory"
	"tesorero/internal/config"
	"tesorero/internal/storage"
)

type Type string

const (
	MemoryBackend Type = "memory"
	SQLiteBackend Type = "sqlite"
)

func (t Type) IsValid() bool {
	switch t {
	case MemoryBackend, SQLiteBackend:
		return true
	default:
		return false
	}
}

// Result bundles the opened store with its cleanup.
type Result struct {
	Store   budget.Store
	Cleanup func() error
}

// Open creates the store named by cfg.DataBackend. The SQLite backend runs
// migrations on open; the memory backend is for tests and local trials.
func Open(cfg *config.Config) (*Result, error) {
	backendType := Type(cfg.DataBackend)
	if !backendType.IsValid() {
		return nil, fmt.Errorf("invalid data backend %q", cfg.DataBackend)
	}

	switch backendType {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite repository: %w", err)
		}
		slog.Info("Initialized SQLite backend", "db_path", cfg.SQLiteDBPath)
		return &Result{Store: repo, Cleanup: repo.Close}, nil

	default:
		slog.Info("Initialized memory backend")
		return &Result{Store: memory.New(), Cleanup: func() error { return nil }}, nil
	}
}
