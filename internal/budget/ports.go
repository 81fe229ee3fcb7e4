package budget

import (
	"context"
	"time"

	"tesorero/internal/core"
	"tesorero/internal/ledger"
)

// Ports for the stores a reconciliation touches. Deltas are the only
// mutation path for allocations and aggregates; repeated delta application
// composes correctly as long as the store serializes per key.
type (
	EntryStore interface {
		GetEntry(ctx context.Context, id int64) (*core.LedgerEntry, error)
		CreateEntry(ctx context.Context, e core.LedgerEntry) (int64, error)
		// UpdateEntry replaces the mutable fields of the entry identified
		// by e.ID, guarded by e.Version.
		UpdateEntry(ctx context.Context, e core.LedgerEntry) error
		SetArchived(ctx context.Context, id, version int64, archived bool) error
		DeleteEntry(ctx context.Context, id, version int64) error
		ListEntries(ctx context.Context, year int, kind core.EntryKind, includeArchived bool) ([]core.LedgerEntry, error)
	}

	AllocationStore interface {
		GetParticular(ctx context.Context, year int, id core.ParticularID) (*core.Particular, error)
		ListParticulars(ctx context.Context, year int) ([]core.Particular, error)
		PutParticular(ctx context.Context, p core.Particular) error
		ApplyAllocationDelta(ctx context.Context, d ledger.AllocationDelta, version int64) error
	}

	AggregateStore interface {
		// GetPeriod creates the year's period row on first use.
		GetPeriod(ctx context.Context, year int) (*core.BudgetPeriod, error)
		ApplyAggregateDelta(ctx context.Context, d ledger.AggregateDelta, version int64) error
	}

	AuditLog interface {
		AppendAuditRecord(ctx context.Context, rec ledger.AuditRecord) error
		GetAuditRecord(ctx context.Context, id string) (*ledger.AuditRecord, error)
		ListAuditRecords(ctx context.Context, year int) ([]ledger.AuditRecord, error)
	}

	// Store bundles everything one backend provides.
	Store interface {
		EntryStore
		AllocationStore
		AggregateStore
		AuditLog
	}

	// TxRunner is implemented by backends that can commit one
	// reconciliation's writes atomically. fn receives a Store whose
	// writes all land in the same transaction.
	TxRunner interface {
		WithinTx(ctx context.Context, fn func(s Store) error) error
	}

	// ExportQueue is the outbox feeding the variance report exporter.
	ExportQueue interface {
		EnqueueExport(ctx context.Context, auditID string) error
		DequeueExportBatch(ctx context.Context, limit int) ([]ExportItem, error)
		MarkExportComplete(ctx context.Context, id int64) error
		MarkExportFailed(ctx context.Context, id int64, reason string) error
		IncrementExportAttempt(ctx context.Context, id int64, reason string) error
		CleanupCompletedExports(ctx context.Context, before time.Time) error
	}
)

// ExportItem is one pending outbox row.
type ExportItem struct {
	ID       int64
	AuditID  string
	Attempts int64
}
