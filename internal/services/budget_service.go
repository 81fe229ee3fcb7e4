package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"tesorero/internal/budget"
	"tesorero/internal/core"
	"tesorero/internal/ledger"
)

// EventPublisher publishes reconciliation events after a successful commit.
// Publishing is best-effort; a failure never fails the request.
type EventPublisher interface {
	PublishReconciled(ctx context.Context, entryID int64, year int, op string, deltaCentavos int64) error
}

// BudgetService is the application layer: it loads snapshots, invokes the
// reconciliation engine and commits the resulting writes: atomically when
// the store supports transactions, otherwise as a compensating saga.
//
// Writers for a given year are serialized through a per-year mutex so that
// concurrent edits never compute deltas from stale concurrently-read
// snapshots.
type BudgetService struct {
	store  budget.Store
	tx     budget.TxRunner    // nil when the store cannot commit atomically
	outbox budget.ExportQueue // nil when exports are disabled
	events EventPublisher

	// MaxRetries bounds re-reads after a stale snapshot.
	MaxRetries int

	mu        sync.Mutex
	yearLocks map[int]*sync.Mutex
}

func NewBudgetService(store budget.Store, events EventPublisher) *BudgetService {
	s := &BudgetService{
		store:      store,
		events:     events,
		MaxRetries: 3,
		yearLocks:  make(map[int]*sync.Mutex),
	}
	if tx, ok := store.(budget.TxRunner); ok {
		s.tx = tx
	}
	if q, ok := store.(budget.ExportQueue); ok {
		s.outbox = q
	}
	return s
}

// CreateEntry records a new ledger entry and reconciles the year's books.
func (s *BudgetService) CreateEntry(ctx context.Context, e core.LedgerEntry) (int64, error) {
	var id int64
	err := s.reconcileOp(ctx, e.Year, func(ctx context.Context) error {
		res, versions, err := s.plan(ctx, ledger.OpCreate, nil, &e)
		if err != nil {
			return err
		}
		return s.commit(ctx, res, versions, func(st budget.Store) error {
			newID, err := st.CreateEntry(ctx, e)
			if err != nil {
				return err
			}
			id = newID
			if res.Audit != nil {
				res.Audit.EntryID = newID
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	s.publish(ctx, id, e.Year, ledger.OpCreate, e.EffectiveAmount().Centavos)
	return id, nil
}

// UpdateEntry recomputes deltas against the stored entry's previous
// effective amount and previous particular, then commits the new values.
// Only active entries may be updated.
func (s *BudgetService) UpdateEntry(ctx context.Context, e core.LedgerEntry) error {
	old, err := s.store.GetEntry(ctx, e.ID)
	if err != nil {
		return err
	}
	var delta int64
	err = s.reconcileOp(ctx, old.Year, func(ctx context.Context) error {
		old, err := s.store.GetEntry(ctx, e.ID)
		if err != nil {
			return err
		}
		updated := e
		updated.Version = old.Version
		res, versions, err := s.plan(ctx, ledger.OpUpdate, old, &updated)
		if err != nil {
			return err
		}
		delta = res.Aggregate.Income + res.Aggregate.Expense
		return s.commit(ctx, res, versions, func(st budget.Store) error {
			return st.UpdateEntry(ctx, updated)
		})
	})
	if err != nil {
		return err
	}
	s.publish(ctx, e.ID, old.Year, ledger.OpUpdate, delta)
	return nil
}

// ArchiveEntry soft-removes an entry and returns its funds.
func (s *BudgetService) ArchiveEntry(ctx context.Context, id int64) error {
	return s.lifecycleOp(ctx, ledger.OpArchive, id)
}

// RestoreEntry reactivates an archived entry, re-consuming its funds.
func (s *BudgetService) RestoreEntry(ctx context.Context, id int64) error {
	return s.lifecycleOp(ctx, ledger.OpRestore, id)
}

// DeleteEntry hard-deletes an archived entry. Financially a no-op: the
// archive step already reversed the entry.
func (s *BudgetService) DeleteEntry(ctx context.Context, id int64) error {
	return s.lifecycleOp(ctx, ledger.OpDelete, id)
}

func (s *BudgetService) lifecycleOp(ctx context.Context, op ledger.Op, id int64) error {
	old, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	var delta int64
	err = s.reconcileOp(ctx, old.Year, func(ctx context.Context) error {
		old, err := s.store.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		res, versions, err := s.plan(ctx, op, old, nil)
		if err != nil {
			return err
		}
		delta = res.Aggregate.Income + res.Aggregate.Expense
		return s.commit(ctx, res, versions, func(st budget.Store) error {
			switch op {
			case ledger.OpArchive:
				return st.SetArchived(ctx, id, old.Version, true)
			case ledger.OpRestore:
				return st.SetArchived(ctx, id, old.Version, false)
			default:
				return st.DeleteEntry(ctx, id, old.Version)
			}
		})
	})
	if err != nil {
		return err
	}
	s.publish(ctx, id, old.Year, op, delta)
	return nil
}

// DefineParticular registers a budget line item for a year. This is the
// set-up path; it raises the year's ceiling outside the engine.
func (s *BudgetService) DefineParticular(ctx context.Context, p core.Particular) error {
	lock := s.yearLock(p.Year)
	lock.Lock()
	defer lock.Unlock()
	return s.store.PutParticular(ctx, p)
}

// YearSummary returns the aggregate totals and all particulars for a year.
func (s *BudgetService) YearSummary(ctx context.Context, year int) (core.YearSummary, error) {
	period, err := s.store.GetPeriod(ctx, year)
	if err != nil {
		return core.YearSummary{}, fmt.Errorf("get period: %w", err)
	}
	parts, err := s.store.ListParticulars(ctx, year)
	if err != nil {
		return core.YearSummary{}, fmt.Errorf("list particulars: %w", err)
	}
	return core.YearSummary{
		Year:             year,
		Ceiling:          period.Ceiling,
		TotalIncome:      period.TotalIncome,
		TotalExpense:     period.TotalExpense,
		RemainingBalance: period.RemainingBalance,
		Particulars:      parts,
	}, nil
}

func (s *BudgetService) GetEntry(ctx context.Context, id int64) (*core.LedgerEntry, error) {
	return s.store.GetEntry(ctx, id)
}

func (s *BudgetService) ListEntries(ctx context.Context, year int, kind core.EntryKind, includeArchived bool) ([]core.LedgerEntry, error) {
	return s.store.ListEntries(ctx, year, kind, includeArchived)
}

func (s *BudgetService) ListParticulars(ctx context.Context, year int) ([]core.Particular, error) {
	return s.store.ListParticulars(ctx, year)
}

func (s *BudgetService) ListAuditRecords(ctx context.Context, year int) ([]ledger.AuditRecord, error) {
	return s.store.ListAuditRecords(ctx, year)
}

// Close releases the underlying store when it owns resources.
func (s *BudgetService) Close() error {
	if closer, ok := s.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}

// reconcileOp serializes writers per year and retries the whole
// reconciliation on stale snapshots, up to MaxRetries.
func (s *BudgetService) reconcileOp(ctx context.Context, year int, attempt func(ctx context.Context) error) error {
	lock := s.yearLock(year)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for try := 0; try <= s.MaxRetries; try++ {
		lastErr = attempt(ctx)
		var stale *core.StaleSnapshotError
		if lastErr == nil || !errors.As(lastErr, &stale) {
			return lastErr
		}
		slog.WarnContext(ctx, "Stale snapshot, re-reading and retrying reconciliation",
			"year", year, "attempt", try+1, "error", lastErr)
	}
	return &core.StoreFailure{Store: "budget", Op: "reconcile", Compensated: true, Cause: lastErr}
}

// snapshotVersions pins the optimistic version of every row a commit
// writes, captured when the snapshots were read.
type snapshotVersions struct {
	period      int64
	particulars map[core.ParticularID]int64
}

// plan loads the current aggregate and affected allocations and runs the
// engine. Nothing is written.
func (s *BudgetService) plan(ctx context.Context, op ledger.Op, oldEntry, newEntry *core.LedgerEntry) (ledger.Result, snapshotVersions, error) {
	subject := newEntry
	if subject == nil {
		subject = oldEntry
	}
	if subject == nil {
		return ledger.Result{}, snapshotVersions{}, core.NewValidationError(core.ErrEntryNotFound)
	}

	period, err := s.store.GetPeriod(ctx, subject.Year)
	if err != nil {
		return ledger.Result{}, snapshotVersions{}, fmt.Errorf("get period: %w", err)
	}

	versions := snapshotVersions{
		period:      period.Version,
		particulars: make(map[core.ParticularID]int64),
	}

	view := ledger.AllocationView{}
	for _, pid := range touchedParticulars(oldEntry, newEntry) {
		p, err := s.store.GetParticular(ctx, subject.Year, pid)
		if err != nil {
			if errors.Is(err, core.ErrParticularNotFound) {
				return ledger.Result{}, snapshotVersions{}, core.NewValidationError(err)
			}
			return ledger.Result{}, snapshotVersions{}, fmt.Errorf("get particular %s: %w", pid, err)
		}
		view[p.ID] = *p
		versions.particulars[p.ID] = p.Version
	}

	res, err := ledger.Reconcile(op, oldEntry, newEntry, view)
	if err != nil {
		return ledger.Result{}, snapshotVersions{}, err
	}
	return res, versions, nil
}

// commit applies the engine result plus the entry mutation. With a
// transactional store everything lands atomically; otherwise the deltas go
// first (they are reversible) and a failed entry mutation triggers inverse
// deltas as compensation.
func (s *BudgetService) commit(ctx context.Context, res ledger.Result, versions snapshotVersions, mutate func(budget.Store) error) error {
	if s.tx != nil {
		return s.tx.WithinTx(ctx, func(st budget.Store) error {
			if err := s.applyDeltas(ctx, st, res, versions); err != nil {
				return err
			}
			if err := mutate(st); err != nil {
				return err
			}
			return s.recordAudit(ctx, st, res)
		})
	}
	return s.commitSaga(ctx, res, versions, mutate)
}

func (s *BudgetService) commitSaga(ctx context.Context, res ledger.Result, versions snapshotVersions, mutate func(budget.Store) error) error {
	var applied []ledger.AllocationDelta
	aggregateApplied := false

	compensate := func() bool {
		ok := true
		for _, d := range applied {
			inv := ledger.AllocationDelta{Year: d.Year, Particular: d.Particular, Remaining: -d.Remaining}
			// Version moved forward when the delta landed.
			if err := s.store.ApplyAllocationDelta(ctx, inv, versions.particulars[d.Particular]+1); err != nil {
				slog.ErrorContext(ctx, "Compensation failed for allocation delta",
					"particular", d.Particular, "error", err)
				ok = false
			}
		}
		if aggregateApplied {
			inv := res.Inverse().Aggregate
			if err := s.store.ApplyAggregateDelta(ctx, inv, versions.period+1); err != nil {
				slog.ErrorContext(ctx, "Compensation failed for aggregate delta",
					"year", res.Aggregate.Year, "error", err)
				ok = false
			}
		}
		return ok
	}

	for _, d := range res.Allocations {
		if d.Remaining == 0 {
			continue
		}
		if err := s.store.ApplyAllocationDelta(ctx, d, versions.particulars[d.Particular]); err != nil {
			var stale *core.StaleSnapshotError
			if errors.As(err, &stale) {
				compensate()
				return err
			}
			compensated := compensate()
			return &core.StoreFailure{Store: "allocation", Op: "apply_delta", Compensated: compensated, Cause: err}
		}
		applied = append(applied, d)
	}

	if !res.IsZero() {
		if err := s.store.ApplyAggregateDelta(ctx, res.Aggregate, versions.period); err != nil {
			var stale *core.StaleSnapshotError
			if errors.As(err, &stale) {
				compensate()
				return err
			}
			compensated := compensate()
			return &core.StoreFailure{Store: "aggregate", Op: "apply_delta", Compensated: compensated, Cause: err}
		}
		aggregateApplied = true
	}

	if err := mutate(s.store); err != nil {
		var stale *core.StaleSnapshotError
		if errors.As(err, &stale) {
			compensate()
			return err
		}
		compensated := compensate()
		return &core.StoreFailure{Store: "entry", Op: "mutate", Compensated: compensated, Cause: err}
	}

	// The books are consistent at this point; audit append failures are
	// logged, not compensated.
	if err := s.recordAudit(ctx, s.store, res); err != nil {
		slog.ErrorContext(ctx, "Failed to append audit record",
			"year", res.Aggregate.Year, "error", err)
	}
	return nil
}

func (s *BudgetService) applyDeltas(ctx context.Context, st budget.Store, res ledger.Result, versions snapshotVersions) error {
	for _, d := range res.Allocations {
		if d.Remaining == 0 {
			continue
		}
		if err := st.ApplyAllocationDelta(ctx, d, versions.particulars[d.Particular]); err != nil {
			return err
		}
	}
	if res.IsZero() {
		return nil
	}
	return st.ApplyAggregateDelta(ctx, res.Aggregate, versions.period)
}

func (s *BudgetService) recordAudit(ctx context.Context, st budget.Store, res ledger.Result) error {
	if res.Audit == nil {
		return nil
	}
	if err := st.AppendAuditRecord(ctx, *res.Audit); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	if q, ok := st.(budget.ExportQueue); ok {
		if err := q.EnqueueExport(ctx, res.Audit.ID); err != nil {
			return fmt.Errorf("enqueue export: %w", err)
		}
	}
	return nil
}

func (s *BudgetService) publish(ctx context.Context, entryID int64, year int, op ledger.Op, delta int64) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishReconciled(ctx, entryID, year, string(op), delta); err != nil {
		slog.ErrorContext(ctx, "Failed to publish reconciliation event",
			"entry_id", entryID, "year", year, "op", op, "error", err)
		// Don't fail the request; the books are already committed.
	}
}

func (s *BudgetService) yearLock(year int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.yearLocks[year]
	if !ok {
		lock = &sync.Mutex{}
		s.yearLocks[year] = lock
	}
	return lock
}

func touchedParticulars(oldEntry, newEntry *core.LedgerEntry) []core.ParticularID {
	seen := map[core.ParticularID]bool{}
	var out []core.ParticularID
	for _, e := range []*core.LedgerEntry{oldEntry, newEntry} {
		if e == nil || e.Particular == "" {
			continue
		}
		if !seen[e.Particular] {
			seen[e.Particular] = true
			out = append(out, e.Particular)
		}
	}
	return out
}
