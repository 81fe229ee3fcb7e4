package services

import (
	"context"
	"errors"
	"testing"

	"tesorero/internal/budget"
	"tesorero/internal/budget/memory"
	"tesorero/internal/core"
	"tesorero/internal/ledger"
)

const year = 2026

func newTestService(t *testing.T) (*BudgetService, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := NewBudgetService(store, nil)
	mustDefine(t, svc, core.Particular{
		Year: year, ID: "office-supplies", Name: "Office Supplies",
		OriginalAllocation: core.Money{Centavos: 100000},
	})
	mustDefine(t, svc, core.Particular{
		Year: year, ID: "ra-7160-share", Name: "Internal Revenue Allotment",
	})
	return svc, store
}

func mustDefine(t *testing.T, svc *BudgetService, p core.Particular) {
	t.Helper()
	if err := svc.DefineParticular(context.Background(), p); err != nil {
		t.Fatalf("define particular %s: %v", p.ID, err)
	}
}

func newExpense(proposed, actual int64) core.LedgerEntry {
	return core.LedgerEntry{
		Kind:           core.KindExpense,
		Year:           year,
		Particular:     "office-supplies",
		ProposedAmount: core.Money{Centavos: proposed},
		ActualAmount:   core.Money{Centavos: actual},
		SerialNumber:   "SN-0001",
	}
}

func summary(t *testing.T, svc *BudgetService) core.YearSummary {
	t.Helper()
	sum, err := svc.YearSummary(context.Background(), year)
	if err != nil {
		t.Fatalf("year summary: %v", err)
	}
	return sum
}

func allocation(t *testing.T, sum core.YearSummary, id core.ParticularID) int64 {
	t.Helper()
	for _, p := range sum.Particulars {
		if p.ID == id {
			return p.RemainingAllocation.Centavos
		}
	}
	t.Fatalf("particular %s not in summary", id)
	return 0
}

func TestBudgetServiceLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.CreateEntry(ctx, newExpense(20000, 0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sum := summary(t, svc)
	if sum.TotalExpense.Centavos != 20000 || sum.RemainingBalance.Centavos != 80000 {
		t.Fatalf("after create: expense=%d balance=%d, want 20000/80000",
			sum.TotalExpense.Centavos, sum.RemainingBalance.Centavos)
	}
	if got := allocation(t, sum, "office-supplies"); got != 80000 {
		t.Fatalf("after create: allocation=%d, want 80000", got)
	}

	// Realize the actual amount: effective drops from 200 to 150 pesos.
	upd := newExpense(20000, 15000)
	upd.ID = id
	if err := svc.UpdateEntry(ctx, upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	sum = summary(t, svc)
	if sum.TotalExpense.Centavos != 15000 || allocation(t, sum, "office-supplies") != 85000 {
		t.Fatalf("after update: expense=%d allocation=%d, want 15000/85000",
			sum.TotalExpense.Centavos, allocation(t, sum, "office-supplies"))
	}

	if err := svc.ArchiveEntry(ctx, id); err != nil {
		t.Fatalf("archive: %v", err)
	}
	sum = summary(t, svc)
	if sum.TotalExpense.Centavos != 0 || sum.RemainingBalance.Centavos != 100000 {
		t.Fatalf("after archive: expense=%d balance=%d, want 0/100000",
			sum.TotalExpense.Centavos, sum.RemainingBalance.Centavos)
	}

	if err := svc.RestoreEntry(ctx, id); err != nil {
		t.Fatalf("restore: %v", err)
	}
	sum = summary(t, svc)
	if sum.TotalExpense.Centavos != 15000 {
		t.Fatalf("after restore: expense=%d, want 15000", sum.TotalExpense.Centavos)
	}

	// Delete is only permitted from the archived state.
	err = svc.DeleteEntry(ctx, id)
	var ce *core.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("delete active entry: expected ConflictError, got %v", err)
	}

	if err := svc.ArchiveEntry(ctx, id); err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if err := svc.DeleteEntry(ctx, id); err != nil {
		t.Fatalf("delete archived: %v", err)
	}

	sum = summary(t, svc)
	if sum.TotalExpense.Centavos != 0 || sum.RemainingBalance.Centavos != 100000 ||
		allocation(t, sum, "office-supplies") != 100000 {
		t.Fatalf("after delete: books not at baseline: %+v", sum)
	}

	if _, err := svc.GetEntry(ctx, id); !errors.Is(err, core.ErrEntryNotFound) {
		t.Fatalf("entry should be gone, got %v", err)
	}
}

func TestBudgetServiceIncome(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	e := core.LedgerEntry{
		Kind: core.KindIncome, Year: year, Particular: "ra-7160-share",
		Amount: core.Money{Centavos: 50000},
	}
	id, err := svc.CreateEntry(ctx, e)
	if err != nil {
		t.Fatalf("create income: %v", err)
	}

	upd := e
	upd.ID = id
	upd.Amount = core.Money{Centavos: 70000}
	if err := svc.UpdateEntry(ctx, upd); err != nil {
		t.Fatalf("update income: %v", err)
	}

	sum := summary(t, svc)
	if sum.TotalIncome.Centavos != 70000 {
		t.Fatalf("total income = %d, want 70000", sum.TotalIncome.Centavos)
	}
	if sum.TotalExpense.Centavos != 0 || sum.RemainingBalance.Centavos != 100000 {
		t.Fatalf("income must not touch expense/balance: %+v", sum)
	}
}

func TestBudgetServiceValidationWritesNothing(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	before := summary(t, svc)

	_, err := svc.CreateEntry(ctx, newExpense(120000, 0)) // exceeds allocation
	var ve *core.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance cause, got %v", err)
	}

	after := summary(t, svc)
	if before.RemainingBalance != after.RemainingBalance {
		t.Fatal("rejected create must not move the books")
	}
	audits, err := store.ListAuditRecords(ctx, year)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(audits) != 0 {
		t.Fatalf("rejected create must not append audit records, got %d", len(audits))
	}
}

func TestBudgetServiceAuditAndOutbox(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	id, err := svc.CreateEntry(ctx, newExpense(20000, 0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	upd := newExpense(20000, 15000)
	upd.ID = id
	if err := svc.UpdateEntry(ctx, upd); err != nil {
		t.Fatalf("update: %v", err)
	}

	audits, err := store.ListAuditRecords(ctx, year)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("audit records = %d, want 2 (create + update)", len(audits))
	}
	for _, rec := range audits {
		if rec.EntryID != id {
			t.Errorf("audit entry id = %d, want %d", rec.EntryID, id)
		}
	}

	pending, err := store.DequeueExportBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue exports: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending exports = %d, want 2", len(pending))
	}
}

// sagaStore hides the memory store's TxRunner so the service takes the
// compensating-saga path, and lets tests inject failures.
type sagaStore struct {
	budget.Store
	failCreate  int
	failAggOnce error
}

func newSagaStore() *sagaStore {
	return &sagaStore{Store: memory.New()}
}

func (s *sagaStore) CreateEntry(ctx context.Context, e core.LedgerEntry) (int64, error) {
	if s.failCreate > 0 {
		s.failCreate--
		return 0, errors.New("entry store unavailable")
	}
	return s.Store.CreateEntry(ctx, e)
}

func (s *sagaStore) ApplyAggregateDelta(ctx context.Context, d ledger.AggregateDelta, version int64) error {
	if s.failAggOnce != nil {
		err := s.failAggOnce
		s.failAggOnce = nil
		return err
	}
	return s.Store.ApplyAggregateDelta(ctx, d, version)
}

func TestBudgetServiceSagaCompensation(t *testing.T) {
	store := newSagaStore()
	svc := NewBudgetService(store, nil)
	mustDefine(t, svc, core.Particular{
		Year: year, ID: "office-supplies", Name: "Office Supplies",
		OriginalAllocation: core.Money{Centavos: 100000},
	})
	ctx := context.Background()

	store.failCreate = 1
	_, err := svc.CreateEntry(ctx, newExpense(20000, 0))
	var sf *core.StoreFailure
	if !errors.As(err, &sf) {
		t.Fatalf("expected StoreFailure, got %v", err)
	}
	if !sf.Compensated {
		t.Error("compensation should have been applied")
	}

	// The deltas applied before the failure must have been reversed.
	sum, err := svc.YearSummary(ctx, year)
	if err != nil {
		t.Fatalf("year summary: %v", err)
	}
	if sum.TotalExpense.Centavos != 0 || sum.RemainingBalance.Centavos != 100000 ||
		allocation(t, sum, "office-supplies") != 100000 {
		t.Fatalf("books not compensated: %+v", sum)
	}

	// A later attempt with a healthy store succeeds.
	if _, err := svc.CreateEntry(ctx, newExpense(20000, 0)); err != nil {
		t.Fatalf("create after recovery: %v", err)
	}
}

func TestBudgetServiceStaleSnapshotRetry(t *testing.T) {
	store := newSagaStore()
	svc := NewBudgetService(store, nil)
	mustDefine(t, svc, core.Particular{
		Year: year, ID: "office-supplies", Name: "Office Supplies",
		OriginalAllocation: core.Money{Centavos: 100000},
	})
	ctx := context.Background()

	store.failAggOnce = &core.StaleSnapshotError{Resource: "period", Key: "2026"}
	id, err := svc.CreateEntry(ctx, newExpense(20000, 0))
	if err != nil {
		t.Fatalf("create should succeed after stale retry: %v", err)
	}
	if id == 0 {
		t.Fatal("missing entry id")
	}

	sum, err := svc.YearSummary(ctx, year)
	if err != nil {
		t.Fatalf("year summary: %v", err)
	}
	if sum.TotalExpense.Centavos != 20000 || allocation(t, sum, "office-supplies") != 80000 {
		t.Fatalf("retry applied deltas twice or not at all: %+v", sum)
	}
}

type publishRecorder struct {
	calls []string
}

func (p *publishRecorder) PublishReconciled(_ context.Context, _ int64, _ int, op string, _ int64) error {
	p.calls = append(p.calls, op)
	return nil
}

func TestBudgetServicePublishesEvents(t *testing.T) {
	store := memory.New()
	rec := &publishRecorder{}
	svc := NewBudgetService(store, rec)
	mustDefine(t, svc, core.Particular{
		Year: year, ID: "office-supplies", Name: "Office Supplies",
		OriginalAllocation: core.Money{Centavos: 100000},
	})
	ctx := context.Background()

	id, err := svc.CreateEntry(ctx, newExpense(20000, 0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.ArchiveEntry(ctx, id); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if len(rec.calls) != 2 || rec.calls[0] != "create" || rec.calls[1] != "archive" {
		t.Fatalf("published ops = %v, want [create archive]", rec.calls)
	}
}
