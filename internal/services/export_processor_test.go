package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"tesorero/internal/budget/memory"
	"tesorero/internal/core"
	"tesorero/internal/ledger"
	"tesorero/internal/sheets"
	sheetsmem "tesorero/internal/sheets/memory"

	"github.com/google/uuid"
)

func seedAudit(t *testing.T, store *memory.Store) string {
	t.Helper()
	rec := ledger.AuditRecord{
		ID:             uuid.NewString(),
		Year:           year,
		EntryID:        42,
		ProposedAmount: core.Money{Centavos: 20000},
		ActualAmount:   core.Money{Centavos: 15000},
		ReturnAmount:   core.Money{Centavos: 5000},
		CreatedAt:      time.Now(),
	}
	ctx := context.Background()
	if err := store.AppendAuditRecord(ctx, rec); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	if err := store.EnqueueExport(ctx, rec.ID); err != nil {
		t.Fatalf("enqueue export: %v", err)
	}
	return rec.ID
}

func TestExportProcessorProcessBatch(t *testing.T) {
	store := memory.New()
	writer := sheetsmem.New()
	auditID := seedAudit(t, store)

	p := NewExportProcessor(store, store, writer, DefaultExportProcessorConfig())
	p.ProcessBatch(context.Background())

	rows := writer.Rows()
	if len(rows) != 1 {
		t.Fatalf("exported rows = %d, want 1", len(rows))
	}
	if rows[0].EntryID != 42 || rows[0].ReturnAmount.Centavos != 5000 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}

	// Completed items must not be dequeued again.
	pending, err := store.DequeueExportBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after export = %d, want 0 (audit %s)", len(pending), auditID)
	}
}

type errorWriter struct {
	err   error
	calls int
}

func (w *errorWriter) AppendVarianceRow(context.Context, sheets.VarianceRow) (string, error) {
	w.calls++
	return "", w.err
}

func TestExportProcessorRetriesThenFails(t *testing.T) {
	store := memory.New()
	writer := &errorWriter{err: errors.New("sheets unavailable")}
	seedAudit(t, store)

	cfg := DefaultExportProcessorConfig()
	cfg.MaxRetries = 2

	p := NewExportProcessor(store, store, writer, cfg)
	ctx := context.Background()

	// First attempt increments, second marks the item failed.
	p.ProcessBatch(ctx)
	pending, _ := store.DequeueExportBatch(ctx, 10)
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("after first failure: pending=%v", pending)
	}

	p.ProcessBatch(ctx)
	pending, _ = store.DequeueExportBatch(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("failed item still pending: %v", pending)
	}
	if writer.calls != 2 {
		t.Fatalf("writer calls = %d, want 2", writer.calls)
	}
}

func TestExportProcessorStartStop(t *testing.T) {
	store := memory.New()
	writer := sheetsmem.New()
	seedAudit(t, store)

	cfg := DefaultExportProcessorConfig()
	cfg.PollInterval = 10 * time.Millisecond

	p := NewExportProcessor(store, store, writer, cfg)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
	if !p.IsRunning() {
		t.Fatal("processor should report running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(writer.Rows()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(writer.Rows()) != 1 {
		t.Fatalf("startup batch not processed, rows=%d", len(writer.Rows()))
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.IsRunning() {
		t.Fatal("processor should report stopped")
	}
}
