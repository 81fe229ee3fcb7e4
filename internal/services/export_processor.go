package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tesorero/internal/budget"
	"tesorero/internal/sheets"
)

// ExportProcessorConfig holds configuration for the variance exporter.
type ExportProcessorConfig struct {
	// PollInterval is how often to check the outbox (default: 10s)
	PollInterval time.Duration

	// BatchSize is the max number of items to export per poll cycle (default: 10)
	BatchSize int

	// MaxRetries is the maximum attempts before marking an item failed (default: 3)
	MaxRetries int

	// CleanupInterval is how often to clean up completed items (default: 1h)
	CleanupInterval time.Duration

	// CleanupAge is how old completed items must be before cleanup (default: 24h)
	CleanupAge time.Duration
}

// DefaultExportProcessorConfig returns sensible defaults.
func DefaultExportProcessorConfig() ExportProcessorConfig {
	return ExportProcessorConfig{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		MaxRetries:      3,
		CleanupInterval: 1 * time.Hour,
		CleanupAge:      24 * time.Hour,
	}
}

// ExportProcessor drains the export outbox into the variance report sheet.
// Audit records themselves are append-only; the outbox only tracks which
// of them have been exported.
type ExportProcessor struct {
	queue  budget.ExportQueue
	audits budget.AuditLog
	writer sheets.ReportWriter
	config ExportProcessorConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewExportProcessor(queue budget.ExportQueue, audits budget.AuditLog, writer sheets.ReportWriter, config ExportProcessorConfig) *ExportProcessor {
	return &ExportProcessor{
		queue:  queue,
		audits: audits,
		writer: writer,
		config: config,
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *ExportProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("export processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)

	slog.InfoContext(ctx, "Export processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize)

	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *ExportProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		slog.InfoContext(ctx, "Export processor stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Export processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	return nil
}

// IsRunning returns whether the processor is currently running.
func (p *ExportProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *ExportProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(p.config.CleanupInterval)
	defer cleanupTicker.Stop()

	// Process immediately on startup.
	p.ProcessBatch(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			p.ProcessBatch(ctx)
		case <-cleanupTicker.C:
			p.cleanupCompleted(ctx)
		}
	}
}

// ProcessBatch exports a single batch of pending outbox items.
func (p *ExportProcessor) ProcessBatch(ctx context.Context) {
	items, err := p.queue.DequeueExportBatch(ctx, p.config.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to dequeue export batch", "error", err)
		return
	}

	if len(items) == 0 {
		return
	}

	slog.DebugContext(ctx, "Processing export batch", "count", len(items))

	for _, item := range items {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := p.exportItem(ctx, item); err != nil {
			p.handleFailure(ctx, item, err)
		} else {
			p.handleSuccess(ctx, item)
		}
	}
}

// exportItem writes one audit record as a variance row.
func (p *ExportProcessor) exportItem(ctx context.Context, item budget.ExportItem) error {
	rec, err := p.audits.GetAuditRecord(ctx, item.AuditID)
	if err != nil {
		return fmt.Errorf("get audit record %s: %w", item.AuditID, err)
	}

	ref, err := p.writer.AppendVarianceRow(ctx, sheets.VarianceRow{
		Year:           rec.Year,
		EntryID:        rec.EntryID,
		ProposedAmount: rec.ProposedAmount,
		ActualAmount:   rec.ActualAmount,
		ReturnAmount:   rec.ReturnAmount,
		RecordedAt:     rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("append variance row: %w", err)
	}

	slog.InfoContext(ctx, "Exported variance row",
		"audit_id", item.AuditID,
		"entry_id", rec.EntryID,
		"report_ref", ref)

	return nil
}

func (p *ExportProcessor) handleSuccess(ctx context.Context, item budget.ExportItem) {
	if err := p.queue.MarkExportComplete(ctx, item.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to mark export complete",
			"id", item.ID, "error", err)
	}
}

// handleFailure retries up to MaxRetries, then marks the item failed.
func (p *ExportProcessor) handleFailure(ctx context.Context, item budget.ExportItem, processErr error) {
	slog.WarnContext(ctx, "Export processing failed",
		"id", item.ID,
		"audit_id", item.AuditID,
		"attempt", item.Attempts+1,
		"error", processErr)

	if item.Attempts+1 >= int64(p.config.MaxRetries) {
		if err := p.queue.MarkExportFailed(ctx, item.ID, processErr.Error()); err != nil {
			slog.ErrorContext(ctx, "Failed to mark export as failed",
				"id", item.ID, "error", err)
		}
		slog.ErrorContext(ctx, "Export item failed permanently after max retries",
			"id", item.ID,
			"audit_id", item.AuditID,
			"attempts", item.Attempts+1)
	} else {
		if err := p.queue.IncrementExportAttempt(ctx, item.ID, processErr.Error()); err != nil {
			slog.ErrorContext(ctx, "Failed to increment export attempt",
				"id", item.ID, "error", err)
		}
	}
}

func (p *ExportProcessor) cleanupCompleted(ctx context.Context) {
	cutoff := time.Now().Add(-p.config.CleanupAge)
	if err := p.queue.CleanupCompletedExports(ctx, cutoff); err != nil {
		slog.ErrorContext(ctx, "Failed to cleanup completed exports", "error", err)
	}
}
