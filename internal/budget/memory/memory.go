// Package memory provides a mutex-guarded in-process implementation of the
// budget store ports, used by service tests and the "memory" data backend.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"tesorero/internal/budget"
	"tesorero/internal/core"
	"tesorero/internal/ledger"
)

type partKey struct {
	year int
	id   core.ParticularID
}

type Store struct {
	mu           sync.Mutex
	txMu         sync.Mutex
	nextID       int64
	nextExportID int64

	entries     map[int64]core.LedgerEntry
	particulars map[partKey]core.Particular
	periods     map[int]core.BudgetPeriod
	audits      []ledger.AuditRecord
	exports     []exportRow
}

var (
	_ budget.Store       = (*Store)(nil)
	_ budget.TxRunner    = (*Store)(nil)
	_ budget.ExportQueue = (*Store)(nil)
)

func New() *Store {
	return &Store{
		entries:     make(map[int64]core.LedgerEntry),
		particulars: make(map[partKey]core.Particular),
		periods:     make(map[int]core.BudgetPeriod),
	}
}

func (s *Store) GetEntry(_ context.Context, id int64) (*core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, core.ErrEntryNotFound
	}
	return &e, nil
}

func (s *Store) CreateEntry(_ context.Context, e core.LedgerEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	e.Version = 1
	s.entries[e.ID] = e
	return e.ID, nil
}

func (s *Store) UpdateEntry(_ context.Context, e core.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.ID]
	if !ok {
		return core.ErrEntryNotFound
	}
	if cur.Version != e.Version {
		return &core.StaleSnapshotError{Resource: "entry", Key: formatID(e.ID)}
	}
	e.Version = cur.Version + 1
	s.entries[e.ID] = e
	return nil
}

func (s *Store) SetArchived(_ context.Context, id, version int64, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[id]
	if !ok {
		return core.ErrEntryNotFound
	}
	if cur.Version != version {
		return &core.StaleSnapshotError{Resource: "entry", Key: formatID(id)}
	}
	cur.IsArchived = archived
	cur.Version++
	s.entries[id] = cur
	return nil
}

func (s *Store) DeleteEntry(_ context.Context, id, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[id]
	if !ok {
		return core.ErrEntryNotFound
	}
	if cur.Version != version {
		return &core.StaleSnapshotError{Resource: "entry", Key: formatID(id)}
	}
	delete(s.entries, id)
	return nil
}

func (s *Store) ListEntries(_ context.Context, year int, kind core.EntryKind, includeArchived bool) ([]core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LedgerEntry
	for _, e := range s.entries {
		if e.Year != year {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		if e.IsArchived && !includeArchived {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) GetParticular(_ context.Context, year int, id core.ParticularID) (*core.Particular, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.particulars[partKey{year, id}]
	if !ok {
		return nil, core.ErrParticularNotFound
	}
	return &p, nil
}

func (s *Store) ListParticulars(_ context.Context, year int) ([]core.Particular, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Particular
	for _, p := range s.particulars {
		if p.Year == year {
			out = append(out, p)
		}
	}
	return out, nil
}

// PutParticular registers a budget line item. New expense particulars raise
// the year's ceiling and remaining balance by their original allocation;
// this is the set-up path, not an engine mutation.
func (s *Store) PutParticular(_ context.Context, p core.Particular) error {
	if err := p.Validate(); err != nil {
		return core.NewValidationError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partKey{p.Year, p.ID}
	if _, exists := s.particulars[key]; exists {
		return &core.ConflictError{State: "exists", Op: "put_particular"}
	}
	p.RemainingAllocation = p.OriginalAllocation
	p.Version = 1
	s.particulars[key] = p

	period := s.periodLocked(p.Year)
	period.Ceiling = period.Ceiling.Add(p.OriginalAllocation.Centavos)
	period.RemainingBalance = period.RemainingBalance.Add(p.OriginalAllocation.Centavos)
	period.Version++
	s.periods[p.Year] = period
	return nil
}

func (s *Store) ApplyAllocationDelta(_ context.Context, d ledger.AllocationDelta, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partKey{d.Year, d.Particular}
	p, ok := s.particulars[key]
	if !ok {
		return core.ErrParticularNotFound
	}
	if p.Version != version {
		return &core.StaleSnapshotError{Resource: "particular", Key: string(d.Particular)}
	}
	p.RemainingAllocation = p.RemainingAllocation.Add(d.Remaining)
	p.Version++
	s.particulars[key] = p
	return nil
}

func (s *Store) GetPeriod(_ context.Context, year int) (*core.BudgetPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := s.periodLocked(year)
	s.periods[year] = period
	return &period, nil
}

func (s *Store) ApplyAggregateDelta(_ context.Context, d ledger.AggregateDelta, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	period, ok := s.periods[d.Year]
	if !ok {
		return core.ErrPeriodNotFound
	}
	if period.Version != version {
		return &core.StaleSnapshotError{Resource: "period", Key: formatID(int64(d.Year))}
	}
	period.TotalIncome = period.TotalIncome.Add(d.Income)
	period.TotalExpense = period.TotalExpense.Add(d.Expense)
	period.RemainingBalance = period.RemainingBalance.Add(d.RemainingBalance)
	period.Version++
	s.periods[d.Year] = period
	return nil
}

func (s *Store) AppendAuditRecord(_ context.Context, rec ledger.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

func (s *Store) GetAuditRecord(_ context.Context, id string) (*ledger.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.audits {
		if r.ID == id {
			rec := r
			return &rec, nil
		}
	}
	return nil, core.ErrEntryNotFound
}

func (s *Store) ListAuditRecords(_ context.Context, year int) ([]ledger.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.AuditRecord
	for _, r := range s.audits {
		if r.Year == year {
			out = append(out, r)
		}
	}
	return out, nil
}

type exportRow struct {
	budget.ExportItem
	status string // pending | completed | failed
	done   time.Time
}

func (s *Store) EnqueueExport(_ context.Context, auditID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExportID++
	s.exports = append(s.exports, exportRow{
		ExportItem: budget.ExportItem{ID: s.nextExportID, AuditID: auditID},
		status:     "pending",
	})
	return nil
}

func (s *Store) DequeueExportBatch(_ context.Context, limit int) ([]budget.ExportItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []budget.ExportItem
	for _, row := range s.exports {
		if row.status != "pending" {
			continue
		}
		out = append(out, row.ExportItem)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkExportComplete(_ context.Context, id int64) error {
	return s.setExportStatus(id, "completed", "")
}

func (s *Store) MarkExportFailed(_ context.Context, id int64, reason string) error {
	return s.setExportStatus(id, "failed", reason)
}

func (s *Store) IncrementExportAttempt(_ context.Context, id int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.exports {
		if s.exports[i].ID == id {
			s.exports[i].Attempts++
			return nil
		}
	}
	return core.ErrEntryNotFound
}

func (s *Store) CleanupCompletedExports(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.exports[:0]
	for _, row := range s.exports {
		if row.status == "completed" && row.done.Before(before) {
			continue
		}
		kept = append(kept, row)
	}
	s.exports = kept
	return nil
}

func (s *Store) setExportStatus(id int64, status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.exports {
		if s.exports[i].ID == id {
			s.exports[i].status = status
			s.exports[i].done = time.Now()
			return nil
		}
	}
	return core.ErrEntryNotFound
}

// WithinTx serializes transactions and rolls the whole store back to its
// pre-transaction state when fn fails.
func (s *Store) WithinTx(_ context.Context, fn func(store budget.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	nextID       int64
	nextExportID int64
	entries      map[int64]core.LedgerEntry
	particulars  map[partKey]core.Particular
	periods      map[int]core.BudgetPeriod
	audits       []ledger.AuditRecord
	exports      []exportRow
}

func (s *Store) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		nextID:       s.nextID,
		nextExportID: s.nextExportID,
		entries:      make(map[int64]core.LedgerEntry, len(s.entries)),
		particulars:  make(map[partKey]core.Particular, len(s.particulars)),
		periods:      make(map[int]core.BudgetPeriod, len(s.periods)),
		audits:       append([]ledger.AuditRecord(nil), s.audits...),
		exports:      append([]exportRow(nil), s.exports...),
	}
	for k, v := range s.entries {
		snap.entries[k] = v
	}
	for k, v := range s.particulars {
		snap.particulars[k] = v
	}
	for k, v := range s.periods {
		snap.periods[k] = v
	}
	return snap
}

func (s *Store) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = snap.nextID
	s.nextExportID = snap.nextExportID
	s.entries = snap.entries
	s.particulars = snap.particulars
	s.periods = snap.periods
	s.audits = snap.audits
	s.exports = snap.exports
}

func (s *Store) periodLocked(year int) core.BudgetPeriod {
	if p, ok := s.periods[year]; ok {
		return p
	}
	return core.BudgetPeriod{Year: year, Version: 1}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
