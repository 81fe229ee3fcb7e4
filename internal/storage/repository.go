package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tesorero/internal/budget"
	"tesorero/internal/core"
	"tesorero/internal/ledger"

	_ "modernc.org/sqlite"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every query method works
// inside and outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepository persists the budget books in SQLite. All versioned writes
// are guarded UPDATEs (WHERE version = ?), so a lost race surfaces as a
// stale snapshot instead of a silent overwrite.
type SQLiteRepository struct {
	db *sql.DB
	*queries
}

var (
	_ budget.Store       = (*SQLiteRepository)(nil)
	_ budget.TxRunner    = (*SQLiteRepository)(nil)
	_ budget.ExportQueue = (*SQLiteRepository)(nil)
)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: &queries{db: db},
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// WithinTx runs fn with a store whose writes all land in one transaction.
func (r *SQLiteRepository) WithinTx(ctx context.Context, fn func(s budget.Store) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&txStore{queries: &queries{db: tx}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// txStore wraps transaction-bound queries; it intentionally does not expose
// WithinTx so nested transactions are impossible.
type txStore struct {
	*queries
}

var (
	_ budget.Store       = (*txStore)(nil)
	_ budget.ExportQueue = (*txStore)(nil)
)

type queries struct {
	db DBTX
}

const entryColumns = `id, kind, year, entry_datetime, particular_id, notes, is_archived, version,
	proposed_amount_centavos, actual_amount_centavos, serial_number, check_number, amount_centavos`

func (q *queries) GetEntry(ctx context.Context, id int64) (*core.LedgerEntry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get entry %d: %w", id, err)
	}
	return e, nil
}

func (q *queries) CreateEntry(ctx context.Context, e core.LedgerEntry) (int64, error) {
	when := e.Datetime
	if when.IsZero() {
		when = time.Now()
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (
			kind, year, entry_datetime, particular_id, notes, is_archived, version,
			proposed_amount_centavos, actual_amount_centavos, serial_number, check_number, amount_centavos
		) VALUES (?, ?, ?, ?, ?, 0, 1, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.Year, when, string(e.Particular), e.Notes,
		e.ProposedAmount.Centavos, e.ActualAmount.Centavos,
		e.SerialNumber, e.CheckNumber, e.Amount.Centavos)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("entry insert id: %w", err)
	}

	slog.InfoContext(ctx, "Ledger entry saved",
		"id", id,
		"kind", e.Kind,
		"year", e.Year,
		"particular_id", e.Particular)

	return id, nil
}

func (q *queries) UpdateEntry(ctx context.Context, e core.LedgerEntry) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE ledger_entries SET
			entry_datetime = ?, particular_id = ?, notes = ?,
			proposed_amount_centavos = ?, actual_amount_centavos = ?,
			serial_number = ?, check_number = ?, amount_centavos = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		e.Datetime, string(e.Particular), e.Notes,
		e.ProposedAmount.Centavos, e.ActualAmount.Centavos,
		e.SerialNumber, e.CheckNumber, e.Amount.Centavos,
		e.ID, e.Version)
	if err != nil {
		return fmt.Errorf("update entry %d: %w", e.ID, err)
	}
	return q.checkGuardedWrite(ctx, res, e.ID)
}

func (q *queries) SetArchived(ctx context.Context, id, version int64, archived bool) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE ledger_entries SET
			is_archived = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		archived, id, version)
	if err != nil {
		return fmt.Errorf("set archived on entry %d: %w", id, err)
	}
	return q.checkGuardedWrite(ctx, res, id)
}

func (q *queries) DeleteEntry(ctx context.Context, id, version int64) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM ledger_entries WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return fmt.Errorf("delete entry %d: %w", id, err)
	}
	return q.checkGuardedWrite(ctx, res, id)
}

// checkGuardedWrite distinguishes a missing row from a lost version race
// after a zero-row guarded UPDATE or DELETE.
func (q *queries) checkGuardedWrite(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check entry %d: %w", id, err)
	}
	if exists == 0 {
		return core.ErrEntryNotFound
	}
	return &core.StaleSnapshotError{Resource: "entry", Key: strconv.FormatInt(id, 10)}
}

func (q *queries) ListEntries(ctx context.Context, year int, kind core.EntryKind, includeArchived bool) ([]core.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE year = ?`
	args := []any{year}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if !includeArchived {
		query += ` AND is_archived = 0`
	}
	query += ` ORDER BY entry_datetime DESC, id DESC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (q *queries) GetParticular(ctx context.Context, year int, id core.ParticularID) (*core.Particular, error) {
	var p core.Particular
	err := q.db.QueryRowContext(ctx,
		`SELECT year, id, name, original_allocation_centavos, remaining_allocation_centavos, version
		FROM particulars WHERE year = ? AND id = ?`,
		year, string(id)).
		Scan(&p.Year, &p.ID, &p.Name,
			&p.OriginalAllocation.Centavos, &p.RemainingAllocation.Centavos, &p.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrParticularNotFound
		}
		return nil, fmt.Errorf("get particular %s: %w", id, err)
	}
	return &p, nil
}

func (q *queries) ListParticulars(ctx context.Context, year int) ([]core.Particular, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT year, id, name, original_allocation_centavos, remaining_allocation_centavos, version
		FROM particulars WHERE year = ? ORDER BY id`, year)
	if err != nil {
		return nil, fmt.Errorf("list particulars: %w", err)
	}
	defer rows.Close()

	var out []core.Particular
	for rows.Next() {
		var p core.Particular
		if err := rows.Scan(&p.Year, &p.ID, &p.Name,
			&p.OriginalAllocation.Centavos, &p.RemainingAllocation.Centavos, &p.Version); err != nil {
			return nil, fmt.Errorf("scan particular: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutParticular registers a budget line item and raises the year's ceiling
// and remaining balance by its original allocation.
func (q *queries) PutParticular(ctx context.Context, p core.Particular) error {
	if err := p.Validate(); err != nil {
		return core.NewValidationError(err)
	}

	var exists int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM particulars WHERE year = ? AND id = ?`,
		p.Year, string(p.ID)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check particular: %w", err)
	}
	if exists > 0 {
		return &core.ConflictError{State: "exists", Op: "put_particular"}
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO particulars (
			year, id, name, original_allocation_centavos, remaining_allocation_centavos, version
		) VALUES (?, ?, ?, ?, ?, 1)`,
		p.Year, string(p.ID), p.Name,
		p.OriginalAllocation.Centavos, p.OriginalAllocation.Centavos)
	if err != nil {
		return fmt.Errorf("insert particular: %w", err)
	}

	if err := q.ensurePeriod(ctx, p.Year); err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`UPDATE budget_periods SET
			ceiling_centavos = ceiling_centavos + ?,
			remaining_balance_centavos = remaining_balance_centavos + ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE year = ?`,
		p.OriginalAllocation.Centavos, p.OriginalAllocation.Centavos, p.Year)
	if err != nil {
		return fmt.Errorf("raise period ceiling: %w", err)
	}

	slog.InfoContext(ctx, "Particular registered",
		"year", p.Year,
		"particular_id", p.ID,
		"allocation_centavos", p.OriginalAllocation.Centavos)

	return nil
}

func (q *queries) ApplyAllocationDelta(ctx context.Context, d ledger.AllocationDelta, version int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE particulars SET
			remaining_allocation_centavos = remaining_allocation_centavos + ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE year = ? AND id = ? AND version = ?`,
		d.Remaining, d.Year, string(d.Particular), version)
	if err != nil {
		return fmt.Errorf("apply allocation delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM particulars WHERE year = ? AND id = ?`,
		d.Year, string(d.Particular)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check particular: %w", err)
	}
	if exists == 0 {
		return core.ErrParticularNotFound
	}
	return &core.StaleSnapshotError{Resource: "particular", Key: string(d.Particular)}
}

func (q *queries) GetPeriod(ctx context.Context, year int) (*core.BudgetPeriod, error) {
	if err := q.ensurePeriod(ctx, year); err != nil {
		return nil, err
	}
	var p core.BudgetPeriod
	err := q.db.QueryRowContext(ctx,
		`SELECT year, ceiling_centavos, total_income_centavos, total_expense_centavos,
			remaining_balance_centavos, version
		FROM budget_periods WHERE year = ?`, year).
		Scan(&p.Year, &p.Ceiling.Centavos, &p.TotalIncome.Centavos,
			&p.TotalExpense.Centavos, &p.RemainingBalance.Centavos, &p.Version)
	if err != nil {
		return nil, fmt.Errorf("get period %d: %w", year, err)
	}
	return &p, nil
}

func (q *queries) ensurePeriod(ctx context.Context, year int) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO budget_periods (year) VALUES (?) ON CONFLICT (year) DO NOTHING`, year)
	if err != nil {
		return fmt.Errorf("ensure period %d: %w", year, err)
	}
	return nil
}

func (q *queries) ApplyAggregateDelta(ctx context.Context, d ledger.AggregateDelta, version int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE budget_periods SET
			total_income_centavos = total_income_centavos + ?,
			total_expense_centavos = total_expense_centavos + ?,
			remaining_balance_centavos = remaining_balance_centavos + ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE year = ? AND version = ?`,
		d.Income, d.Expense, d.RemainingBalance, d.Year, version)
	if err != nil {
		return fmt.Errorf("apply aggregate delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM budget_periods WHERE year = ?`, d.Year).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check period: %w", err)
	}
	if exists == 0 {
		return core.ErrPeriodNotFound
	}
	return &core.StaleSnapshotError{Resource: "period", Key: strconv.Itoa(d.Year)}
}

func (q *queries) AppendAuditRecord(ctx context.Context, rec ledger.AuditRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO audit_records (
			id, year, entry_id, proposed_amount_centavos, actual_amount_centavos,
			return_amount_centavos, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Year, rec.EntryID,
		rec.ProposedAmount.Centavos, rec.ActualAmount.Centavos, rec.ReturnAmount.Centavos,
		created)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (q *queries) GetAuditRecord(ctx context.Context, id string) (*ledger.AuditRecord, error) {
	var rec ledger.AuditRecord
	err := q.db.QueryRowContext(ctx,
		`SELECT id, year, entry_id, proposed_amount_centavos, actual_amount_centavos,
			return_amount_centavos, created_at
		FROM audit_records WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Year, &rec.EntryID,
			&rec.ProposedAmount.Centavos, &rec.ActualAmount.Centavos, &rec.ReturnAmount.Centavos,
			&rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrEntryNotFound
		}
		return nil, fmt.Errorf("get audit record %s: %w", id, err)
	}
	return &rec, nil
}

func (q *queries) ListAuditRecords(ctx context.Context, year int) ([]ledger.AuditRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, year, entry_id, proposed_amount_centavos, actual_amount_centavos,
			return_amount_centavos, created_at
		FROM audit_records WHERE year = ? ORDER BY created_at, id`, year)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []ledger.AuditRecord
	for rows.Next() {
		var rec ledger.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Year, &rec.EntryID,
			&rec.ProposedAmount.Centavos, &rec.ActualAmount.Centavos, &rec.ReturnAmount.Centavos,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q *queries) EnqueueExport(ctx context.Context, auditID string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO export_outbox (audit_id, status) VALUES (?, 'pending')`, auditID)
	if err != nil {
		return fmt.Errorf("enqueue export: %w", err)
	}
	return nil
}

func (q *queries) DequeueExportBatch(ctx context.Context, limit int) ([]budget.ExportItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, audit_id, attempts FROM export_outbox
		WHERE status = 'pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue export batch: %w", err)
	}
	defer rows.Close()

	var out []budget.ExportItem
	for rows.Next() {
		var item budget.ExportItem
		if err := rows.Scan(&item.ID, &item.AuditID, &item.Attempts); err != nil {
			return nil, fmt.Errorf("scan export item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (q *queries) MarkExportComplete(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE export_outbox SET status = 'completed', completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark export complete: %w", err)
	}
	return nil
}

func (q *queries) MarkExportFailed(ctx context.Context, id int64, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE export_outbox SET status = 'failed', last_error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("mark export failed: %w", err)
	}
	return nil
}

func (q *queries) IncrementExportAttempt(ctx context.Context, id int64, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE export_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		reason, id)
	if err != nil {
		return fmt.Errorf("increment export attempt: %w", err)
	}
	return nil
}

func (q *queries) CleanupCompletedExports(ctx context.Context, before time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM export_outbox WHERE status = 'completed' AND completed_at < ?`, before)
	if err != nil {
		return fmt.Errorf("cleanup completed exports: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*core.LedgerEntry, error) {
	var e core.LedgerEntry
	err := row.Scan(&e.ID, &e.Kind, &e.Year, &e.Datetime, &e.Particular, &e.Notes,
		&e.IsArchived, &e.Version,
		&e.ProposedAmount.Centavos, &e.ActualAmount.Centavos,
		&e.SerialNumber, &e.CheckNumber, &e.Amount.Centavos)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
