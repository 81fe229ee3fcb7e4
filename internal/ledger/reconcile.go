// Package ledger implements delta-based reconciliation of budget state.
//
// Every ledger mutation reduces to one rule: delta = newEffective −
// oldEffective, applied to the year aggregate and, for expenses, to the
// affected particular's remaining allocation. The engine is stateless; it
// computes deltas from snapshots and never touches a store.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"tesorero/internal/core"
)

type Op string

const (
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpArchive Op = "archive"
	OpRestore Op = "restore"
	OpDelete  Op = "delete"
)

var (
	ErrKindChanged = errors.New("entry kind cannot change on update")
	ErrYearChanged = errors.New("entry year cannot change on update")
)

type (
	// AggregateDelta is applied to a BudgetPeriod. All values are signed
	// centavos added to the corresponding totals.
	AggregateDelta struct {
		Year             int
		Income           int64
		Expense          int64
		RemainingBalance int64
	}

	// AllocationDelta is applied to one particular's remaining allocation.
	AllocationDelta struct {
		Year       int
		Particular core.ParticularID
		Remaining  int64
	}

	// AuditRecord is an append-only variance record, written when an
	// expense is created or its amounts change. Never reconciled against.
	AuditRecord struct {
		ID             string
		Year           int
		EntryID        int64
		ProposedAmount core.Money
		ActualAmount   core.Money
		ReturnAmount   core.Money
		CreatedAt      time.Time
	}

	// Result is the full set of writes one reconciliation requires. The
	// caller applies the deltas and the entry mutation together,
	// atomically or under saga compensation.
	Result struct {
		Op          Op
		Aggregate   AggregateDelta
		Allocations []AllocationDelta
		Audit       *AuditRecord
	}

	// AllocationView is the read snapshot the engine checks balances
	// against, keyed by particular ID for the subject year.
	AllocationView map[core.ParticularID]core.Particular
)

// IsZero reports whether applying the result would change nothing.
func (r Result) IsZero() bool {
	if r.Aggregate.Income != 0 || r.Aggregate.Expense != 0 || r.Aggregate.RemainingBalance != 0 {
		return false
	}
	for _, a := range r.Allocations {
		if a.Remaining != 0 {
			return false
		}
	}
	return true
}

// Inverse returns the compensating result: every delta negated, no audit.
func (r Result) Inverse() Result {
	inv := Result{
		Op: r.Op,
		Aggregate: AggregateDelta{
			Year:             r.Aggregate.Year,
			Income:           -r.Aggregate.Income,
			Expense:          -r.Aggregate.Expense,
			RemainingBalance: -r.Aggregate.RemainingBalance,
		},
	}
	for _, a := range r.Allocations {
		inv.Allocations = append(inv.Allocations, AllocationDelta{
			Year:       a.Year,
			Particular: a.Particular,
			Remaining:  -a.Remaining,
		})
	}
	return inv
}

// Reconcile computes the deltas for one operation on a ledger entry.
//
// oldEntry is the stored snapshot (nil for Create); newEntry carries the
// incoming values (nil for Archive/Restore/Delete). allocs must contain
// every particular the operation touches. Returns *core.ValidationError or
// *core.ConflictError without computing deltas when the operation is not
// permitted.
func Reconcile(op Op, oldEntry, newEntry *core.LedgerEntry, allocs AllocationView) (Result, error) {
	if err := checkState(op, oldEntry, newEntry); err != nil {
		return Result{}, err
	}

	subject := subjectEntry(op, oldEntry, newEntry)

	// Full field validation only where new values enter the ledger.
	if op == OpCreate || op == OpUpdate {
		if err := newEntry.Validate(); err != nil {
			return Result{}, core.NewValidationError(err)
		}
		if op == OpUpdate {
			if newEntry.Kind != oldEntry.Kind {
				return Result{}, core.NewValidationError(ErrKindChanged)
			}
			if newEntry.Year != oldEntry.Year {
				return Result{}, core.NewValidationError(ErrYearChanged)
			}
		}
	}

	oldEff, newEff := effectiveAmounts(op, oldEntry, newEntry)
	delta := newEff - oldEff

	res := Result{
		Op:        op,
		Aggregate: AggregateDelta{Year: subject.Year},
	}

	switch subject.Kind {
	case core.KindIncome:
		res.Aggregate.Income = delta
	case core.KindExpense:
		res.Aggregate.Expense = delta
		res.Aggregate.RemainingBalance = -delta
		res.Allocations = allocationDeltas(op, oldEntry, newEntry, subject, oldEff, newEff)
	default:
		return Result{}, core.NewValidationError(core.ErrInvalidKind)
	}

	if err := checkAllocations(res.Allocations, allocs); err != nil {
		return Result{}, err
	}

	if subject.Kind == core.KindExpense && (op == OpCreate || op == OpUpdate) {
		res.Audit = &AuditRecord{
			ID:             uuid.NewString(),
			Year:           subject.Year,
			EntryID:        subject.ID,
			ProposedAmount: subject.ProposedAmount,
			ActualAmount:   subject.ActualAmount,
			ReturnAmount:   subject.ReturnAmount(),
			CreatedAt:      time.Now().UTC(),
		}
	}

	return res, nil
}

// checkState enforces the entry lifecycle per operation.
func checkState(op Op, oldEntry, newEntry *core.LedgerEntry) error {
	switch op {
	case OpCreate:
		if newEntry == nil {
			return core.NewValidationError(core.ErrEntryNotFound)
		}
	case OpUpdate:
		if oldEntry == nil || newEntry == nil {
			return core.NewValidationError(core.ErrEntryNotFound)
		}
		if oldEntry.IsArchived {
			return &core.ConflictError{EntryID: oldEntry.ID, State: "archived", Op: string(op)}
		}
	case OpArchive:
		if oldEntry == nil {
			return core.NewValidationError(core.ErrEntryNotFound)
		}
		if oldEntry.IsArchived {
			return &core.ConflictError{EntryID: oldEntry.ID, State: "archived", Op: string(op)}
		}
	case OpRestore:
		if oldEntry == nil {
			return core.NewValidationError(core.ErrEntryNotFound)
		}
		if !oldEntry.IsArchived {
			return &core.ConflictError{EntryID: oldEntry.ID, State: "active", Op: string(op)}
		}
	case OpDelete:
		if oldEntry == nil {
			return core.NewValidationError(core.ErrEntryNotFound)
		}
		// Hard delete is only permitted from the archived state; the
		// archive step already returned the funds.
		if !oldEntry.IsArchived {
			return &core.ConflictError{EntryID: oldEntry.ID, State: "active", Op: string(op)}
		}
	default:
		return core.NewValidationError(errors.New("unknown operation"))
	}
	return nil
}

func subjectEntry(op Op, oldEntry, newEntry *core.LedgerEntry) *core.LedgerEntry {
	if op == OpCreate || op == OpUpdate {
		return newEntry
	}
	return oldEntry
}

// effectiveAmounts maps the operation to its (oldEffective, newEffective)
// pair in centavos.
func effectiveAmounts(op Op, oldEntry, newEntry *core.LedgerEntry) (int64, int64) {
	switch op {
	case OpCreate:
		return 0, newEntry.EffectiveAmount().Centavos
	case OpUpdate:
		return oldEntry.EffectiveAmount().Centavos, newEntry.EffectiveAmount().Centavos
	case OpArchive:
		return oldEntry.EffectiveAmount().Centavos, 0
	case OpRestore:
		return 0, oldEntry.EffectiveAmount().Centavos
	default: // OpDelete: already reconciled at archive time
		return 0, 0
	}
}

// allocationDeltas computes remaining-allocation changes for an expense.
// Reassigning a particular on update reverses the old particular in full
// and charges the new one in full, never a combined delta.
func allocationDeltas(op Op, oldEntry, newEntry, subject *core.LedgerEntry, oldEff, newEff int64) []AllocationDelta {
	if op == OpUpdate && oldEntry.Particular != newEntry.Particular {
		return []AllocationDelta{
			{Year: subject.Year, Particular: oldEntry.Particular, Remaining: oldEff},
			{Year: subject.Year, Particular: newEntry.Particular, Remaining: -newEff},
		}
	}
	delta := newEff - oldEff
	if delta == 0 && op == OpDelete {
		return nil
	}
	return []AllocationDelta{
		{Year: subject.Year, Particular: subject.Particular, Remaining: -delta},
	}
}

// checkAllocations rejects any delta that would drive a remaining
// allocation below zero, evaluated against the post-reversal value.
func checkAllocations(deltas []AllocationDelta, allocs AllocationView) error {
	for _, d := range deltas {
		p, ok := allocs[d.Particular]
		if !ok {
			return core.NewValidationError(core.ErrParticularNotFound)
		}
		if p.RemainingAllocation.Centavos+d.Remaining < 0 {
			return core.NewValidationError(core.ErrInsufficientBalance)
		}
	}
	return nil
}
