package core

import (
	"strings"
	"time"
)

const (
	KindIncome  EntryKind = "income"
	KindExpense EntryKind = "expense"
)

type (
	EntryKind string

	// ParticularID identifies a budget line item within a year.
	ParticularID string

	Money struct {
		Centavos int64
	}

	// LedgerEntry is a single income or expense transaction.
	//
	// Expense entries carry a proposed amount and an optional realized
	// actual amount; income entries carry a single amount. Version is the
	// optimistic concurrency token maintained by the entry store.
	LedgerEntry struct {
		ID         int64
		Kind       EntryKind
		Year       int
		Datetime   time.Time
		Particular ParticularID
		Notes      string
		IsArchived bool
		Version    int64

		// Expense only.
		ProposedAmount Money
		ActualAmount   Money
		SerialNumber   string
		CheckNumber    string

		// Income only.
		Amount Money
	}

	// Particular is a named budget line item with its own allocation
	// ceiling for a year. Income particulars carry no allocation, only a
	// display label.
	Particular struct {
		Year                int
		ID                  ParticularID
		Name                string
		OriginalAllocation  Money
		RemainingAllocation Money
		Version             int64
	}

	// BudgetPeriod is the year-level aggregate. RemainingBalance always
	// equals the ceiling minus total active expense.
	BudgetPeriod struct {
		Year             int
		Ceiling          Money
		TotalIncome      Money
		TotalExpense     Money
		RemainingBalance Money
		Version          int64
	}
)

// EffectiveAmount returns the value that counts against budget and
// allocation: the actual amount when realized and nonzero, otherwise the
// proposed amount. Income entries always count their single amount.
func (e LedgerEntry) EffectiveAmount() Money {
	if e.Kind == KindIncome {
		return e.Amount
	}
	if e.ActualAmount.Centavos > 0 {
		return e.ActualAmount
	}
	return e.ProposedAmount
}

// ReturnAmount is the absolute variance between an expense's proposed and
// actual amounts, recorded for audit reporting.
func (e LedgerEntry) ReturnAmount() Money {
	if e.Kind != KindExpense {
		return Money{}
	}
	diff := e.ProposedAmount.Centavos - e.ActualAmount.Centavos
	if diff < 0 {
		diff = -diff
	}
	return Money{Centavos: diff}
}

func (e LedgerEntry) Validate() error {
	if e.Year < 1900 || e.Year > 9999 {
		return ErrInvalidYear
	}
	if strings.TrimSpace(string(e.Particular)) == "" {
		return ErrEmptyParticular
	}
	switch e.Kind {
	case KindExpense:
		if e.ProposedAmount.Centavos <= 0 {
			return ErrInvalidAmount
		}
		if e.ActualAmount.Centavos < 0 {
			return ErrInvalidAmount
		}
		if strings.TrimSpace(e.SerialNumber) == "" && strings.TrimSpace(e.CheckNumber) == "" {
			return ErrMissingReference
		}
	case KindIncome:
		if e.Amount.Centavos <= 0 {
			return ErrInvalidAmount
		}
	default:
		return ErrInvalidKind
	}
	if len(e.Notes) > 500 {
		return ErrNotesTooLong
	}
	return nil
}

func (p Particular) Validate() error {
	if p.Year < 1900 || p.Year > 9999 {
		return ErrInvalidYear
	}
	if strings.TrimSpace(string(p.ID)) == "" {
		return ErrEmptyParticular
	}
	if strings.TrimSpace(p.Name) == "" {
		return ErrEmptyParticularName
	}
	if p.OriginalAllocation.Centavos < 0 {
		return ErrInvalidAmount
	}
	return nil
}
