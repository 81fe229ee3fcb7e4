package core

import (
	"errors"
	"testing"
	"time"
)

func validExpense() LedgerEntry {
	return LedgerEntry{
		Kind:           KindExpense,
		Year:           2026,
		Datetime:       time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Particular:     "office-supplies",
		ProposedAmount: Money{Centavos: 20000},
		SerialNumber:   "SN-0001",
	}
}

func TestEffectiveAmount(t *testing.T) {
	t.Run("expense without actual uses proposed", func(t *testing.T) {
		e := validExpense()
		if got := e.EffectiveAmount().Centavos; got != 20000 {
			t.Errorf("EffectiveAmount = %d, want 20000", got)
		}
	})

	t.Run("expense with actual uses actual", func(t *testing.T) {
		e := validExpense()
		e.ActualAmount = Money{Centavos: 15000}
		if got := e.EffectiveAmount().Centavos; got != 15000 {
			t.Errorf("EffectiveAmount = %d, want 15000", got)
		}
	})

	t.Run("income uses amount", func(t *testing.T) {
		e := LedgerEntry{Kind: KindIncome, Amount: Money{Centavos: 50000}}
		if got := e.EffectiveAmount().Centavos; got != 50000 {
			t.Errorf("EffectiveAmount = %d, want 50000", got)
		}
	})
}

func TestReturnAmount(t *testing.T) {
	e := validExpense()
	e.ActualAmount = Money{Centavos: 15000}
	if got := e.ReturnAmount().Centavos; got != 5000 {
		t.Errorf("ReturnAmount = %d, want 5000", got)
	}

	e.ActualAmount = Money{Centavos: 25000}
	if got := e.ReturnAmount().Centavos; got != 5000 {
		t.Errorf("ReturnAmount = %d, want 5000 (absolute)", got)
	}

	income := LedgerEntry{Kind: KindIncome, Amount: Money{Centavos: 100}}
	if got := income.ReturnAmount().Centavos; got != 0 {
		t.Errorf("ReturnAmount for income = %d, want 0", got)
	}
}

func TestLedgerEntryValidate(t *testing.T) {
	t.Run("valid expense", func(t *testing.T) {
		if err := validExpense().Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("check number alone suffices", func(t *testing.T) {
		e := validExpense()
		e.SerialNumber = ""
		e.CheckNumber = "CHK-42"
		if err := e.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("expense without reference", func(t *testing.T) {
		e := validExpense()
		e.SerialNumber = ""
		if err := e.Validate(); !errors.Is(err, ErrMissingReference) {
			t.Errorf("expected ErrMissingReference, got %v", err)
		}
	})

	t.Run("non-positive proposed amount", func(t *testing.T) {
		e := validExpense()
		e.ProposedAmount = Money{}
		if err := e.Validate(); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("negative actual amount", func(t *testing.T) {
		e := validExpense()
		e.ActualAmount = Money{Centavos: -1}
		if err := e.Validate(); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("valid income", func(t *testing.T) {
		e := LedgerEntry{Kind: KindIncome, Year: 2026, Particular: "ra-7160-share", Amount: Money{Centavos: 50000}}
		if err := e.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("income without amount", func(t *testing.T) {
		e := LedgerEntry{Kind: KindIncome, Year: 2026, Particular: "ra-7160-share"}
		if err := e.Validate(); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("missing particular", func(t *testing.T) {
		e := validExpense()
		e.Particular = "  "
		if err := e.Validate(); !errors.Is(err, ErrEmptyParticular) {
			t.Errorf("expected ErrEmptyParticular, got %v", err)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		e := validExpense()
		e.Kind = "transfer"
		if err := e.Validate(); !errors.Is(err, ErrInvalidKind) {
			t.Errorf("expected ErrInvalidKind, got %v", err)
		}
	})
}

func TestParticularValidate(t *testing.T) {
	p := Particular{Year: 2026, ID: "office-supplies", Name: "Office Supplies", OriginalAllocation: Money{Centavos: 100000}}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Name = ""
	if err := p.Validate(); !errors.Is(err, ErrEmptyParticularName) {
		t.Errorf("expected ErrEmptyParticularName, got %v", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("validation error unwraps cause", func(t *testing.T) {
		err := NewValidationError(ErrInsufficientBalance)
		if !errors.Is(err, ErrInsufficientBalance) {
			t.Error("ValidationError should unwrap to its cause")
		}
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Error("errors.As should match *ValidationError")
		}
	})

	t.Run("store failure unwraps cause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := &StoreFailure{Store: "allocation", Op: "apply_delta", Cause: cause}
		if !errors.Is(err, cause) {
			t.Error("StoreFailure should unwrap to its cause")
		}
	})
}
