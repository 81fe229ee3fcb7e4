package sheets

import (
	"context"
	"time"

	"tesorero/internal/core"
)

// VarianceRow is one exported line of the treasurer's variance report:
// what was proposed, what was actually disbursed, and the return amount.
type VarianceRow struct {
	Year           int
	EntryID        int64
	ProposedAmount core.Money
	ActualAmount   core.Money
	ReturnAmount   core.Money
	RecordedAt     time.Time
}

// Ports for outbound report adapters.
type (
	ReportWriter interface {
		AppendVarianceRow(ctx context.Context, row VarianceRow) (rowRef string, err error)
	}
)
