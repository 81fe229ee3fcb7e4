package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tesorero/internal/core"
	"tesorero/internal/ledger"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses:
// validation 422, conflicts 409, missing rows 404, store failures 503.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	var (
		ve *core.ValidationError
		ce *core.ConflictError
		sf *core.StoreFailure
	)
	switch {
	case errors.As(err, &ve):
		status = http.StatusUnprocessableEntity
		code = "validation_failed"
	case errors.As(err, &ce):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, core.ErrEntryNotFound),
		errors.Is(err, core.ErrParticularNotFound),
		errors.Is(err, core.ErrPeriodNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.As(err, &sf):
		status = http.StatusServiceUnavailable
		code = "store_failure"
	}

	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

// entryResponse is the wire shape of a ledger entry. Amounts are peso
// strings matching the request format.
type entryResponse struct {
	ID         int64  `json:"id"`
	Kind       string `json:"kind"`
	Year       int    `json:"year"`
	Datetime   string `json:"datetime"`
	Particular string `json:"particular"`
	Notes      string `json:"notes,omitempty"`
	IsArchived bool   `json:"is_archived"`
	Version    int64  `json:"version"`

	ProposedAmount string `json:"proposed_amount,omitempty"`
	ActualAmount   string `json:"actual_amount,omitempty"`
	SerialNumber   string `json:"serial_number,omitempty"`
	CheckNumber    string `json:"check_number,omitempty"`

	Amount string `json:"amount,omitempty"`

	EffectiveAmount string `json:"effective_amount"`
}

func toEntryResponse(e core.LedgerEntry) entryResponse {
	resp := entryResponse{
		ID:              e.ID,
		Kind:            string(e.Kind),
		Year:            e.Year,
		Datetime:        e.Datetime.Format(time.RFC3339),
		Particular:      string(e.Particular),
		Notes:           e.Notes,
		IsArchived:      e.IsArchived,
		Version:         e.Version,
		EffectiveAmount: e.EffectiveAmount().String(),
	}
	if e.Kind == core.KindExpense {
		resp.ProposedAmount = e.ProposedAmount.String()
		resp.ActualAmount = e.ActualAmount.String()
		resp.SerialNumber = e.SerialNumber
		resp.CheckNumber = e.CheckNumber
	} else {
		resp.Amount = e.Amount.String()
	}
	return resp
}

type particularResponse struct {
	Year                int    `json:"year"`
	ID                  string `json:"id"`
	Name                string `json:"name"`
	OriginalAllocation  string `json:"original_allocation"`
	RemainingAllocation string `json:"remaining_allocation"`
}

func toParticularResponse(p core.Particular) particularResponse {
	return particularResponse{
		Year:                p.Year,
		ID:                  string(p.ID),
		Name:                p.Name,
		OriginalAllocation:  p.OriginalAllocation.String(),
		RemainingAllocation: p.RemainingAllocation.String(),
	}
}

type summaryResponse struct {
	Year             int                  `json:"year"`
	Ceiling          string               `json:"ceiling"`
	TotalIncome      string               `json:"total_income"`
	TotalExpense     string               `json:"total_expense"`
	RemainingBalance string               `json:"remaining_balance"`
	Particulars      []particularResponse `json:"particulars"`
}

func toSummaryResponse(sum core.YearSummary) summaryResponse {
	resp := summaryResponse{
		Year:             sum.Year,
		Ceiling:          sum.Ceiling.String(),
		TotalIncome:      sum.TotalIncome.String(),
		TotalExpense:     sum.TotalExpense.String(),
		RemainingBalance: sum.RemainingBalance.String(),
		Particulars:      []particularResponse{},
	}
	for _, p := range sum.Particulars {
		resp.Particulars = append(resp.Particulars, toParticularResponse(p))
	}
	return resp
}

type auditResponse struct {
	ID             string `json:"id"`
	Year           int    `json:"year"`
	EntryID        int64  `json:"entry_id"`
	ProposedAmount string `json:"proposed_amount"`
	ActualAmount   string `json:"actual_amount"`
	ReturnAmount   string `json:"return_amount"`
	CreatedAt      string `json:"created_at"`
}

func toAuditResponse(rec ledger.AuditRecord) auditResponse {
	return auditResponse{
		ID:             rec.ID,
		Year:           rec.Year,
		EntryID:        rec.EntryID,
		ProposedAmount: rec.ProposedAmount.String(),
		ActualAmount:   rec.ActualAmount.String(),
		ReturnAmount:   rec.ReturnAmount.String(),
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
	}
}
