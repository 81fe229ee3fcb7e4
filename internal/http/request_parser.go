package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tesorero/internal/core"
)

const maxBodyBytes = 1 << 20

// decodeJSON parses a JSON request body into dst with a size cap.
func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// pathID extracts the {id} path segment as an entry ID.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entry id %q", raw)
	}
	return id, nil
}

// queryYear extracts the year query parameter, defaulting to the current year.
func queryYear(r *http.Request) int {
	if v := strings.TrimSpace(r.URL.Query().Get("year")); v != "" {
		if y, err := strconv.Atoi(v); err == nil {
			return y
		}
	}
	return time.Now().Year()
}

// entryRequest is the wire shape for creating and updating ledger entries.
// Amounts are peso strings ("1250.50") to keep centavo precision exact.
type entryRequest struct {
	Kind       string `json:"kind"`
	Year       int    `json:"year"`
	Datetime   string `json:"datetime,omitempty"`
	Particular string `json:"particular"`
	Notes      string `json:"notes,omitempty"`

	ProposedAmount string `json:"proposed_amount,omitempty"`
	ActualAmount   string `json:"actual_amount,omitempty"`
	SerialNumber   string `json:"serial_number,omitempty"`
	CheckNumber    string `json:"check_number,omitempty"`

	Amount string `json:"amount,omitempty"`
}

func (req entryRequest) toEntry() (core.LedgerEntry, error) {
	e := core.LedgerEntry{
		Kind:         core.EntryKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Year:         req.Year,
		Particular:   core.ParticularID(sanitizeInput(req.Particular)),
		Notes:        sanitizeInput(req.Notes),
		SerialNumber: sanitizeInput(req.SerialNumber),
		CheckNumber:  sanitizeInput(req.CheckNumber),
	}

	if v := strings.TrimSpace(req.Datetime); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return core.LedgerEntry{}, core.NewValidationError(fmt.Errorf("invalid datetime %q: %w", v, err))
		}
		e.Datetime = t
	}

	var err error
	if e.ProposedAmount, err = parseOptionalAmount(req.ProposedAmount); err != nil {
		return core.LedgerEntry{}, err
	}
	if e.ActualAmount, err = parseOptionalAmount(req.ActualAmount); err != nil {
		return core.LedgerEntry{}, err
	}
	if e.Amount, err = parseOptionalAmount(req.Amount); err != nil {
		return core.LedgerEntry{}, err
	}

	return e, nil
}

func parseOptionalAmount(s string) (core.Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return core.Money{}, nil
	}
	centavos, err := core.ParsePesosToCentavos(s)
	if err != nil {
		return core.Money{}, core.NewValidationError(fmt.Errorf("invalid amount %q: %w", s, err))
	}
	return core.Money{Centavos: centavos}, nil
}

// particularRequest is the wire shape for registering a budget line item.
type particularRequest struct {
	Year               int    `json:"year"`
	ID                 string `json:"id"`
	Name               string `json:"name"`
	OriginalAllocation string `json:"original_allocation,omitempty"`
}

func (req particularRequest) toParticular() (core.Particular, error) {
	alloc, err := parseOptionalAmount(req.OriginalAllocation)
	if err != nil {
		return core.Particular{}, err
	}
	return core.Particular{
		Year:               req.Year,
		ID:                 core.ParticularID(sanitizeInput(req.ID)),
		Name:               sanitizeInput(req.Name),
		OriginalAllocation: alloc,
	}, nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
