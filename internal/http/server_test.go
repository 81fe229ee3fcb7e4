package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tesorero/internal/budget/memory"
	"tesorero/internal/core"
	"tesorero/internal/services"
)

const testYear = 2026

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()

	svc := services.NewBudgetService(memory.New(), nil)
	srv := NewServer(":0", svc)

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ts, srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, raw
}

func decodeBody[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal response %s: %v", raw, err)
	}
	return v
}

func defineTestParticular(t *testing.T, baseURL string) {
	t.Helper()
	resp, raw := doJSON(t, http.MethodPost, baseURL+"/api/particulars", particularRequest{
		Year:               testYear,
		ID:                 "office-supplies",
		Name:               "Office Supplies",
		OriginalAllocation: "1000.00",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("define particular: status %d, body %s", resp.StatusCode, raw)
	}
}

func TestServerEntryLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	defineTestParticular(t, ts.URL)

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/entries", entryRequest{
		Kind:           "expense",
		Year:           testYear,
		Particular:     "office-supplies",
		Notes:          "bond paper",
		ProposedAmount: "200.00",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create entry: status %d, body %s", resp.StatusCode, raw)
	}
	created := decodeBody[entryResponse](t, raw)
	if created.ID == 0 {
		t.Fatal("created entry has no id")
	}
	if created.EffectiveAmount != "200.00" {
		t.Errorf("effective amount = %s, want 200.00", created.EffectiveAmount)
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/summary?year=%d", testYear), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary: status %d, body %s", resp.StatusCode, raw)
	}
	sum := decodeBody[summaryResponse](t, raw)
	if sum.TotalExpense != "200.00" {
		t.Errorf("total expense = %s, want 200.00", sum.TotalExpense)
	}
	if sum.RemainingBalance != "800.00" {
		t.Errorf("remaining balance = %s, want 800.00", sum.RemainingBalance)
	}

	resp, raw = doJSON(t, http.MethodPut, ts.URL+fmt.Sprintf("/api/entries/%d", created.ID), entryRequest{
		Kind:           "expense",
		Year:           testYear,
		Particular:     "office-supplies",
		ProposedAmount: "200.00",
		ActualAmount:   "150.00",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update entry: status %d, body %s", resp.StatusCode, raw)
	}
	updated := decodeBody[entryResponse](t, raw)
	if updated.EffectiveAmount != "150.00" {
		t.Errorf("effective amount after update = %s, want 150.00", updated.EffectiveAmount)
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/summary?year=%d", testYear), nil)
	sum = decodeBody[summaryResponse](t, raw)
	if sum.TotalExpense != "150.00" {
		t.Errorf("total expense after update = %s, want 150.00", sum.TotalExpense)
	}
	if sum.RemainingBalance != "850.00" {
		t.Errorf("remaining balance after update = %s, want 850.00", sum.RemainingBalance)
	}

	// Active entries refuse hard deletion.
	resp, raw = doJSON(t, http.MethodDelete, ts.URL+fmt.Sprintf("/api/entries/%d", created.ID), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete active entry: status %d, want 409, body %s", resp.StatusCode, raw)
	}

	resp, raw = doJSON(t, http.MethodPost, ts.URL+fmt.Sprintf("/api/entries/%d/archive", created.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive entry: status %d, body %s", resp.StatusCode, raw)
	}
	archived := decodeBody[entryResponse](t, raw)
	if !archived.IsArchived {
		t.Error("entry should be archived")
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/summary?year=%d", testYear), nil)
	sum = decodeBody[summaryResponse](t, raw)
	if sum.TotalExpense != "0.00" {
		t.Errorf("total expense after archive = %s, want 0.00", sum.TotalExpense)
	}

	resp, raw = doJSON(t, http.MethodPost, ts.URL+fmt.Sprintf("/api/entries/%d/restore", created.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore entry: status %d, body %s", resp.StatusCode, raw)
	}
	restored := decodeBody[entryResponse](t, raw)
	if restored.IsArchived {
		t.Error("entry should be active after restore")
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+fmt.Sprintf("/api/entries/%d/archive", created.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-archive entry: status %d", resp.StatusCode)
	}
	resp, raw = doJSON(t, http.MethodDelete, ts.URL+fmt.Sprintf("/api/entries/%d", created.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete archived entry: status %d, body %s", resp.StatusCode, raw)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+fmt.Sprintf("/api/entries/%d/archive", created.ID), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("archive deleted entry: status %d, want 404", resp.StatusCode)
	}
}

func TestServerValidationErrors(t *testing.T) {
	ts, _ := newTestServer(t)
	defineTestParticular(t, ts.URL)

	tests := []struct {
		name string
		req  entryRequest
	}{
		{
			name: "malformed amount",
			req: entryRequest{
				Kind: "expense", Year: testYear, Particular: "office-supplies",
				ProposedAmount: "12.3.4",
			},
		},
		{
			name: "unknown particular",
			req: entryRequest{
				Kind: "expense", Year: testYear, Particular: "no-such-line",
				ProposedAmount: "10.00",
			},
		},
		{
			name: "amount exceeds allocation",
			req: entryRequest{
				Kind: "expense", Year: testYear, Particular: "office-supplies",
				ProposedAmount: "5000.00",
			},
		},
		{
			name: "income without amount",
			req: entryRequest{
				Kind: "income", Year: testYear, Particular: "office-supplies",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/entries", tt.req)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status %d, want 422, body %s", resp.StatusCode, raw)
			}
			body := decodeBody[errorBody](t, raw)
			if body.Error.Code != "validation_failed" {
				t.Errorf("error code = %s, want validation_failed", body.Error.Code)
			}
		})
	}
}

func TestServerDuplicateParticularConflicts(t *testing.T) {
	ts, _ := newTestServer(t)
	defineTestParticular(t, ts.URL)

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/particulars", particularRequest{
		Year:               testYear,
		ID:                 "office-supplies",
		Name:               "Office Supplies Again",
		OriginalAllocation: "500.00",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate particular: status %d, want 409, body %s", resp.StatusCode, raw)
	}
}

func TestServerNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/api/entries/9999", entryRequest{
		Kind: "expense", Year: testYear, Particular: "office-supplies",
		ProposedAmount: "10.00",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("update missing entry: status %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/entries/9999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing entry: status %d, want 404", resp.StatusCode)
	}
}

func TestServerListEntriesFilters(t *testing.T) {
	ts, _ := newTestServer(t)
	defineTestParticular(t, ts.URL)

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/api/entries", entryRequest{
		Kind: "expense", Year: testYear, Particular: "office-supplies",
		ProposedAmount: "50.00",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create expense: status %d, body %s", resp.StatusCode, raw)
	}
	first := decodeBody[entryResponse](t, raw)

	resp, raw = doJSON(t, http.MethodPost, ts.URL+"/api/entries", entryRequest{
		Kind: "income", Year: testYear, Particular: "office-supplies",
		Amount: "300.00",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create income: status %d, body %s", resp.StatusCode, raw)
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/entries?year=%d", testYear), nil)
	all := decodeBody[[]entryResponse](t, raw)
	if len(all) != 2 {
		t.Fatalf("list all: got %d entries, want 2", len(all))
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/entries?year=%d&kind=income", testYear), nil)
	incomes := decodeBody[[]entryResponse](t, raw)
	if len(incomes) != 1 || incomes[0].Kind != string(core.KindIncome) {
		t.Fatalf("list income: got %+v", incomes)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+fmt.Sprintf("/api/entries/%d/archive", first.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive: status %d", resp.StatusCode)
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/entries?year=%d", testYear), nil)
	active := decodeBody[[]entryResponse](t, raw)
	if len(active) != 1 {
		t.Fatalf("list active: got %d entries, want 1", len(active))
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/entries?year=%d&include_archived=true", testYear), nil)
	withArchived := decodeBody[[]entryResponse](t, raw)
	if len(withArchived) != 2 {
		t.Fatalf("list with archived: got %d entries, want 2", len(withArchived))
	}
}

func TestServerSummaryCacheInvalidation(t *testing.T) {
	ts, srv := newTestServer(t)
	defineTestParticular(t, ts.URL)

	_, raw := doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/summary?year=%d", testYear), nil)
	before := decodeBody[summaryResponse](t, raw)
	if before.TotalExpense != "0.00" {
		t.Fatalf("initial total expense = %s, want 0.00", before.TotalExpense)
	}
	if _, found := srv.summaryCache.Get(srv.summaryCacheKey(testYear)); !found {
		t.Fatal("summary should be cached after first read")
	}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/entries", entryRequest{
		Kind: "expense", Year: testYear, Particular: "office-supplies",
		ProposedAmount: "75.00",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create entry: status %d", resp.StatusCode)
	}
	if _, found := srv.summaryCache.Get(srv.summaryCacheKey(testYear)); found {
		t.Fatal("summary cache should be invalidated by a write")
	}

	_, raw = doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/summary?year=%d", testYear), nil)
	after := decodeBody[summaryResponse](t, raw)
	if after.TotalExpense != "75.00" {
		t.Errorf("total expense after write = %s, want 75.00", after.TotalExpense)
	}
}

func TestServerAuditEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	defineTestParticular(t, ts.URL)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/entries", entryRequest{
		Kind: "expense", Year: testYear, Particular: "office-supplies",
		ProposedAmount: "100.00", ActualAmount: "80.00",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create entry: status %d", resp.StatusCode)
	}

	_, raw := doJSON(t, http.MethodGet, ts.URL+fmt.Sprintf("/api/audit?year=%d", testYear), nil)
	records := decodeBody[[]auditResponse](t, raw)
	if len(records) != 1 {
		t.Fatalf("got %d audit records, want 1", len(records))
	}
	if records[0].ReturnAmount != "20.00" {
		t.Errorf("return amount = %s, want 20.00", records[0].ReturnAmount)
	}
}

func TestServerSecurityHeadersAndHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK || string(raw) != "ok" {
		t.Fatalf("healthz: status %d, body %s", resp.StatusCode, raw)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}

	resp, raw = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if resp.StatusCode != http.StatusOK || string(raw) != "ready" {
		t.Fatalf("readyz: status %d, body %s", resp.StatusCode, raw)
	}
}
