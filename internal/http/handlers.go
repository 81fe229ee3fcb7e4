package http

import (
	"context"
	"net/http"
	"strings"

	"tesorero/internal/core"
)

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, core.NewValidationError(err))
		return
	}
	e, err := req.toEntry()
	if err != nil {
		writeError(w, r, err)
		return
	}

	id, err := s.svc.CreateEntry(r.Context(), e)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateSummary(e.Year)

	created, err := s.svc.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(*created))
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, core.NewValidationError(err))
		return
	}
	var req entryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, core.NewValidationError(err))
		return
	}
	e, err := req.toEntry()
	if err != nil {
		writeError(w, r, err)
		return
	}
	e.ID = id

	if err := s.svc.UpdateEntry(r.Context(), e); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateSummary(e.Year)

	updated, err := s.svc.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(*updated))
}

func (s *Server) handleArchiveEntry(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.svc.ArchiveEntry)
}

func (s *Server) handleRestoreEntry(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.svc.RestoreEntry)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, core.NewValidationError(err))
		return
	}
	old, err := s.svc.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteEntry(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateSummary(old.Year)
	writeJSON(w, http.StatusNoContent, nil)
}

// lifecycle covers archive and restore: both flip state on an existing
// entry and return its fresh representation.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) error) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, core.NewValidationError(err))
		return
	}
	old, err := s.svc.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := op(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateSummary(old.Year)

	fresh, err := s.svc.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(*fresh))
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	year := queryYear(r)
	kind := core.EntryKind(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind"))))
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	entries, err := s.svc.ListEntries(r.Context(), year, kind, includeArchived)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.yearSummary(r.Context(), queryYear(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(sum))
}

func (s *Server) handleListParticulars(w http.ResponseWriter, r *http.Request) {
	parts, err := s.svc.ListParticulars(r.Context(), queryYear(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]particularResponse, 0, len(parts))
	for _, p := range parts {
		out = append(out, toParticularResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDefineParticular(w http.ResponseWriter, r *http.Request) {
	var req particularRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, core.NewValidationError(err))
		return
	}
	p, err := req.toParticular()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.DefineParticular(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidateSummary(p.Year)

	stored, err := s.svc.ListParticulars(r.Context(), p.Year)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for _, sp := range stored {
		if sp.ID == p.ID {
			writeJSON(w, http.StatusCreated, toParticularResponse(sp))
			return
		}
	}
	writeJSON(w, http.StatusCreated, toParticularResponse(p))
}

func (s *Server) handleListAuditRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.ListAuditRecords(r.Context(), queryYear(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]auditResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toAuditResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}
