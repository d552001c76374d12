package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/history"
	"github.com/ciadpi-tray/autosearch/internal/httputil"
	"github.com/ciadpi-tray/autosearch/internal/report"
	"github.com/ciadpi-tray/autosearch/internal/search"
)

const maxRequestBody = 64 << 10

// StartRequest is the body of POST /api/search/start. Both fields are
// optional.
type StartRequest struct {
	TrialBudget  int     `json:"trial_budget"`
	ProbeSeconds float64 `json:"probe_seconds"`
}

func (s *Server) handleSearchStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req StartRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.BadRequest(w, "invalid request: "+err.Error())
		return
	}
	if req.TrialBudget == 0 {
		req.TrialBudget = s.defaultBudget
	}
	if req.ProbeSeconds < 0 {
		httputil.BadRequest(w, search.ErrInvalidProbeDuration.Error())
		return
	}

	err := s.searcher.Start(s.baseCtx, search.Request{
		TrialBudget:   req.TrialBudget,
		ProbeDuration: time.Duration(req.ProbeSeconds * float64(time.Second)),
	})
	switch {
	case errors.Is(err, search.ErrSearchInProgress):
		httputil.Conflict(w, err.Error())
		return
	case errors.Is(err, search.ErrInvalidBudget), errors.Is(err, search.ErrInvalidProbeDuration):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		httputil.InternalServerError(w, err.Error())
		return
	}

	st := s.searcher.State()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":       "started",
		"session_id":   st.SessionID,
		"trial_budget": req.TrialBudget,
	})
}

func (s *Server) handleSearchStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	status := "idle"
	if s.searcher.State().Status == search.StatusSearching {
		status = "stopping"
	}
	s.searcher.Stop()
	httputil.WriteJSONOK(w, map[string]string{"status": status})
}

func (s *Server) handleSearchState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.searcher.State())
}

// HistoryResponse is the body of GET /api/history.
type HistoryResponse struct {
	Count   int              `json:"count"`
	Records []history.Record `json:"tests"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, err := parseLimit(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		recs := s.searcher.History(limit)
		if recs == nil {
			recs = []history.Record{}
		}
		httputil.WriteJSONOK(w, HistoryResponse{Count: len(recs), Records: recs})
	case http.MethodDelete:
		if err := s.history.Clear(); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"status": "cleared"})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleHistorySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, report.Summarize(s.history.Snapshot()))
}

func (s *Server) handleHistoryChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderChart(w, s.history.Snapshot().Records); err != nil {
		log.Errorf("chart: %v", err)
	}
}

func (s *Server) handleHistoryCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.DefaultExportName("", ".csv")))
	if err := report.WriteCSV(w, s.history.Snapshot().Records); err != nil {
		log.Errorf("csv export: %v", err)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.ServiceUnavailable(w, "trial archive not configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.archive.ListSessions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"sessions": nonNil(sessions)})
}

func (s *Server) handleSessionTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.ServiceUnavailable(w, "trial archive not configured")
		return
	}
	id := r.PathValue("id")
	trials, err := s.archive.SessionTrials(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if len(trials) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no trials for session "+id)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"session_id": id, "trials": trials})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.ServiceUnavailable(w, "trial archive not configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	stats, err := s.archive.CandidateStats(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"candidates": nonNil(stats)})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"version": s.version})
}

// parseLimit reads ?limit=N. Missing means no limit.
func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
