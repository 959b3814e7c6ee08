package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pario-ai/conduit/pkg/aierr"
	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/orchestrator"
	"github.com/pario-ai/conduit/pkg/vector"
)

type submitBody struct {
	Operation models.Operation `json:"operation"`
	Payload   models.Payload   `json:"payload"`
	Params    models.Params    `json:"params,omitempty"`
	Priority  string           `json:"priority"`
	TenantID  string           `json:"tenant_id"`
	UserID    string           `json:"user_id"`
}

type requestStatus struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Result *models.Result `json:"result,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decode(w, r, &body) {
		return
	}
	prio, err := models.ParsePriority(body.Priority)
	if err != nil {
		writeErr(w, aierr.InvalidInput("%v", err))
		return
	}
	user := body.UserID
	if c, ok := claimsFrom(r.Context()); ok && c.UserID != "" {
		user = c.UserID
	}

	id, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		Operation: body.Operation,
		Payload:   body.Payload,
		Params:    body.Params,
		Priority:  prio,
		TenantID:  s.tenant(r, body.TenantID),
		UserID:    user,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, requestStatus{ID: id, Status: "pending"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.owns(r, id) {
		writeErr(w, orchestrator.ErrNotFound)
		return
	}

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeErr(w, aierr.InvalidInput("invalid wait %q", v))
			return
		}
		wait = min(d, maxWait)
	}

	var (
		res  models.Result
		done bool
		err  error
	)
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		res, err = s.orch.Await(ctx, id)
		timedOut := ctx.Err() != nil && errors.Is(err, ctx.Err())
		cancel()
		if r.Context().Err() != nil {
			return
		}
		done = !timedOut
	} else {
		res, done, err = s.orch.Poll(id)
	}

	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		writeErr(w, err)
	case !done:
		writeJSON(w, http.StatusAccepted, requestStatus{ID: id, Status: "pending"})
	case err != nil:
		writeErr(w, err)
	default:
		writeJSON(w, http.StatusOK, requestStatus{ID: id, Status: "done", Result: &res})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.owns(r, id) {
		writeErr(w, orchestrator.ErrNotFound)
		return
	}
	if !s.orch.Cancel(id) {
		writeError(w, http.StatusConflict, "conflict", "request already finished")
		return
	}
	writeJSON(w, http.StatusOK, requestStatus{ID: id, Status: "canceled"})
}

// owns reports whether id exists and the caller may see it.
func (s *Server) owns(r *http.Request, id string) bool {
	tenant, ok := s.orch.TenantOf(id)
	return ok && s.canSee(r, tenant)
}

type searchBody struct {
	orchestrator.SearchRequest
	TenantID string `json:"tenant_id"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if !decode(w, r, &body) {
		return
	}
	tenant := s.tenant(r, body.TenantID)
	if tenant == "" {
		writeErr(w, aierr.InvalidInput("tenant_id is required"))
		return
	}
	matches, err := s.orch.Search(r.Context(), tenant, body.SearchRequest)
	if err != nil {
		writeErr(w, err)
		return
	}
	if matches == nil {
		matches = []vector.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

type ingestBody struct {
	TenantID string        `json:"tenant_id"`
	Items    []vector.Item `json:"items"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body ingestBody
	if !decode(w, r, &body) {
		return
	}
	tenant := s.tenant(r, body.TenantID)
	if tenant == "" {
		writeErr(w, aierr.InvalidInput("tenant_id is required"))
		return
	}
	results, err := s.orch.Ingest(r.Context(), tenant, body.Items)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := s.orch.ListBudgets(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if budgets == nil {
		budgets = []models.Budget{}
	}
	writeJSON(w, http.StatusOK, budgets)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.orch.GetBudget(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCheckBudget(w http.ResponseWriter, r *http.Request) {
	p, err := models.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		writeErr(w, aierr.InvalidInput("%v", err))
		return
	}
	st, err := s.orch.CheckBudget(r.Context(), r.PathValue("tenant"), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LimitCents *int64 `json:"limit_cents"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.LimitCents == nil || *body.LimitCents < 0 {
		writeErr(w, aierr.InvalidInput("limit_cents must be a non-negative integer"))
		return
	}
	b, err := s.orch.SetBudget(r.Context(), r.PathValue("tenant"), *body.LimitCents)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pattern string `json:"pattern"`
	}
	if !decode(w, r, &body) {
		return
	}
	n, err := s.orch.InvalidateCache(r.Context(), body.Pattern)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"invalidated": n})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.CacheStats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetProviderHealth())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	indexed, pending := s.orch.VectorStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":           s.orch.QueueStats(),
		"vectors_indexed": indexed,
		"vectors_pending": pending,
	})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	sum, err := s.orch.SpendSummary(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if sum == nil {
		sum = []models.SpendSummary{}
	}
	writeJSON(w, http.StatusOK, sum)
}
