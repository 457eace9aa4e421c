package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cwgate/gateway/internal/apikeys"
	"github.com/cwgate/gateway/internal/kv"
	"github.com/cwgate/gateway/internal/pool"
	"github.com/cwgate/gateway/internal/tasks"
)

// registerAdminRoutes mounts the operator surface on a chi sub-router,
// grounded on ashureev-shsh-labs's api.ContainerHandler.RegisterRoutes
// (one Route block per resource, JSON/Error response helpers) retargeted
// from container lifecycle to account/task/settings administration.
func (s *Server) registerAdminRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.handleListAccounts)
		r.Get("/{id}", s.handleGetAccount)
		r.Post("/{id}/disable", s.handleSetAccountDisabled(true))
		r.Post("/{id}/enable", s.handleSetAccountDisabled(false))
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", s.handleGetSettings)
		r.Put("/", s.handlePutSettings)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Get("/", s.handleListAPIKeys)
		r.Post("/", s.handleAddAPIKey)
		r.Delete("/{key}", s.handleRemoveAPIKey)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/register", s.handleStartRegisterTask)
		r.Post("/refresh", s.handleStartRefreshTask)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/cancel", s.handleCancelTask)
		r.Get("/current/{kind}", s.handleCurrentTask)
	})

	r.Get("/log", s.handleAdminLog)
	r.Get("/metrics", s.handleMetrics)
}

type accountSummary struct {
	AccountID    string `json:"account_id"`
	Disabled     bool   `json:"disabled"`
	Available    bool   `json:"available"`
	ErrorCount   int    `json:"error_count"`
	SessionUsage int    `json:"session_usage_count"`
	Conversations int   `json:"conversation_count"`
}

func toSummary(a *pool.Account) accountSummary {
	usage, conv, errs, available := a.Stats()
	return accountSummary{
		AccountID:     a.ID(),
		Disabled:      a.Disabled(),
		Available:     available,
		ErrorCount:    errs,
		SessionUsage:  usage,
		Conversations: conv,
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts := s.pool.All()
	out := make([]accountSummary, 0, len(accts))
	for _, a := range accts {
		out = append(out, toSummary(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := s.pool.Named(id)
	if !ok {
		writeError(w, http.StatusNotFound, "account-not-found", "unknown account: "+id)
		return
	}
	writeJSON(w, http.StatusOK, toSummary(a))
}

// handleSetAccountDisabled returns a handler bound to the admin-intent
// disabled value (true for /disable, false for /enable), persisting the
// whole account-record snapshot back to the store afterward.
func (s *Server) handleSetAccountDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		a, ok := s.pool.Named(id)
		if !ok {
			writeError(w, http.StatusNotFound, "account-not-found", "unknown account: "+id)
			return
		}
		a.SetDisabled(disabled)
		if err := s.persistAccounts(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "store-error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toSummary(a))
	}
}

func (s *Server) persistAccounts(ctx context.Context) error {
	accts := s.pool.All()
	records := make([]pool.Record, 0, len(accts))
	for _, a := range accts {
		records = append(records, a.Record())
	}
	doc, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, kv.KeyAccounts, doc)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), kv.KeySettings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store-error", err.Error())
		return
	}
	if doc == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "invalid JSON body")
		return
	}
	if err := s.store.Set(r.Context(), kv.KeySettings, raw); err != nil {
		writeError(w, http.StatusInternalServerError, "store-error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.apiKeys.List())
}

type addAPIKeyRequest struct {
	Key    string      `json:"key"`
	Mode   apikeys.Mode `json:"mode"`
	Remark string      `json:"remark,omitempty"`
}

func (s *Server) handleAddAPIKey(w http.ResponseWriter, r *http.Request) {
	var body addAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "invalid JSON body")
		return
	}
	key, err := s.apiKeys.Add(r.Context(), body.Key, body.Mode, body.Remark)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleRemoveAPIKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	removed, err := s.apiKeys.Remove(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store-error", err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "key-not-found", "unknown key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartRegisterTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Count <= 0 {
		body.Count = 1
	}
	placeholders := make([]string, body.Count)
	for i := range placeholders {
		placeholders[i] = "pending-register"
	}
	t := s.queue.Enqueue(tasks.KindRegister, placeholders)
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleStartRefreshTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountIDs []string `json:"account_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.AccountIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid-request", "account_ids is required")
		return
	}
	t := s.queue.Enqueue(tasks.KindRefresh, body.AccountIDs)
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task-not-found", "unknown task: "+id)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.queue.Cancel(id, "admin requested") {
		writeError(w, http.StatusNotFound, "task-not-found", "unknown or already-finished task: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleCurrentTask(w http.ResponseWriter, r *http.Request) {
	kind := tasks.Kind(chi.URLParam(r, "kind"))
	t, ok := s.queue.Current(kind)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdminLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Tail(500))
}

// statsPayload is the shared body behind /admin and /public stats surfaces.
type statsPayload struct {
	Accounts  int       `json:"accounts_total"`
	Available int       `json:"accounts_available"`
	Uptime    float64   `json:"uptime_seconds"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) computeStats() statsPayload {
	accts := s.pool.All()
	available := 0
	for _, a := range accts {
		if a.ShouldRetry() {
			available++
		}
	}
	return statsPayload{
		Accounts:  len(accts),
		Available: available,
		Uptime:    time.Since(s.startedAt).Seconds(),
		StartedAt: s.startedAt,
	}
}
