package httpapi

import (
	"net/http"

	"github.com/cwgate/gateway/internal/tasks"
)

// registerPublicRoutes mounts the unauthenticated status surface
// (spec.md §6: /public/stats, /public/log, /public/uptime, /public/display)
// on the flat mux alongside /v1/*.
func (s *Server) registerPublicRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /public/stats", s.handlePublicStats)
	mux.HandleFunc("GET /public/log", s.handlePublicLog)
	mux.HandleFunc("GET /public/uptime", s.handlePublicUptime)
	mux.HandleFunc("GET /public/display", s.handlePublicDisplay)
}

func (s *Server) handlePublicStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.computeStats())
}

func (s *Server) handlePublicLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Tail(100))
}

func (s *Server) handlePublicUptime(w http.ResponseWriter, r *http.Request) {
	stats := s.computeStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": stats.Uptime,
		"started_at":     stats.StartedAt,
	})
}

// handlePublicDisplay renders the subset of account/task state safe to
// show on an unauthenticated status page: counts only, never account ids
// or credentials.
func (s *Server) handlePublicDisplay(w http.ResponseWriter, r *http.Request) {
	stats := s.computeStats()
	pendingRegister := len(s.queue.Pending(tasks.KindRegister))
	pendingRefresh := len(s.queue.Pending(tasks.KindRefresh))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts_total":     stats.Accounts,
		"accounts_available": stats.Available,
		"uptime_seconds":     stats.Uptime,
		"tasks_pending": map[string]int{
			"register": pendingRegister,
			"refresh":  pendingRefresh,
		},
	})
}
