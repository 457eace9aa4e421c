// Package httpapi wires the account pool, session binding, orchestrator,
// task queue, and key-value store behind the three HTTP surfaces spec.md
// §6 names: /v1/* (OpenAI-compatible, flat mux), /admin/* (chi
// sub-router), /public/* (flat mux). Grounded on the teacher's
// internal/server.Server (constructor assembling every subsystem,
// registerRoutes on a plain http.ServeMux, Run with signal-driven
// graceful shutdown), with the admin namespace split onto a chi.Router
// the way ashureev-shsh-labs's internal/api package does for its
// container/session resources.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cwgate/gateway/internal/apikeys"
	"github.com/cwgate/gateway/internal/binding"
	"github.com/cwgate/gateway/internal/config"
	"github.com/cwgate/gateway/internal/kv"
	"github.com/cwgate/gateway/internal/logring"
	"github.com/cwgate/gateway/internal/orchestrator"
	"github.com/cwgate/gateway/internal/pool"
	"github.com/cwgate/gateway/internal/tasks"
)

// Server is the gateway's HTTP front end.
type Server struct {
	cfg       *config.Config
	store     kv.Store
	pool      *pool.Pool
	bindings  *binding.Cache
	orch      *orchestrator.Orchestrator
	models    *orchestrator.ModelRegistry
	apiKeys   *apikeys.Registry
	queue     *tasks.Queue
	logs      *logring.Handler
	metrics   *metricsRegistry
	startedAt time.Time

	httpServer *http.Server
}

// New assembles the server and its route tables but does not start
// listening; call Run to do that.
func New(cfg *config.Config, store kv.Store, p *pool.Pool, bindings *binding.Cache, orch *orchestrator.Orchestrator, models *orchestrator.ModelRegistry, keys *apikeys.Registry, queue *tasks.Queue, logs *logring.Handler) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		pool:      p,
		bindings:  bindings,
		orch:      orch,
		models:    models,
		apiKeys:   keys,
		queue:     queue,
		logs:      logs,
		metrics:   newMetricsRegistry(),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", requireAPIKey(s.apiKeys, s.handleChatCompletions))
	mux.HandleFunc("GET /v1/models", requireAPIKey(s.apiKeys, s.handleListModels))
	mux.HandleFunc("GET /v1/models/{id}", requireAPIKey(s.apiKeys, s.handleGetModel))

	s.registerPublicRoutes(mux)

	adminRouter := chi.NewRouter()
	s.registerAdminRoutes(adminRouter)
	mux.Handle("/admin/", http.StripPrefix("/admin", requireAdminKey(s.cfg.AdminKey, adminRouter)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store-unavailable", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Run starts background loops and the HTTP listener, blocking until a
// shutdown signal arrives or the listener errors.
func (s *Server) Run(ctx context.Context, background ...func(context.Context)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, fn := range background {
		go fn(runCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case <-ctx.Done():
	}

	cancel() // stop background loops (binding flusher persists on its own ctx.Done())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
