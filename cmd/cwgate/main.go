// Command cwgate runs the chat-completions gateway: it loads
// configuration, assembles the account pool/orchestrator/task queue, and
// serves the HTTP surface until a shutdown signal arrives. Grounded on
// the teacher's cmd/server/main.go wiring order (config -> store -> crypto
// -> transport -> server -> Run), generalized from the teacher's single
// Anthropic-style relay to this gateway's pool/orchestrator/task-queue
// assembly.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cwgate/gateway/internal/apikeys"
	"github.com/cwgate/gateway/internal/autorefresh"
	"github.com/cwgate/gateway/internal/binding"
	"github.com/cwgate/gateway/internal/config"
	"github.com/cwgate/gateway/internal/events"
	"github.com/cwgate/gateway/internal/httpapi"
	"github.com/cwgate/gateway/internal/jwtmint"
	"github.com/cwgate/gateway/internal/kv"
	"github.com/cwgate/gateway/internal/logring"
	"github.com/cwgate/gateway/internal/media"
	"github.com/cwgate/gateway/internal/orchestrator"
	"github.com/cwgate/gateway/internal/pool"
	"github.com/cwgate/gateway/internal/tasks"
	"github.com/cwgate/gateway/internal/transport"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ring := logring.New(levelFromString(cfg.LogLevel), 2000)
	slog.SetDefault(slog.New(fanoutHandler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelFromString(cfg.LogLevel)}),
		ring,
	}))

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		slog.Error("store ping failed", "error", err)
		os.Exit(1)
	}

	p := pool.New()
	if records, err := loadAccounts(ctx, store); err != nil {
		slog.Error("failed to load accounts", "error", err)
	} else {
		p.Reload(records)
		slog.Info("loaded accounts", "count", len(records))
	}

	transportMgr := transport.NewManager(cfg)
	minter := jwtmint.New(transportMgr.Client(transport.ClassAuth), cfg.UpstreamHost+"/auth/getoxsrf", "cwgate", "cwgate-client")
	upstream := orchestrator.NewHTTPUpstream(transportMgr.Client(transport.ClassChat), cfg.UpstreamHost)

	bindings := binding.New(store, cfg.BindingTTL)
	if snapshot, err := loadBindingSnapshot(ctx, store); err != nil {
		slog.Warn("failed to load session bindings", "error", err)
	} else {
		bindings.LoadSnapshot(snapshot)
	}

	mediaHandler, err := buildMediaHandler(cfg)
	if err != nil {
		slog.Error("failed to build media handler", "error", err)
		os.Exit(1)
	}

	models := orchestrator.NewModelRegistry(defaultModelMapping())

	orchCfg := orchestrator.Config{
		MaxRequestRetries:       cfg.MaxRequestRetries,
		RateLimitCooldown:       cfg.RateLimitCooldown,
		AccountFailureThreshold: cfg.AccountFailureThreshold,
		LanguageCode:            "en",
		TimeZone:                "UTC",
	}
	orch := orchestrator.New(p, bindings, minter, upstream, mediaHandler, models, nil, orchCfg)

	keys := apikeys.New(store, cfg.APIKey)
	if err := keys.Load(ctx); err != nil {
		slog.Error("failed to load api keys", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(200)
	queue := tasks.NewQueue(buildJob(p, store, bus))
	refreshLoop := autorefresh.New(p, queue)

	srv := httpapi.New(cfg, store, p, bindings, orch, models, keys, queue, ring)

	background := []func(context.Context){
		func(ctx context.Context) { bindings.RunFlusher(ctx, cfg.BindingFlushEvery) },
		func(ctx context.Context) { mediaHandler.RunSweeper(ctx) },
		func(ctx context.Context) { queue.Run(ctx) },
		func(ctx context.Context) {
			if err := refreshLoop.Start(ctx); err != nil {
				slog.Error("auto-refresh loop exited", "error", err)
			}
		},
	}

	if err := srv.Run(ctx, background...); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (kv.Store, error) {
	if cfg.DatabaseURL != "" || cfg.DBPath != "" {
		return kv.NewSQLite(pickDBPath(cfg))
	}
	return kv.NewFlatFile(cfg.DataDir)
}

func pickDBPath(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return cfg.DBPath
}

func loadAccounts(ctx context.Context, store kv.Store) ([]pool.Record, error) {
	doc, err := store.Get(ctx, kv.KeyAccounts)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	var records []pool.Record
	if err := json.Unmarshal(doc, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func loadBindingSnapshot(ctx context.Context, store kv.Store) ([]binding.Record, error) {
	doc, err := store.Get(ctx, kv.KeySessionBindings)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	var records []binding.Record
	if err := json.Unmarshal(doc, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func buildMediaHandler(cfg *config.Config) (*media.Handler, error) {
	switch cfg.MediaBackend {
	case "s3":
		return media.NewObjectHandler(context.Background(), nil, media.ObjectStoreConfig{
			Endpoint:   cfg.S3Endpoint,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Bucket:     cfg.S3Bucket,
			PublicBase: cfg.FrontendOrigin,
		})
	default:
		return media.NewDiskHandler(nil, cfg.MediaBaseDir, "/images")
	}
}

// defaultModelMapping is the built-in client-id -> upstream-id table the
// model registry is built from; the settings document is not consulted.
func defaultModelMapping() map[string]string {
	return map[string]string{
		"gpt-4o":      "gemini-pro",
		"gpt-4o-mini": "gemini-flash",
	}
}

// buildJob drives one register/refresh task by spawning the browser
// automation child once per account entry in t.Accounts (spec.md's
// subprocess protocol, S4's "register + replenish" scenario), merging
// every successful result into the pool via Reload and persisting the
// updated snapshot, and publishing a task_finished event once the whole
// task settles. Grounded on the Job contract already exercised by
// internal/tasks/queue_test.go and internal/tasks/subprocess_test.go.
func buildJob(p *pool.Pool, store kv.Store, bus *events.Bus) tasks.Job {
	var mergeMu sync.Mutex

	return func(ctx context.Context, t *tasks.Task, report tasks.Reporter) {
		bus.Publish(events.Event{Kind: events.KindTaskStarted, TaskID: t.ID, Message: string(t.Kind)})

		total := len(t.Accounts)
		for i, accountID := range t.Accounts {
			if report.Cancelled() {
				bus.Publish(events.Event{Kind: events.KindTaskFinished, TaskID: t.ID, Message: "cancelled"})
				return
			}

			req := tasks.LoginRequest{
				Action:   string(t.Kind),
				Email:    accountID,
				Headless: true,
			}
			result, err := tasks.RunChild(ctx, childBinPath(), req, report)

			res := tasks.Result{AccountID: accountID}
			switch {
			case err != nil:
				res.Success = false
				res.Error = err.Error()
				report.Log("error", err.Error())
			case result.Success && result.Config != nil:
				res.Success = true
				res.ConfigID = result.Config.ConfigID
				res.ExpiresAt = result.Config.ExpiresAt

				mergeMu.Lock()
				mergeAccountResult(p, t.Kind, accountID, result.Config)
				if persistErr := persistPool(ctx, store, p); persistErr != nil {
					slog.Error("persist accounts after task result", "error", persistErr)
				}
				mergeMu.Unlock()
			default:
				res.Success = false
				res.Error = result.Error
			}

			report.Result(res)
			report.Progress((i + 1) * 100 / max(total, 1))
		}

		bus.Publish(events.Event{Kind: events.KindTaskFinished, TaskID: t.ID, Message: string(t.Kind)})
	}
}

// mergeAccountResult folds one successful subprocess result into the pool:
// for a refresh, it updates the existing account's credential fields in
// place; for a register, it appends a brand new record keyed by the
// child's reported account id (its verified email).
func mergeAccountResult(p *pool.Pool, kind tasks.Kind, requestedID string, cfgResult *tasks.SubprocessConfig) {
	expiresAt, _ := time.Parse("2006-01-02 15:04:05", cfgResult.ExpiresAt)

	records := make([]pool.Record, 0)
	for _, a := range p.All() {
		records = append(records, a.Record())
	}

	if kind == tasks.KindRefresh {
		for i := range records {
			if records[i].AccountID == requestedID {
				records[i].CSesIdx = cfgResult.CSesIdx
				records[i].ConfigID = cfgResult.ConfigID
				records[i].SecureCSes = cfgResult.SecureCSes
				records[i].HostCOses = cfgResult.HostCOses
				if !expiresAt.IsZero() {
					records[i].ExpiresAt = expiresAt
				}
				break
			}
		}
		p.Reload(records)
		return
	}

	records = append(records, pool.Record{
		AccountID:  cfgResult.ID,
		CSesIdx:    cfgResult.CSesIdx,
		ConfigID:   cfgResult.ConfigID,
		SecureCSes: cfgResult.SecureCSes,
		HostCOses:  cfgResult.HostCOses,
		ExpiresAt:  expiresAt,
	})
	p.Reload(records)
}

func persistPool(ctx context.Context, store kv.Store, p *pool.Pool) error {
	accts := p.All()
	records := make([]pool.Record, 0, len(accts))
	for _, a := range accts {
		records = append(records, a.Record())
	}
	doc, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return store.Set(ctx, kv.KeyAccounts, doc)
}

func childBinPath() string {
	if v := os.Getenv("CWGATE_CHILD_BIN"); v != "" {
		return v
	}
	return "./bin/account-agent"
}

func levelFromString(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fanoutHandler sends every record to both the human-readable stderr
// handler and the in-memory ring used by /admin/log and /public/log.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
