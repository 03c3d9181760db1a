package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyvaultd/keyvaultd/internal/adapter"
	"github.com/keyvaultd/keyvaultd/internal/adapter/gemini"
	"github.com/keyvaultd/keyvaultd/internal/auth"
	"github.com/keyvaultd/keyvaultd/internal/callerlimit"
	"github.com/keyvaultd/keyvaultd/internal/config"
	"github.com/keyvaultd/keyvaultd/internal/discovery"
	"github.com/keyvaultd/keyvaultd/internal/events"
	"github.com/keyvaultd/keyvaultd/internal/logging"
	"github.com/keyvaultd/keyvaultd/internal/metrics"
	"github.com/keyvaultd/keyvaultd/internal/ratetracker"
	"github.com/keyvaultd/keyvaultd/internal/registry"
	"github.com/keyvaultd/keyvaultd/internal/scheduler"
	"github.com/keyvaultd/keyvaultd/internal/store"
	"github.com/keyvaultd/keyvaultd/internal/transport"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(cfg.LogLevel)
	logger.Info("keyvaultd starting", slog.String("version", version))

	stateDir := filepath.Dir(cfg.SecretBackendDir)

	secretBackend, err := auth.NewFileSecretBackend(cfg.SecretBackendDir)
	if err != nil {
		log.Fatalf("secret backend init error: %v", err)
	}

	passHolder, err := auth.NewHolder(secretBackend, auth.AccountStorePassphrase, filepath.Join(stateDir, "store-passphrase.mirror"), logger)
	if err != nil {
		log.Fatalf("store passphrase resolution error: %v", err)
	}

	tokenHolder, err := auth.NewHolder(secretBackend, auth.AccountBearerToken, filepath.Join(stateDir, "bearer-token.mirror"), logger)
	if err != nil {
		log.Fatalf("bearer token resolution error: %v", err)
	}
	if cfg.AdminTokenOverride != "" {
		if err := tokenHolder.Override(cfg.AdminTokenOverride); err != nil {
			log.Fatalf("admin token override error: %v", err)
		}
	}

	st, err := store.NewSQLite(cfg.StoreDSN, []byte(passHolder.Get()))
	if err != nil {
		log.Fatalf("credential store init error: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalf("credential store migrate error: %v", err)
	}

	tracker := ratetracker.New()
	bus := events.NewBus()
	reg := metrics.New()

	adapters := map[string]adapter.Adapter{}
	geminiOpts := []gemini.Option{}
	if base, ok := cfg.ProviderBaseURLOverrides["google"]; ok && base != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(base))
	}
	adapters["google"] = gemini.New(geminiOpts...)

	sched := scheduler.New(st, tracker, adapters, bus)

	discLoop := discovery.New(discovery.Config{Interval: cfg.DiscoveryInterval}, st, adapters, bus, logger)

	limiter := callerlimit.New(cfg.CallerRateLimitBurst, cfg.CallerRateLimitWindow)
	defer limiter.Stop()

	srv := transport.New(cfg.SocketPath, tokenHolder, limiter, logger)
	srv.OnRateLimited = reg.CallerRateLimitedTotal.Inc
	registerHandlers(srv, sched, st, tokenHolder)

	ctx, cancel := context.WithCancel(context.Background())
	discLoop.Start(ctx)
	go recordEventMetrics(ctx, bus, reg, st)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("keyvaultd metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("keyvaultd listening", slog.String("socket", cfg.SocketPath))
		serveErr <- srv.Serve(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("transport serve error", slog.String("error", err.Error()))
		}
	}

	cancel()
	discLoop.Stop()
	_ = srv.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := st.Close(); err != nil {
		logger.Error("store close error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}

// recordEventMetrics drains the event bus into the Prometheus registry
// until ctx is cancelled.
func recordEventMetrics(ctx context.Context, bus *events.Bus, reg *metrics.Registry, st store.Store) {
	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			switch e.Type {
			case events.EventRouteSuccess:
				reg.RequestsTotal.WithLabelValues("generate", e.ProviderID, e.ModelID, "success").Inc()
				reg.RequestLatency.WithLabelValues("generate", e.ProviderID, e.ModelID).Observe(e.LatencyMs)
				reg.CostUSD.WithLabelValues(e.ProviderID, e.ModelID).Add(e.CostUSD)
			case events.EventRouteError:
				reg.RequestsTotal.WithLabelValues("generate", e.ProviderID, e.ModelID, "error").Inc()
			case events.EventDiscoveryScanCompleted:
				reg.DiscoveryScanTotal.Inc()
				reg.DiscoveryScanSeconds.Observe(e.ScanDurationMs / 1000.0)
				refreshCredentialStatusCounts(ctx, st, reg)
			}
		}
	}
}

// refreshCredentialStatusCounts tallies the credential store by status and
// replaces the gauge values. Called after every discovery scan, since that
// is the operation most likely to move a credential between statuses.
func refreshCredentialStatusCounts(ctx context.Context, st store.Store, reg *metrics.Registry) {
	creds, err := st.ListAll(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, c := range creds {
		counts[string(c.Status)]++
	}
	reg.SetCredentialStatusCounts(counts)
}

// metricsMux serves the loopback-only Prometheus/health surface behind the
// same chi request-logging middleware the control socket's peers would see
// if this daemon ever grew an HTTP admin surface.
func metricsMux(reg *metrics.Registry, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestLogger(logger))
	r.Handle("/metrics", reg.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// --- RPC params/results ---

type rpcMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateParams struct {
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Messages     []rpcMessage `json:"messages"`
	SystemPrompt string       `json:"system_prompt"`
	Temperature  *float32     `json:"temperature"`
	MaxTokens    *int         `json:"max_tokens"`
	BudgetTag    string       `json:"budget_tag"`
}

func (p generateParams) toRequest() adapter.Request {
	msgs := make([]adapter.Message, len(p.Messages))
	for i, m := range p.Messages {
		msgs[i] = adapter.Message{Role: m.Role, Content: m.Content}
	}
	return adapter.Request{
		Model: p.Model, Messages: msgs, SystemPrompt: p.SystemPrompt,
		Temperature: p.Temperature, MaxTokens: p.MaxTokens,
	}
}

type parallelGenerateParams struct {
	Tasks []generateParams `json:"tasks"`
}

type swarmTaskParams struct {
	Provider     string   `json:"provider"`
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt"`
	Model        string   `json:"model"`
	Temperature  *float32 `json:"temperature"`
}

type swarmGenerateParams struct {
	Tasks []swarmTaskParams `json:"tasks"`
}

type parallelResultJSON struct {
	Response adapter.Response `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// credentialJSON is the admin.listKeys reply shape: store.Credential minus
// EncryptedBlob. Callers never need the ciphertext, and there's no reason to
// put even an encrypted secret on the wire unless something will use it.
type credentialJSON struct {
	ID          string       `json:"ID"`
	Provider    string       `json:"Provider"`
	Role        store.Role   `json:"Role"`
	Status      store.Status `json:"Status"`
	CreatedAt   time.Time    `json:"CreatedAt"`
	LastUsedAt  *time.Time   `json:"LastUsedAt"`
	LastProbeAt *time.Time   `json:"LastProbeAt"`
	Note        string       `json:"Note"`
}

func toCredentialJSON(c store.Credential) credentialJSON {
	return credentialJSON{
		ID:          c.ID,
		Provider:    c.Provider,
		Role:        c.Role,
		Status:      c.Status,
		CreatedAt:   c.CreatedAt,
		LastUsedAt:  c.LastUsedAt,
		LastProbeAt: c.LastProbeAt,
		Note:        c.Note,
	}
}

func registerHandlers(srv *transport.Server, sched *scheduler.Scheduler, st store.Store, tokenHolder *auth.Holder) {
	srv.Handle("generate", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		var p generateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		return sched.GenerateSingle(ctx, p.Provider, p.toRequest(), caller, p.BudgetTag)
	})

	srv.Handle("parallelGenerate", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		var p parallelGenerateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		tasks := make([]scheduler.ParallelTask, len(p.Tasks))
		for i, t := range p.Tasks {
			tasks[i] = scheduler.ParallelTask{Provider: t.Provider, Request: t.toRequest()}
		}
		results := sched.GenerateParallel(ctx, tasks, caller)
		out := make([]parallelResultJSON, len(results))
		for i, r := range results {
			if r.Err != nil {
				out[i] = parallelResultJSON{Error: r.Err.Error()}
				continue
			}
			out[i] = parallelResultJSON{Response: r.Response}
		}
		return out, nil
	})

	srv.Handle("swarmGenerate", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		var p swarmGenerateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		tasks := make([]scheduler.SwarmTask, len(p.Tasks))
		for i, t := range p.Tasks {
			tasks[i] = scheduler.SwarmTask{
				Provider: t.Provider, Prompt: t.Prompt, SystemPrompt: t.SystemPrompt,
				ModelOverride: t.Model, Temperature: t.Temperature,
			}
		}
		return sched.GenerateSwarm(ctx, tasks), nil
	})

	srv.Handle("modelRegistry", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		return registry.All(), nil
	})

	srv.Handle("activeModels", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		return registry.ModelsFor(registry.Expert), nil
	})

	srv.Handle("models", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		return registry.All(), nil
	})

	srv.Handle("swarmStatus", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		ref, _ := registry.Get("gemini-2.5-flash-lite")
		return sched.HealthPulse(ctx, ref)
	})

	srv.Handle("health", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		ref, _ := registry.Get("gemini-2.5-flash-lite")
		return sched.HealthPulse(ctx, ref)
	})

	srv.Handle("usage", false, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		return st.UsageLast24h(ctx)
	})

	srv.Handle("admin.addKey", true, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		var p struct {
			ID       string `json:"id"`
			Provider string `json:"provider"`
			Secret   string `json:"secret"`
			Role     string `json:"role"`
			Note     string `json:"note"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		role := store.Role(p.Role)
		if role == "" {
			role = store.RoleWorker
		}
		if err := st.Add(ctx, p.ID, p.Provider, []byte(p.Secret), role, p.Note); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	srv.Handle("admin.removeKey", true, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		removed, err := st.Remove(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"ok": removed}, nil
	})

	srv.Handle("admin.listKeys", true, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		creds, err := st.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]credentialJSON, len(creds))
		for i, c := range creds {
			out[i] = toCredentialJSON(c)
		}
		return out, nil
	})

	srv.Handle("admin.rotateToken", true, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		newToken, err := tokenHolder.Rotate()
		if err != nil {
			return nil, err
		}
		return map[string]string{"token": newToken}, nil
	})

	srv.Handle("admin.syncToken", true, func(ctx context.Context, caller string, params json.RawMessage) (interface{}, error) {
		token, err := tokenHolder.Sync()
		if err != nil {
			return nil, err
		}
		return map[string]string{"token": token}, nil
	})
}
