// Package discovery runs the periodic per-credential scan: it refreshes the
// model catalogue, probes each credential's quota, and transitions
// credential status based on what it finds. It never blocks scheduler
// dispatch — it only ever talks to the store and the provider adapters.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/keyvaultd/keyvaultd/internal/adapter"
	"github.com/keyvaultd/keyvaultd/internal/crypto"
	"github.com/keyvaultd/keyvaultd/internal/events"
	"github.com/keyvaultd/keyvaultd/internal/store"
)

// DefaultInterval is how often a full scan runs when not overridden.
const DefaultInterval = 24 * time.Hour

// Config configures the discovery loop.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the default 24-hour scan interval.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// ScanResult summarizes one full pass over all credentials.
type ScanResult struct {
	Total     int
	Healthy   int
	Exhausted int
	Invalid   int
	Duration  time.Duration
}

// Loop is the periodic discovery scanner.
type Loop struct {
	cfg      Config
	store    store.Store
	adapters map[string]adapter.Adapter
	bus      *events.Bus
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New returns a discovery loop over store, scanning with the given adapter
// set. bus and logger may be nil.
func New(cfg Config, st store.Store, adapters map[string]adapter.Adapter, bus *events.Bus, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		store:    st,
		adapters: adapters,
		bus:      bus,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the scan loop in a goroutine: once immediately, then on Interval.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop signals the loop to stop and waits for the in-flight scan to finish.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	l.scanAll(ctx)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.scanAll(ctx)
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ScanOnce runs a single full pass synchronously and returns its summary;
// useful for an admin-triggered rescan as well as tests.
func (l *Loop) ScanOnce(ctx context.Context) ScanResult {
	return l.scanAll(ctx)
}

func (l *Loop) scanAll(ctx context.Context) ScanResult {
	start := time.Now()
	result := ScanResult{}

	creds, err := l.store.ListAll(ctx)
	if err != nil {
		l.logger.Warn("discovery: list credentials failed", slog.String("error", err.Error()))
		return result
	}

	for _, c := range creds {
		result.Total++
		outcome := l.scanOne(ctx, c)
		switch outcome {
		case outcomeHealthy:
			result.Healthy++
		case outcomeExhausted:
			result.Exhausted++
		case outcomeInvalid:
			result.Invalid++
		}
	}
	result.Duration = time.Since(start)

	if l.bus != nil {
		l.bus.Publish(events.Event{
			Type:           events.EventDiscoveryScanCompleted,
			ScanTotal:      result.Total,
			ScanHealthy:    result.Healthy,
			ScanExhausted:  result.Exhausted,
			ScanInvalid:    result.Invalid,
			ScanDurationMs: float64(result.Duration.Milliseconds()),
		})
	}
	return result
}

type scanOutcome int

const (
	outcomeHealthy scanOutcome = iota
	outcomeExhausted
	outcomeInvalid
)

func (l *Loop) scanOne(ctx context.Context, c store.Credential) scanOutcome {
	a, ok := l.adapters[c.Provider]
	if !ok {
		return outcomeInvalid
	}

	// Use the status-agnostic decrypt: a quarantined or rate_limited
	// credential must still be probed here, since this scan is what
	// re-admits it. Only a missing row is fatal to the scan.
	plaintext, err := l.store.DecryptForProbe(ctx, c.ID)
	if err != nil {
		return outcomeInvalid
	}
	defer crypto.Zero(plaintext)

	models, listErr := a.ListModels(ctx, plaintext)
	if listErr != nil {
		l.logger.Warn("discovery: list_models failed",
			slog.String("credential_id", c.ID), slog.String("provider", c.Provider), slog.String("error", listErr.Error()))
		models = nil
	}

	if len(models) > 0 {
		now := time.Now().UTC()
		entries := make([]store.CatalogueEntry, 0, len(models))
		for _, m := range models {
			entries = append(entries, store.CatalogueEntry{
				Provider: m.Provider, ModelID: m.ID, DisplayName: m.DisplayName,
				InputTokenLimit: m.InputTokenLimit, OutputTokenLimit: m.OutputTokenLimit,
				SupportsGenerate: m.SupportsGenerate, SupportsEmbedding: m.SupportsEmbedding,
				Preview: m.Preview, Deprecated: m.Deprecated, FirstSeenAt: now, LastSeenAt: now,
			})
		}
		if err := l.store.UpdateCatalogue(ctx, entries); err != nil {
			l.logger.Warn("discovery: update_catalogue failed", slog.String("credential_id", c.ID), slog.String("error", err.Error()))
		}
	}

	probeStart := time.Now()
	health, err := a.CheckHealth(ctx, plaintext)
	latency := time.Since(probeStart).Milliseconds()
	if err != nil {
		l.logger.Warn("discovery: check_health failed", slog.String("credential_id", c.ID), slog.String("error", err.Error()))
		return outcomeInvalid
	}

	probe := store.Probe{
		CredentialID: c.ID, Provider: c.Provider, Timestamp: time.Now().UTC(),
		Valid: health.Valid, LatencyMS: latency,
	}
	if health.ResetAt != nil {
		probe.ResetTime = health.ResetAt
	}
	if health.Err != nil {
		probe.ErrorType = health.Err.ErrorType
		probe.ErrorMessage = health.Err.ErrorMessage
		probe.ResetTime = health.Err.ResetTime
	}
	if err := l.store.RecordProbe(ctx, probe); err != nil {
		l.logger.Warn("discovery: record_probe failed", slog.String("credential_id", c.ID), slog.String("error", err.Error()))
	}

	return l.transitionStatus(ctx, c, health)
}

func (l *Loop) transitionStatus(ctx context.Context, c store.Credential, health adapter.KeyHealth) scanOutcome {
	switch {
	case !health.Valid:
		if c.Status != store.StatusQuarantined {
			_ = l.store.SetStatus(ctx, c.ID, store.StatusQuarantined)
			l.publishTransition(c, store.StatusQuarantined, events.EventCredentialQuarantined)
		}
		return outcomeInvalid

	case health.QuotaRemainingPct != nil && *health.QuotaRemainingPct == 0:
		if c.Status != store.StatusRateLimited {
			_ = l.store.SetStatus(ctx, c.ID, store.StatusRateLimited)
			l.publishTransition(c, store.StatusRateLimited, events.EventCredentialRateLimited)
		}
		return outcomeExhausted

	default:
		if c.Status == store.StatusRateLimited {
			_ = l.store.SetStatus(ctx, c.ID, store.StatusActive)
			l.publishTransition(c, store.StatusActive, events.EventCredentialReactivated)
		}
		return outcomeHealthy
	}
}

func (l *Loop) publishTransition(c store.Credential, newStatus store.Status, evtType events.EventType) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.Event{
		Type: evtType, CredentialID: c.ID, ProviderID: c.Provider,
		OldState: string(c.Status), NewState: string(newStatus),
	})
}
