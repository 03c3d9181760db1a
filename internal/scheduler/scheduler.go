// Package scheduler is the dispatch core: it turns a generation request into
// a concrete (credential, model) pair, calls the matching provider adapter,
// and records the outcome in the credential store and rate tracker. It never
// imports the transport package; the daemon entry point wires the two
// together.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keyvaultd/keyvaultd/internal/adapter"
	"github.com/keyvaultd/keyvaultd/internal/classifier"
	"github.com/keyvaultd/keyvaultd/internal/events"
	"github.com/keyvaultd/keyvaultd/internal/ratetracker"
	"github.com/keyvaultd/keyvaultd/internal/registry"
	"github.com/keyvaultd/keyvaultd/internal/store"
)

func requestID() string { return uuid.NewString() }

func timeNow() time.Time { return time.Now().UTC() }

// MaxRetries bounds the number of credential/model attempts generate_swarm
// makes before giving up on a task.
const MaxRetries = 3

// DefaultSwarmTemperature is used when a swarm task does not specify one.
const DefaultSwarmTemperature = 0.2

var (
	// ErrNoAdapter is returned when no adapter is registered for a provider.
	ErrNoAdapter = errors.New("scheduler: no adapter registered for provider")
	// ErrNoCredentials is returned when a provider has no active worker
	// credentials to dispatch against.
	ErrNoCredentials = errors.New("scheduler: no active worker credentials")
)

// ExhaustedError is returned by GenerateSingle when a full round-robin pass
// over a provider's credentials produced no success.
type ExhaustedError struct {
	Provider string
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("scheduler: provider %s exhausted after %d attempts", e.Provider, e.Attempts)
}

// Scheduler dispatches generation requests across registered provider
// adapters, credential pools, and the shared rate tracker.
type Scheduler struct {
	store    store.Store
	tracker  *ratetracker.Tracker
	adapters map[string]adapter.Adapter
	bus      *events.Bus

	cursorMu sync.Mutex
	cursors  map[string]*atomic.Uint64
}

// New returns a Scheduler backed by store, tracker, and the given set of
// adapters keyed by provider ID. bus may be nil, in which case events are
// simply not published.
func New(st store.Store, tracker *ratetracker.Tracker, adapters map[string]adapter.Adapter, bus *events.Bus) *Scheduler {
	return &Scheduler{
		store:    st,
		tracker:  tracker,
		adapters: adapters,
		bus:      bus,
		cursors:  make(map[string]*atomic.Uint64),
	}
}

func (s *Scheduler) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func (s *Scheduler) cursorFor(provider string) *atomic.Uint64 {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	c, ok := s.cursors[provider]
	if !ok {
		c = &atomic.Uint64{}
		s.cursors[provider] = c
	}
	return c
}

// isRateLimitError classifies an adapter error as upstream rate exhaustion.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var se *adapter.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == 429 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "rate")
}

func obfuscateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:4] + "..." + id[len(id)-4:]
}

// GenerateSingle performs a round-robin failover dispatch of req against
// provider's active worker credentials, advancing the provider's rolling
// cursor once per attempt (including failed ones).
func (s *Scheduler) GenerateSingle(ctx context.Context, provider string, req adapter.Request, caller, budgetTag string) (adapter.Response, error) {
	a, ok := s.adapters[provider]
	if !ok {
		return adapter.Response{}, ErrNoAdapter
	}

	credentialIDs, err := s.store.ListActiveWorkers(ctx, provider)
	if err != nil {
		return adapter.Response{}, fmt.Errorf("scheduler: list active workers: %w", err)
	}
	if len(credentialIDs) == 0 {
		return adapter.Response{}, ErrNoCredentials
	}

	cursor := s.cursorFor(provider)
	n := len(credentialIDs)
	attempts := 0

	for attempts < n {
		idx := int(cursor.Add(1)-1) % n
		credID := credentialIDs[idx]
		attempts++

		resp, usageErr := s.attemptSingle(ctx, a, provider, credID, req, caller, budgetTag)
		if usageErr == nil {
			return resp, nil
		}
	}

	return adapter.Response{}, &ExhaustedError{Provider: provider, Attempts: attempts}
}

func (s *Scheduler) attemptSingle(ctx context.Context, a adapter.Adapter, provider, credID string, req adapter.Request, caller, budgetTag string) (adapter.Response, error) {
	plaintext, err := s.store.Decrypt(ctx, credID)
	if err != nil {
		return adapter.Response{}, err
	}

	s.tracker.RecordRequest(credID, req.Model)

	resp, genErr := a.Generate(ctx, req, plaintext)
	if genErr == nil {
		resp.CredentialID = credID
		resp.Provider = provider
		_ = s.store.Touch(ctx, credID)
		cost := a.EstimateCost(req.Model, resp.InputTokens, resp.OutputTokens)
		_ = s.store.RecordUsage(ctx, store.Usage{
			RequestID: requestID(), CredentialID: credID, Provider: provider, Model: req.Model,
			CallerTag: caller, BudgetTag: budgetTag, Timestamp: timeNow(),
			InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens,
			CostUSD: cost.TotalCostUSD, LatencyMS: resp.LatencyMS, Status: store.UsageSuccess,
		})
		s.publish(events.Event{Type: events.EventRouteSuccess, CredentialID: credID, ProviderID: provider, ModelID: req.Model, LatencyMs: float64(resp.LatencyMS), CostUSD: cost.TotalCostUSD})
		return resp, nil
	}

	if isRateLimitError(genErr) {
		_ = s.store.SetStatus(ctx, credID, store.StatusRateLimited)
		s.publish(events.Event{Type: events.EventCredentialRateLimited, CredentialID: credID, ProviderID: provider, ModelID: req.Model})
	}
	_ = s.store.RecordUsage(ctx, store.Usage{
		RequestID: requestID(), CredentialID: credID, Provider: provider, Model: req.Model,
		CallerTag: caller, BudgetTag: budgetTag, Timestamp: timeNow(),
		Status: store.UsageError, ErrorMessage: genErr.Error(),
	})
	s.publish(events.Event{Type: events.EventRouteError, CredentialID: credID, ProviderID: provider, ModelID: req.Model, ErrorMsg: genErr.Error()})
	return adapter.Response{}, genErr
}

// ParallelTask is one (provider, request) pair submitted to GenerateParallel.
type ParallelTask struct {
	Provider string
	Request  adapter.Request
}

// ParallelResult is the outcome of one ParallelTask, in submission order.
type ParallelResult struct {
	Response adapter.Response
	Err      error
}

// GenerateParallel dispatches each task concurrently against an
// independently round-robin-assigned credential, single-shot (no retry on
// a different credential within this call). Results preserve submission
// order.
func (s *Scheduler) GenerateParallel(ctx context.Context, tasks []ParallelTask, caller string) []ParallelResult {
	results := make([]ParallelResult, len(tasks))

	perProviderCursor := make(map[string]*atomic.Uint64)
	perProviderCreds := make(map[string][]string)
	var setupMu sync.Mutex

	var wg sync.WaitGroup
	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		go func() {
			defer wg.Done()

			a, ok := s.adapters[task.Provider]
			if !ok {
				results[i] = ParallelResult{Err: ErrNoAdapter}
				return
			}

			setupMu.Lock()
			creds, ok := perProviderCreds[task.Provider]
			if !ok {
				var err error
				creds, err = s.store.ListActiveWorkers(ctx, task.Provider)
				if err != nil {
					setupMu.Unlock()
					results[i] = ParallelResult{Err: fmt.Errorf("scheduler: list active workers: %w", err)}
					return
				}
				perProviderCreds[task.Provider] = creds
				perProviderCursor[task.Provider] = &atomic.Uint64{}
			}
			cursor := perProviderCursor[task.Provider]
			setupMu.Unlock()

			if len(creds) == 0 {
				results[i] = ParallelResult{Err: ErrNoCredentials}
				return
			}

			idx := int(cursor.Add(1)-1) % len(creds)
			credID := creds[idx]

			resp, err := s.attemptSingle(ctx, a, task.Provider, credID, task.Request, caller, "")
			results[i] = ParallelResult{Response: resp, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// SwarmTask is one unit of swarm work: a free-text prompt plus optional
// overrides for complexity classification and starting model.
type SwarmTask struct {
	Provider            string
	Prompt              string
	SystemPrompt        string
	ComplexityOverride  *registry.Complexity
	ModelOverride       string
	Temperature         *float32
}

// SwarmResult is the outcome of one SwarmTask.
type SwarmResult struct {
	OK            bool
	CredentialID  string // obfuscated
	Model         string
	Complexity    registry.Complexity
	Text          string
	InputTokens   int64
	OutputTokens  int64
	LatencyMS     int64
	RetriesUsed   int
	Error         string
}

// GenerateSwarm classifies and dispatches each task independently and
// concurrently, retrying up to MaxRetries times across least-loaded
// credentials and the model fallback cascade.
func (s *Scheduler) GenerateSwarm(ctx context.Context, tasks []SwarmTask) []SwarmResult {
	results := make([]SwarmResult, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.runSwarmTask(ctx, task)
		}()
	}
	wg.Wait()
	return results
}

func (s *Scheduler) runSwarmTask(ctx context.Context, task SwarmTask) SwarmResult {
	var complexity registry.Complexity
	if task.ComplexityOverride != nil {
		complexity = *task.ComplexityOverride
	} else {
		complexity = classifier.Classify(task.Prompt)
	}

	var currentModel string
	if task.ModelOverride != "" {
		currentModel = task.ModelOverride
	} else {
		currentModel = classifier.SelectModel(complexity).ID
	}

	a, ok := s.adapters[task.Provider]
	if !ok {
		return SwarmResult{OK: false, Complexity: complexity, Error: ErrNoAdapter.Error()}
	}

	credentialIDs, err := s.store.ListActiveWorkers(ctx, task.Provider)
	if err != nil {
		return SwarmResult{OK: false, Complexity: complexity, Error: fmt.Sprintf("no keys: %v", err)}
	}
	if len(credentialIDs) == 0 {
		return SwarmResult{OK: false, Complexity: complexity, Error: "no keys"}
	}

	temperature := float32(DefaultSwarmTemperature)
	if task.Temperature != nil {
		temperature = *task.Temperature
	}

	var lastErr error
	for retries := 0; retries < MaxRetries; {
		spec, ok := registry.Get(currentModel)
		if !ok {
			return SwarmResult{OK: false, Complexity: complexity, RetriesUsed: retries, Error: "unknown model: " + currentModel}
		}

		credID, ok := s.tracker.LeastLoadedKey(credentialIDs, currentModel, spec.FreeRPM, spec.FreeRPD)
		if !ok {
			next, hasNext := classifier.FallbackFor(currentModel)
			if !hasNext {
				return SwarmResult{OK: false, Complexity: complexity, RetriesUsed: retries, Error: "exhausted cascade: no admissible credential at any model"}
			}
			currentModel = next
			retries++
			continue
		}

		plaintext, err := s.store.Decrypt(ctx, credID)
		if err != nil {
			lastErr = err
			retries++
			continue
		}

		s.tracker.RecordRequest(credID, currentModel)

		maxTokens := spec.OutputTokenLimit
		req := adapter.Request{
			Model:        currentModel,
			Messages:     []adapter.Message{{Role: "user", Content: task.Prompt}},
			SystemPrompt: task.SystemPrompt,
			Temperature:  &temperature,
			MaxTokens:    &maxTokens,
		}

		start := time.Now()
		resp, genErr := a.Generate(ctx, req, plaintext)
		if genErr == nil {
			_ = s.store.Touch(ctx, credID)
			cost := a.EstimateCost(currentModel, resp.InputTokens, resp.OutputTokens)
			_ = s.store.RecordUsage(ctx, store.Usage{
				RequestID: requestID(), CredentialID: credID, Provider: task.Provider, Model: currentModel,
				CallerTag: "swarm", Timestamp: timeNow(),
				InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens,
				CostUSD: cost.TotalCostUSD, LatencyMS: resp.LatencyMS, Status: store.UsageSuccess,
			})
			return SwarmResult{
				OK: true, CredentialID: obfuscateID(credID), Model: currentModel, Complexity: complexity,
				Text: resp.Text, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens,
				LatencyMS: time.Since(start).Milliseconds(), RetriesUsed: retries,
			}
		}

		lastErr = genErr
		if isRateLimitError(genErr) {
			_ = s.store.SetStatus(ctx, credID, store.StatusRateLimited)
			_ = s.store.RecordUsage(ctx, store.Usage{
				RequestID: requestID(), CredentialID: credID, Provider: task.Provider, Model: currentModel,
				CallerTag: "swarm", Timestamp: timeNow(), Status: store.UsageError, ErrorMessage: genErr.Error(),
			})
			retries++
			continue
		}

		return SwarmResult{OK: false, Complexity: complexity, RetriesUsed: retries, Error: genErr.Error()}
	}

	errMsg := "exhausted"
	if lastErr != nil {
		errMsg = fmt.Sprintf("exhausted: %v", lastErr)
	}
	return SwarmResult{OK: false, Complexity: complexity, RetriesUsed: MaxRetries, Error: errMsg}
}

// CredentialPulse is the derived utilisation snapshot for one credential.
type CredentialPulse struct {
	CredentialID  string
	Status        store.Status
	CurrentRPM    int
	CurrentRPD    int
	RPMUtilPct    float64
	RPDUtilPct    float64
	Usage24h      store.UsageSummary
}

// Pulse is the aggregate health-pulse result returned by HealthPulse.
type Pulse struct {
	Credentials    []CredentialPulse
	ActiveCount    int
	RateLimited    int
	TotalUsage24h  store.UsageSummary
}

// HealthPulse derives a non-dispatching utilisation snapshot from the
// credential store and rate tracker, priced against referenceModel's
// free-tier ceilings. Aggregate RPM across a credential's models is taken
// as the max (a point-in-time ceiling check); aggregate RPD is the sum (a
// cumulative daily spend).
func (s *Scheduler) HealthPulse(ctx context.Context, referenceModel registry.Spec) (Pulse, error) {
	creds, err := s.store.ListAll(ctx)
	if err != nil {
		return Pulse{}, fmt.Errorf("scheduler: list all credentials: %w", err)
	}
	usage, err := s.store.UsageLast24h(ctx)
	if err != nil {
		return Pulse{}, fmt.Errorf("scheduler: usage_last_24h: %w", err)
	}

	snapshot := s.tracker.Snapshot()
	byCred := make(map[string][]ratetracker.Snapshot)
	for _, snap := range snapshot {
		byCred[snap.CredentialID] = append(byCred[snap.CredentialID], snap)
	}

	pulse := Pulse{}
	for _, c := range creds {
		maxRPM := 0
		sumRPD := 0
		for _, snap := range byCred[c.ID] {
			if snap.CurrentRPM > maxRPM {
				maxRPM = snap.CurrentRPM
			}
			sumRPD += snap.CurrentRPD
		}

		rpmPct := 0.0
		if referenceModel.FreeRPM > 0 {
			rpmPct = 100.0 * float64(maxRPM) / float64(referenceModel.FreeRPM)
		}
		rpdPct := 0.0
		if referenceModel.FreeRPD > 0 {
			rpdPct = 100.0 * float64(sumRPD) / float64(referenceModel.FreeRPD)
		}

		credUsage := usage[c.ID]
		pulse.Credentials = append(pulse.Credentials, CredentialPulse{
			CredentialID: c.ID, Status: c.Status, CurrentRPM: maxRPM, CurrentRPD: sumRPD,
			RPMUtilPct: rpmPct, RPDUtilPct: rpdPct, Usage24h: credUsage,
		})

		if c.Status == store.StatusActive {
			pulse.ActiveCount++
		}
		if c.Status == store.StatusRateLimited {
			pulse.RateLimited++
		}

		pulse.TotalUsage24h.Total += credUsage.Total
		pulse.TotalUsage24h.Successes += credUsage.Successes
		pulse.TotalUsage24h.Failures += credUsage.Failures
		pulse.TotalUsage24h.InputTokens += credUsage.InputTokens
		pulse.TotalUsage24h.OutputTokens += credUsage.OutputTokens
		pulse.TotalUsage24h.CostUSD += credUsage.CostUSD
	}

	return pulse, nil
}
