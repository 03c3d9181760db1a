package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/keyvaultd/keyvaultd/internal/adapter"
	"github.com/keyvaultd/keyvaultd/internal/events"
	"github.com/keyvaultd/keyvaultd/internal/ratetracker"
	"github.com/keyvaultd/keyvaultd/internal/registry"
	"github.com/keyvaultd/keyvaultd/internal/store"
)

// stubAdapter answers Generate deterministically based on the secret bytes
// it is called with, so tests can script per-credential outcomes without a
// network call.
type stubAdapter struct {
	provider string
	behavior map[string]func() (adapter.Response, error)
}

func (s *stubAdapter) ProviderID() string  { return s.provider }
func (s *stubAdapter) DisplayName() string { return s.provider }

func (s *stubAdapter) ListModels(ctx context.Context, secret []byte) ([]adapter.ModelInfo, error) {
	return nil, nil
}

func (s *stubAdapter) CheckHealth(ctx context.Context, secret []byte) (adapter.KeyHealth, error) {
	return adapter.KeyHealth{Valid: true}, nil
}

func (s *stubAdapter) Generate(ctx context.Context, req adapter.Request, secret []byte) (adapter.Response, error) {
	fn, ok := s.behavior[string(secret)]
	if !ok {
		return adapter.Response{}, fmt.Errorf("stubAdapter: no behavior for secret %q", secret)
	}
	return fn()
}

func (s *stubAdapter) EstimateCost(model string, inputTokens, outputTokens int64) adapter.CostEstimate {
	return adapter.CostEstimate{Model: model, Provider: s.provider}
}

func (s *stubAdapter) ParseRateLimitHeaders(h http.Header) *adapter.RateLimitInfo { return nil }

func (s *stubAdapter) ParseErrorResponse(status int, body string) adapter.ProbeError {
	return adapter.ProbeError{HTTPStatus: status, ErrorMessage: body}
}

func newTestSchedulerStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(":memory:", []byte("test-passphrase"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestGenerateSingleFailoverOnRateLimit(t *testing.T) {
	ctx := context.Background()
	st := newTestSchedulerStore(t)

	for _, id := range []string{"cred-a", "cred-b", "cred-c"} {
		if err := st.Add(ctx, id, "google", []byte(id), store.RoleWorker, ""); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	a := &stubAdapter{
		provider: "google",
		behavior: map[string]func() (adapter.Response, error){
			"cred-a": func() (adapter.Response, error) {
				return adapter.Response{}, &adapter.StatusError{StatusCode: 429, Body: "rate limit"}
			},
			"cred-b": func() (adapter.Response, error) {
				return adapter.Response{}, fmt.Errorf("upstream error: RESOURCE_EXHAUSTED")
			},
			"cred-c": func() (adapter.Response, error) {
				return adapter.Response{Text: "ok", Model: "gemini-2.5-flash", InputTokens: 10, OutputTokens: 5}, nil
			},
		},
	}

	sched := New(st, ratetracker.New(), map[string]adapter.Adapter{"google": a}, events.NewBus())

	resp, err := sched.GenerateSingle(ctx, "google", adapter.Request{
		Model:    "gemini-2.5-flash",
		Messages: []adapter.Message{{Role: "user", Content: "hi"}},
	}, "", "")
	if err != nil {
		t.Fatalf("GenerateSingle: %v", err)
	}
	if resp.Text != "ok" || resp.CredentialID != "cred-c" {
		t.Errorf("resp = %+v, want text=ok credential=cred-c", resp)
	}

	creds, err := st.ListAll(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	statuses := map[string]store.Status{}
	for _, c := range creds {
		statuses[c.ID] = c.Status
	}
	if statuses["cred-a"] != store.StatusRateLimited || statuses["cred-b"] != store.StatusRateLimited {
		t.Errorf("expected cred-a and cred-b rate_limited, got %+v", statuses)
	}
	if statuses["cred-c"] != store.StatusActive {
		t.Errorf("expected cred-c to remain active, got %s", statuses["cred-c"])
	}

	summaries, err := st.UsageLast24h(ctx)
	if err != nil {
		t.Fatalf("usage_last_24h: %v", err)
	}
	total := int64(0)
	for _, s := range summaries {
		total += s.Total
	}
	if total != 3 {
		t.Errorf("expected 3 usage rows (2 error + 1 success), got %d", total)
	}
}

func TestGenerateSingleNoCredentials(t *testing.T) {
	ctx := context.Background()
	st := newTestSchedulerStore(t)
	a := &stubAdapter{provider: "google", behavior: map[string]func() (adapter.Response, error){}}
	sched := New(st, ratetracker.New(), map[string]adapter.Adapter{"google": a}, nil)

	_, err := sched.GenerateSingle(ctx, "google", adapter.Request{Model: "gemini-2.5-flash"}, "", "")
	if err != ErrNoCredentials {
		t.Errorf("GenerateSingle = %v, want ErrNoCredentials", err)
	}
}

func TestGenerateSingleNoAdapter(t *testing.T) {
	ctx := context.Background()
	st := newTestSchedulerStore(t)
	sched := New(st, ratetracker.New(), map[string]adapter.Adapter{}, nil)

	_, err := sched.GenerateSingle(ctx, "google", adapter.Request{}, "", "")
	if err != ErrNoAdapter {
		t.Errorf("GenerateSingle = %v, want ErrNoAdapter", err)
	}
}

func TestGenerateSingleExhausted(t *testing.T) {
	ctx := context.Background()
	st := newTestSchedulerStore(t)
	if err := st.Add(ctx, "cred-a", "google", []byte("cred-a"), store.RoleWorker, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	a := &stubAdapter{
		provider: "google",
		behavior: map[string]func() (adapter.Response, error){
			"cred-a": func() (adapter.Response, error) {
				return adapter.Response{}, &adapter.StatusError{StatusCode: 429}
			},
		},
	}
	sched := New(st, ratetracker.New(), map[string]adapter.Adapter{"google": a}, nil)

	_, err := sched.GenerateSingle(ctx, "google", adapter.Request{Model: "gemini-2.5-flash"}, "", "")
	var exhausted *ExhaustedError
	if err == nil {
		t.Fatal("expected Exhausted error")
	}
	if ex, ok := err.(*ExhaustedError); ok {
		exhausted = ex
	}
	if exhausted == nil || exhausted.Attempts != 1 {
		t.Errorf("err = %v, want ExhaustedError with 1 attempt", err)
	}
}

func TestGenerateParallelIndependentAssignment(t *testing.T) {
	ctx := context.Background()
	st := newTestSchedulerStore(t)
	for _, id := range []string{"cred-a", "cred-b"} {
		if err := st.Add(ctx, id, "google", []byte(id), store.RoleWorker, ""); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	a := &stubAdapter{
		provider: "google",
		behavior: map[string]func() (adapter.Response, error){
			"cred-a": func() (adapter.Response, error) { return adapter.Response{Text: "from-a"}, nil },
			"cred-b": func() (adapter.Response, error) { return adapter.Response{Text: "from-b"}, nil },
		},
	}
	sched := New(st, ratetracker.New(), map[string]adapter.Adapter{"google": a}, nil)

	tasks := []ParallelTask{
		{Provider: "google", Request: adapter.Request{Model: "gemini-2.5-flash"}},
		{Provider: "google", Request: adapter.Request{Model: "gemini-2.5-flash"}},
	}
	results := sched.GenerateParallel(ctx, tasks, "")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("result %d: unexpected error %v", i, r.Err)
		}
	}
}

func TestGenerateSwarmSuccess(t *testing.T) {
	ctx := context.Background()
	st := newTestSchedulerStore(t)
	if err := st.Add(ctx, "cred-a", "google", []byte("cred-a"), store.RoleWorker, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	a := &stubAdapter{
		provider: "google",
		behavior: map[string]func() (adapter.Response, error){
			"cred-a": func() (adapter.Response, error) {
				return adapter.Response{Text: "done", InputTokens: 3, OutputTokens: 7}, nil
			},
		},
	}
	sched := New(st, ratetracker.New(), map[string]adapter.Adapter{"google": a}, nil)

	results := sched.GenerateSwarm(ctx, []SwarmTask{
		{Provider: "google", Prompt: "fix typo in readme"},
	})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if !r.OK || r.Text != "done" {
		t.Errorf("result = %+v, want ok=true text=done", r)
	}
	if r.Complexity != registry.Trivial {
		t.Errorf("Complexity = %v, want Trivial", r.Complexity)
	}
	if len(r.CredentialID) == 0 {
		t.Error("expected an obfuscated credential id")
	}
}

func TestGenerateSwarmNoCredentials(t *testing.T) {
	ctx := context.Background()
	st := newTestSchedulerStore(t)
	a := &stubAdapter{provider: "google", behavior: map[string]func() (adapter.Response, error){}}
	sched := New(st, ratetracker.New(), map[string]adapter.Adapter{"google": a}, nil)

	results := sched.GenerateSwarm(ctx, []SwarmTask{{Provider: "google", Prompt: "hello"}})
	if len(results) != 1 || results[0].OK {
		t.Errorf("expected a single failed result, got %+v", results)
	}
}

func TestHealthPulseAggregatesUsage(t *testing.T) {
	ctx := context.Background()
	st := newTestSchedulerStore(t)
	if err := st.Add(ctx, "cred-a", "google", []byte("cred-a"), store.RoleWorker, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.RecordUsage(ctx, store.Usage{
		RequestID: "r1", CredentialID: "cred-a", Provider: "google", Model: "gemini-2.5-flash",
		InputTokens: 10, OutputTokens: 5, Status: store.UsageSuccess,
	}); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	tracker := ratetracker.New()
	tracker.RecordRequest("cred-a", "gemini-2.5-flash")

	sched := New(st, tracker, map[string]adapter.Adapter{}, nil)
	spec, ok := registry.Get("gemini-2.5-flash")
	if !ok {
		t.Fatal("expected gemini-2.5-flash in registry")
	}

	pulse, err := sched.HealthPulse(ctx, spec)
	if err != nil {
		t.Fatalf("HealthPulse: %v", err)
	}
	if pulse.ActiveCount != 1 {
		t.Errorf("ActiveCount = %d, want 1", pulse.ActiveCount)
	}
	if pulse.TotalUsage24h.Total != 1 {
		t.Errorf("TotalUsage24h.Total = %d, want 1", pulse.TotalUsage24h.Total)
	}
	if len(pulse.Credentials) != 1 || pulse.Credentials[0].CurrentRPM != 1 {
		t.Errorf("Credentials = %+v, want one entry with CurrentRPM=1", pulse.Credentials)
	}
}
