// Package gemini implements adapter.Adapter for Google's Gemini
// generativelanguage REST API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/keyvaultd/keyvaultd/internal/adapter"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Adapter talks to the Gemini generativelanguage API. It never retains the
// secret bytes it is called with beyond the lifetime of a single call.
type Adapter struct {
	client  *http.Client
	baseURL string
}

// New returns a Gemini adapter with a 30s default timeout.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout overrides the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithBaseURL overrides the API base URL, for testing against a local
// httptest server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

func (a *Adapter) ProviderID() string  { return "google" }
func (a *Adapter) DisplayName() string { return "Google Gemini" }

type listModelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		InputTokenLimit            int64    `json:"inputTokenLimit"`
		OutputTokenLimit           int64    `json:"outputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// ListModels calls the Gemini model catalogue endpoint, which is free and
// consumes no quota.
func (a *Adapter) ListModels(ctx context.Context, secret []byte) ([]adapter.ModelInfo, error) {
	url := fmt.Sprintf("%s/models?key=%s", a.baseURL, string(secret))
	body, err := a.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var parsed listModelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("gemini: decode list_models: %w", err)
	}

	out := make([]adapter.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		id := strings.TrimPrefix(m.Name, "models/")
		if id == m.Name {
			continue // no "models/" prefix, malformed entry
		}
		display := m.DisplayName
		if display == "" {
			display = id
		}
		out = append(out, adapter.ModelInfo{
			ID:                id,
			DisplayName:       display,
			Provider:          "google",
			InputTokenLimit:   m.InputTokenLimit,
			OutputTokenLimit:  m.OutputTokenLimit,
			SupportsGenerate:  containsStr(m.SupportedGenerationMethods, "generateContent"),
			SupportsEmbedding: containsStr(m.SupportedGenerationMethods, "embedContent"),
			Preview:           strings.Contains(id, "preview") || strings.Contains(id, "exp"),
		})
	}
	return out, nil
}

func containsStr(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

// CheckHealth lists models first (free), then issues a minimal one-token
// generation against a cheap model to confirm quota is actually available.
func (a *Adapter) CheckHealth(ctx context.Context, secret []byte) (adapter.KeyHealth, error) {
	if _, err := a.ListModels(ctx, secret); err != nil {
		return adapter.KeyHealth{
			Valid: false,
			Tier:  adapter.TierUnknown,
			Err: &adapter.ProbeError{
				ErrorType:    "connection_error",
				ErrorMessage: err.Error(),
			},
		}, nil
	}

	url := fmt.Sprintf("%s/models/gemini-2.5-flash-lite:generateContent?key=%s", a.baseURL, string(secret))
	probeBody := map[string]any{
		"contents":         []any{map[string]any{"parts": []any{map[string]any{"text": "hi"}}}},
		"generationConfig": map[string]any{"maxOutputTokens": 1},
	}

	_, err := adapter.DoRequest(ctx, a.client, url, probeBody, nil)
	if err == nil {
		pct := 100.0
		return adapter.KeyHealth{Valid: true, Tier: adapter.TierFree, QuotaRemainingPct: &pct}, nil
	}

	se, ok := err.(*adapter.StatusError)
	if !ok {
		return adapter.KeyHealth{}, err
	}
	probeErr := a.ParseErrorResponse(se.StatusCode, se.Body)
	hasQuota := se.StatusCode != http.StatusTooManyRequests
	pct := 0.0
	if hasQuota {
		pct = 50.0
	}
	valid := se.StatusCode != http.StatusUnauthorized && se.StatusCode != http.StatusForbidden
	return adapter.KeyHealth{
		Valid:             valid,
		Tier:              adapter.TierFree,
		QuotaRemainingPct: &pct,
		Err:               &probeErr,
	}, nil
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Generate issues a generateContent call for req.Model.
func (a *Adapter) Generate(ctx context.Context, req adapter.Request, secret []byte) (adapter.Response, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, req.Model, string(secret))

	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []any{map[string]any{"text": m.Content}},
		})
	}

	body := map[string]any{"contents": contents}
	if req.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": req.SystemPrompt}},
		}
	}

	genConfig := map[string]any{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxTokens
	}
	body["generationConfig"] = genConfig

	start := time.Now()
	respBody, err := adapter.DoRequest(ctx, a.client, url, body, nil)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return adapter.Response{}, err
	}

	var parsed generateContentResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return adapter.Response{}, fmt.Errorf("gemini: decode generate response: %w", err)
	}

	text := ""
	if len(parsed.Candidates) > 0 && len(parsed.Candidates[0].Content.Parts) > 0 {
		text = parsed.Candidates[0].Content.Parts[0].Text
	}

	return adapter.Response{
		Text:         text,
		Model:        req.Model,
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		LatencyMS:    latency,
		Provider:     "google",
	}, nil
}

// EstimateCost prices a request against Gemini's published per-token rates.
// The same rates apply whether or not the credential is on the free tier.
func (a *Adapter) EstimateCost(model string, inputTokens, outputTokens int64) adapter.CostEstimate {
	inRate, outRate := ratesFor(model)
	inCost := float64(inputTokens) * inRate
	outCost := float64(outputTokens) * outRate
	return adapter.CostEstimate{
		InputCostUSD:  inCost,
		OutputCostUSD: outCost,
		TotalCostUSD:  inCost + outCost,
		Model:         model,
		Provider:      "google",
	}
}

func ratesFor(model string) (input, output float64) {
	const million = 1_000_000.0
	switch {
	case strings.Contains(model, "2.5-flash-lite"), strings.Contains(model, "2.0-flash-lite"):
		return 0, 0
	case strings.Contains(model, "2.5-pro"), strings.Contains(model, "3-pro"):
		return 1.25 / million, 10.0 / million
	case strings.Contains(model, "2.5-flash"), strings.Contains(model, "3-flash"):
		return 0.15 / million, 0.60 / million
	case strings.Contains(model, "2.0-flash"):
		return 0.10 / million, 0.40 / million
	default:
		return 0, 0
	}
}

// ParseRateLimitHeaders is a no-op: Gemini's free tier does not return
// standard rate-limit headers.
func (a *Adapter) ParseRateLimitHeaders(h http.Header) *adapter.RateLimitInfo {
	return nil
}

type errorEnvelope struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseErrorResponse extracts the Gemini error envelope's status/message and
// attempts to pull a quota metric name out of the message text.
func (a *Adapter) ParseErrorResponse(status int, body string) adapter.ProbeError {
	var env errorEnvelope
	_ = json.Unmarshal([]byte(body), &env)

	errType := env.Error.Status
	if errType == "" {
		errType = "UNKNOWN"
	}
	msg := env.Error.Message
	if msg == "" {
		msg = body
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}

	var quotaMetric string
	if idx := strings.Index(msg, "Quota exceeded for metric:"); idx >= 0 {
		rest := msg[idx+len("Quota exceeded for metric:"):]
		if commaIdx := strings.Index(rest, ","); commaIdx >= 0 {
			rest = rest[:commaIdx]
		}
		quotaMetric = strings.TrimSpace(rest)
	}

	var suggested string
	switch status {
	case http.StatusTooManyRequests:
		suggested = "wait for quota reset or switch to another credential"
	case http.StatusForbidden:
		suggested = "enable billing or check API key permissions"
	}

	return adapter.ProbeError{
		HTTPStatus:      status,
		ErrorType:       errType,
		ErrorMessage:    msg,
		QuotaMetric:     quotaMetric,
		SuggestedAction: suggested,
	}
}

func (a *Adapter) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &adapter.StatusError{StatusCode: resp.StatusCode, Body: string(buf)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				se.RetryAfterSecs = secs
			}
		}
		return nil, se
	}
	return buf, nil
}
