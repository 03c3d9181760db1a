// Package adapter defines the provider-agnostic contract every LLM backend
// implements, plus the shared HTTP plumbing adapters use to speak it.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Message is one turn of a provider-agnostic chat request.
type Message struct {
	Role    string // "user" | "assistant" | "system"
	Content string
}

// Request is a provider-agnostic generation request. The adapter is
// responsible for translating it into whatever wire shape its provider
// expects.
type Request struct {
	Model        string
	Messages     []Message
	Temperature  *float32
	MaxTokens    *int
	SystemPrompt string
}

// Response is a provider-agnostic generation result.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	LatencyMS    int64
	Provider     string
	CredentialID string
}

// ModelInfo describes one model a provider's discovery endpoint reports.
type ModelInfo struct {
	ID                string
	DisplayName       string
	Provider          string
	InputTokenLimit   int64
	OutputTokenLimit  int64
	SupportsGenerate  bool
	SupportsEmbedding bool
	Preview           bool
	Deprecated        bool
	DeprecationDate   string
}

// KeyTier classifies the account tier behind a credential.
type KeyTier int

const (
	TierUnknown KeyTier = iota
	TierFree
	TierPaid
	TierEnterprise
)

// ProbeError is the structured shape of an error surfaced by a probe or a
// failed generation call.
type ProbeError struct {
	HTTPStatus     int
	ErrorType      string
	ErrorMessage   string
	QuotaMetric    string
	SuggestedAction string
	ResetTime      *time.Time
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("adapter: %s (status %d): %s", e.ErrorType, e.HTTPStatus, e.ErrorMessage)
}

// RateLimitInfo is whatever the provider exposes about remaining quota,
// parsed out of response headers.
type RateLimitInfo struct {
	RPMLimit        *int
	RPMRemaining    *int
	RPDLimit        *int
	RPDRemaining    *int
	TPMLimit        *int64
	TPMRemaining    *int64
	ResetAt         *time.Time
	RetryAfterSecs  *int
}

// KeyHealth is the result of a credential liveness + quota probe.
type KeyHealth struct {
	Valid              bool
	Tier               KeyTier
	QuotaRemainingPct  *float64
	ResetAt            *time.Time
	Err                *ProbeError
}

// CostEstimate is a pre-flight cost projection for a request.
type CostEstimate struct {
	InputCostUSD  float64
	OutputCostUSD float64
	TotalCostUSD  float64
	Model         string
	Provider      string
}

// Adapter is the contract every LLM backend implements. The pool manager
// calls adapters directly; adapters never see other adapters or the
// credential store — they receive only the decrypted secret bytes needed
// for one call and must not retain, log, or cache them.
type Adapter interface {
	ProviderID() string
	DisplayName() string

	ListModels(ctx context.Context, secret []byte) ([]ModelInfo, error)
	CheckHealth(ctx context.Context, secret []byte) (KeyHealth, error)
	Generate(ctx context.Context, req Request, secret []byte) (Response, error)

	EstimateCost(model string, inputTokens, outputTokens int64) CostEstimate
	ParseRateLimitHeaders(h http.Header) *RateLimitInfo
	ParseErrorResponse(status int, body string) ProbeError
}

// StatusError captures an HTTP status code and body from a provider
// response so ClassifyError-style callers can inspect it.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("adapter: API error (status %d): %s", e.StatusCode, e.Body)
}

// DoRequest sends a POST request with a JSON payload and returns the
// response body bytes, tracing the call as an OTel client span.
func DoRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	ctx, span := otel.Tracer("keyvaultd.adapter").Start(ctx, "adapter.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return nil, fmt.Errorf("adapter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("adapter: create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("adapter: do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("adapter: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.RetryAfterSecs = parseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
		return secs
	}
	return 0
}
