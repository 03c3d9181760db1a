// Package store is the durable mapping of credential records plus their
// usage/probe/catalogue history. All mutation goes through a single
// guarded handle; credential plaintext is encrypted on write and decrypted
// only on read, and never persisted in the clear.
package store

import (
	"context"
	"time"
)

// Role is the purpose a credential plays for its provider.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleWorker       Role = "worker"
	RoleSpare        Role = "spare"
)

// Status is a credential's current usability.
type Status string

const (
	StatusActive      Status = "active"
	StatusRateLimited Status = "rate_limited"
	StatusQuarantined Status = "quarantined"
	StatusDisabled    Status = "disabled"
)

// Credential is a durable record of one encrypted third-party API key.
type Credential struct {
	ID            string
	Provider      string
	EncryptedBlob []byte
	Role          Role
	Status        Status
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	LastProbeAt   *time.Time
	Note          string
}

// UsageStatus is the outcome of one generation attempt.
type UsageStatus string

const (
	UsageSuccess UsageStatus = "success"
	UsageError   UsageStatus = "error"
)

// Usage is one append-only record of a generation attempt.
type Usage struct {
	RequestID    string
	CredentialID string
	Provider     string
	Model        string
	CallerTag    string
	BudgetTag    string
	Timestamp    time.Time
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	LatencyMS    int64
	Status       UsageStatus
	ErrorMessage string
}

// Probe is one append-only record of a credential liveness/quota check.
type Probe struct {
	CredentialID string
	Provider     string
	Model        string
	Timestamp    time.Time
	Valid        bool
	RemainingRPM *int
	RemainingRPD *int
	RemainingTPM *int64
	ErrorType    string
	ErrorMessage string
	ResetTime    *time.Time
	LatencyMS    int64
}

// CatalogueEntry is one (provider, model) row discovered by the discovery
// loop, upserted on every scan.
type CatalogueEntry struct {
	Provider          string
	ModelID           string
	DisplayName       string
	InputTokenLimit   int64
	OutputTokenLimit  int64
	SupportsGenerate  bool
	SupportsEmbedding bool
	Preview           bool
	Deprecated        bool
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
}

// UsageSummary is the 24-hour usage rollup for one credential.
type UsageSummary struct {
	Total        int64
	Successes    int64
	Failures     int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Store is the durable credential/usage/probe/catalogue mapping. All
// implementations encrypt plaintext on Add and never return it except via
// Decrypt and DecryptForProbe.
type Store interface {
	Add(ctx context.Context, id, provider string, plaintext []byte, role Role, note string) error
	Remove(ctx context.Context, id string) (bool, error)
	Decrypt(ctx context.Context, id string) ([]byte, error)
	DecryptForProbe(ctx context.Context, id string) ([]byte, error)

	ListAll(ctx context.Context) ([]Credential, error)
	ListActiveWorkers(ctx context.Context, provider string) ([]string, error)
	OrchestratorFor(ctx context.Context, provider string) (string, bool, error)

	SetStatus(ctx context.Context, id string, status Status) error
	Touch(ctx context.Context, id string) error

	RecordUsage(ctx context.Context, u Usage) error
	RecordProbe(ctx context.Context, p Probe) error
	UpdateCatalogue(ctx context.Context, entries []CatalogueEntry) error

	UsageLast24h(ctx context.Context) (map[string]UsageSummary, error)

	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFoundOrInactive is returned by Decrypt when the credential does not
// exist or is not active.
var ErrNotFoundOrInactive = notFoundOrInactiveError{}

type notFoundOrInactiveError struct{}

func (notFoundOrInactiveError) Error() string { return "store: credential not found or not active" }
