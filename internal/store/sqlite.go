package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keyvaultd/keyvaultd/internal/crypto"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db         *sql.DB
	passphrase []byte
}

// NewSQLite opens or creates a SQLite database at dsn. passphrase is held
// for the lifetime of the store and used to encrypt/decrypt credential
// blobs; callers must zero their own copy once NewSQLite returns.
func NewSQLite(dsn string, passphrase []byte) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite pragmas: %w", err)
	}
	// SQLite allows one writer at a time; keep the pool small and let
	// busy_timeout absorb brief contention rather than spreading writers
	// across many connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pw := make([]byte, len(passphrase))
	copy(pw, passphrase)
	return &SQLiteStore{db: db, passphrase: pw}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			encrypted_blob BLOB NOT NULL,
			role TEXT NOT NULL DEFAULT 'worker',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME,
			last_probe_at DATETIME,
			note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_provider ON credentials(provider)`,
		`CREATE TABLE IF NOT EXISTS usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL DEFAULT '',
			credential_id TEXT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			caller_tag TEXT NOT NULL DEFAULT '',
			budget_tag TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'success',
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_credential_ts ON usage(credential_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS probes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			credential_id TEXT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			valid BOOLEAN NOT NULL,
			remaining_rpm INTEGER,
			remaining_rpd INTEGER,
			remaining_tpm INTEGER,
			error_type TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			reset_time TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_probes_credential_ts ON probes(credential_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS catalogue (
			provider TEXT NOT NULL,
			model_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			input_token_limit INTEGER NOT NULL DEFAULT 0,
			output_token_limit INTEGER NOT NULL DEFAULT 0,
			supports_generate BOOLEAN NOT NULL DEFAULT 0,
			supports_embedding BOOLEAN NOT NULL DEFAULT 0,
			preview BOOLEAN NOT NULL DEFAULT 0,
			deprecated BOOLEAN NOT NULL DEFAULT 0,
			first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (provider, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_metrics (
			day TEXT NOT NULL,
			credential_id TEXT NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (day, credential_id)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	crypto.Zero(s.passphrase)
	return s.db.Close()
}

func (s *SQLiteStore) Add(ctx context.Context, id, provider string, plaintext []byte, role Role, note string) error {
	blob, err := crypto.Encrypt(plaintext, s.passphrase)
	crypto.Zero(plaintext)
	if err != nil {
		return fmt.Errorf("store: encrypt credential: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, provider, encrypted_blob, role, status, note)
		 VALUES (?, ?, ?, ?, 'active', ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider=excluded.provider,
		   encrypted_blob=excluded.encrypted_blob,
		   role=excluded.role,
		   status='active',
		   note=excluded.note`,
		id, provider, blob, string(role), note)
	if err != nil {
		return fmt.Errorf("store: add credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("store: remove credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: remove credential: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Decrypt(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_blob, status FROM credentials WHERE id = ?`, id).
		Scan(&blob, &status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFoundOrInactive
	}
	if err != nil {
		return nil, fmt.Errorf("store: decrypt credential: %w", err)
	}
	if Status(status) != StatusActive {
		return nil, ErrNotFoundOrInactive
	}

	plaintext, err := crypto.Decrypt(blob, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt credential %s: %w", id, err)
	}
	return plaintext, nil
}

// DecryptForProbe decrypts id's secret regardless of its current status, so
// the discovery scan can probe (and potentially re-admit) a rate_limited or
// quarantined credential, not only ones already active. Only a row that
// does not exist at all is an error.
func (s *SQLiteStore) DecryptForProbe(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_blob FROM credentials WHERE id = ?`, id).
		Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFoundOrInactive
	}
	if err != nil {
		return nil, fmt.Errorf("store: decrypt credential for probe: %w", err)
	}

	plaintext, err := crypto.Decrypt(blob, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt credential %s: %w", id, err)
	}
	return plaintext, nil
}

func scanCredential(row interface {
	Scan(dest ...any) error
}) (Credential, error) {
	var c Credential
	var role, status string
	var lastUsed, lastProbe sql.NullTime
	err := row.Scan(&c.ID, &c.Provider, &c.EncryptedBlob, &role, &status, &c.CreatedAt, &lastUsed, &lastProbe, &c.Note)
	if err != nil {
		return Credential{}, err
	}
	c.Role = Role(role)
	c.Status = Status(status)
	if lastUsed.Valid {
		c.LastUsedAt = &lastUsed.Time
	}
	if lastProbe.Valid {
		c.LastProbeAt = &lastProbe.Time
	}
	return c, nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, encrypted_blob, role, status, created_at, last_used_at, last_probe_at, note FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListActiveWorkers(ctx context.Context, provider string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM credentials WHERE provider = ? AND role = 'worker' AND status = 'active'`, provider)
	if err != nil {
		return nil, fmt.Errorf("store: list active workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan worker id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) OrchestratorFor(ctx context.Context, provider string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM credentials WHERE provider = ? AND role = 'orchestrator' LIMIT 1`, provider).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: orchestrator_for: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: touch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, u Usage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage (request_id, credential_id, provider, model, caller_tag, budget_tag, timestamp,
			input_tokens, output_tokens, cost_usd, latency_ms, status, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.RequestID, u.CredentialID, u.Provider, u.Model, u.CallerTag, u.BudgetTag,
		u.Timestamp.Format(time.RFC3339), u.InputTokens, u.OutputTokens, u.CostUSD, u.LatencyMS,
		string(u.Status), u.ErrorMessage)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}

	day := u.Timestamp.Format("2006-01-02")
	successInc, failureInc := 0, 0
	if u.Status == UsageSuccess {
		successInc = 1
	} else {
		failureInc = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO daily_metrics (day, credential_id, total, successes, failures, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		 ON CONFLICT(day, credential_id) DO UPDATE SET
		   total = total + 1,
		   successes = successes + excluded.successes,
		   failures = failures + excluded.failures,
		   input_tokens = input_tokens + excluded.input_tokens,
		   output_tokens = output_tokens + excluded.output_tokens,
		   cost_usd = cost_usd + excluded.cost_usd`,
		day, u.CredentialID, successInc, failureInc, u.InputTokens, u.OutputTokens, u.CostUSD)
	if err != nil {
		return fmt.Errorf("store: record usage rollup: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) RecordProbe(ctx context.Context, p Probe) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	var resetTime any
	if p.ResetTime != nil {
		resetTime = p.ResetTime.Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO probes (credential_id, provider, model, timestamp, valid, remaining_rpm, remaining_rpd,
			remaining_tpm, error_type, error_message, reset_time, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.CredentialID, p.Provider, p.Model, p.Timestamp.Format(time.RFC3339), p.Valid,
		p.RemainingRPM, p.RemainingRPD, p.RemainingTPM, p.ErrorType, p.ErrorMessage, resetTime, p.LatencyMS)
	if err != nil {
		return fmt.Errorf("store: record probe: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE credentials SET last_probe_at = ? WHERE id = ?`, p.Timestamp.Format(time.RFC3339), p.CredentialID)
	if err != nil {
		return fmt.Errorf("store: record probe (touch last_probe_at): %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateCatalogue(ctx context.Context, entries []CatalogueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: update catalogue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalogue (provider, model_id, display_name, input_token_limit, output_token_limit,
				supports_generate, supports_embedding, preview, deprecated, first_seen_at, last_seen_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(provider, model_id) DO UPDATE SET
			   display_name=excluded.display_name,
			   input_token_limit=excluded.input_token_limit,
			   output_token_limit=excluded.output_token_limit,
			   supports_generate=excluded.supports_generate,
			   supports_embedding=excluded.supports_embedding,
			   preview=excluded.preview,
			   deprecated=excluded.deprecated,
			   last_seen_at=excluded.last_seen_at`,
			e.Provider, e.ModelID, e.DisplayName, e.InputTokenLimit, e.OutputTokenLimit,
			e.SupportsGenerate, e.SupportsEmbedding, e.Preview, e.Deprecated, now, now)
		if err != nil {
			return fmt.Errorf("store: upsert catalogue entry %s/%s: %w", e.Provider, e.ModelID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UsageLast24h(ctx context.Context) (map[string]UsageSummary, error) {
	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx,
		`SELECT credential_id,
		        COUNT(*),
		        SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		        SUM(input_tokens),
		        SUM(output_tokens),
		        SUM(cost_usd)
		 FROM usage
		 WHERE timestamp >= ?
		 GROUP BY credential_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: usage_last_24h: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]UsageSummary)
	for rows.Next() {
		var credID string
		var sum UsageSummary
		if err := rows.Scan(&credID, &sum.Total, &sum.Successes, &sum.Failures, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("store: scan usage summary: %w", err)
		}
		out[credID] = sum
	}
	return out, rows.Err()
}
