// Package auth resolves and guards the daemon's bearer token: a two-sided
// reconciliation between an authoritative secret backend and a derivative
// plaintext-mirror file, following the same env/persisted-file/generated
// precedence the originating stack already used for its own admin token.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// tokenBytes is the length of a freshly generated bearer token, in bytes
// (256 bits).
const tokenBytes = 32

// SecretBackend is the authoritative side of the reconciliation: in
// production this would be an OS keychain; the only implementation shipped
// here is a second owner-only file, distinct from the plaintext-mirror file
// the Holder itself maintains.
type SecretBackend interface {
	Get(service, account string) ([]byte, error)
	Set(service, account string, value []byte) error
}

// ErrSecretNotFound is returned by a SecretBackend when no value is stored
// for (service, account).
var ErrSecretNotFound = errors.New("auth: secret not found")

// FileSecretBackend stores one secret per (service, account) pair as an
// owner-only file under dir.
type FileSecretBackend struct {
	dir string
}

// NewFileSecretBackend returns a SecretBackend rooted at dir, creating it
// with owner-only permissions if it does not already exist.
func NewFileSecretBackend(dir string) (*FileSecretBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("auth: create secret backend dir: %w", err)
	}
	return &FileSecretBackend{dir: dir}, nil
}

func (b *FileSecretBackend) path(service, account string) string {
	return filepath.Join(b.dir, fmt.Sprintf("%s.%s.secret", service, account))
}

// Get returns the stored secret, or ErrSecretNotFound if absent.
func (b *FileSecretBackend) Get(service, account string) ([]byte, error) {
	data, err := os.ReadFile(b.path(service, account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("auth: read secret: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// Set atomically writes the secret (write-tmp, fsync, rename) with
// owner-only permissions.
func (b *FileSecretBackend) Set(service, account string, value []byte) error {
	return atomicWriteFile(b.path(service, account), value)
}

func atomicWriteFile(path string, value []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("auth: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("auth: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("auth: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("auth: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("auth: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("auth: rename temp file: %w", err)
	}
	return nil
}

// secretService tags every record this daemon keeps in a SecretBackend.
// The bearer token and the credential-store passphrase are both held under
// this one service, distinguished only by account name, per §4.I.
const secretService = "keyvaultd"

// Account names for the two records this daemon resolves through a Holder.
const (
	AccountBearerToken     = "bearer-token"
	AccountStorePassphrase = "store-passphrase"
)

// Holder resolves and guards one named secret (the bearer token, or the
// credential-store passphrase) via the two-sided reconciliation described
// in §4.I, keeping the secret backend and a plaintext-mirror file in sync.
type Holder struct {
	mu         sync.RWMutex
	account    string
	token      string
	backend    SecretBackend
	mirrorPath string
	logger     *slog.Logger
}

// NewHolder resolves the named secret using the following precedence:
//
//  1. Both sides missing -> generate a new value, store it on both sides.
//  2. Secret backend missing, mirror file present -> import the mirror's
//     value into the backend (the backend is authoritative going forward).
//  3. Secret backend present -> it is authoritative; the mirror file is
//     rewritten to match it on every start, regardless of its prior content.
func NewHolder(backend SecretBackend, account, mirrorPath string, logger *slog.Logger) (*Holder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{backend: backend, account: account, mirrorPath: mirrorPath, logger: logger}

	authoritative, err := backend.Get(secretService, account)
	switch {
	case err == nil:
		h.token = string(authoritative)
	case errors.Is(err, ErrSecretNotFound):
		if mirrored, mErr := readMirror(mirrorPath); mErr == nil && mirrored != "" {
			h.token = mirrored
			if err := backend.Set(secretService, account, []byte(h.token)); err != nil {
				return nil, fmt.Errorf("auth: import %s into secret backend: %w", account, err)
			}
			logger.Info("auth: imported secret from mirror file into secret backend", slog.String("account", account))
		} else {
			token, genErr := generateToken()
			if genErr != nil {
				return nil, genErr
			}
			h.token = token
			if err := backend.Set(secretService, account, []byte(h.token)); err != nil {
				return nil, fmt.Errorf("auth: store generated %s: %w", account, err)
			}
			logger.Warn("auth: no secret found on either side — generated a new one", slog.String("account", account))
		}
	default:
		return nil, fmt.Errorf("auth: read secret backend: %w", err)
	}

	if err := h.rewriteMirror(); err != nil {
		return nil, err
	}
	return h, nil
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func readMirror(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (h *Holder) rewriteMirror() error {
	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()
	if err := atomicWriteFile(h.mirrorPath, []byte(token+"\n")); err != nil {
		return fmt.Errorf("auth: rewrite mirror file: %w", err)
	}
	return nil
}

// Get returns the current bearer token.
func (h *Holder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// ConstantTimeEqual reports whether provided matches the current token,
// using a constant-time comparison to avoid timing side channels.
func (h *Holder) ConstantTimeEqual(provided string) bool {
	h.mu.RLock()
	current := h.token
	h.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(provided), []byte(current)) == 1
}

// Override forcibly sets the held secret to value, storing it on both
// sides. Used for an operator-supplied config override that must win over
// whatever the secret backend or mirror file currently hold.
func (h *Holder) Override(value string) error {
	h.mu.Lock()
	h.token = value
	h.mu.Unlock()

	if err := h.backend.Set(secretService, h.account, []byte(value)); err != nil {
		return fmt.Errorf("auth: store overridden %s: %w", h.account, err)
	}
	return h.rewriteMirror()
}

// Sync re-reads the authoritative value from the secret backend and
// rewrites the plaintext-mirror file to match it, without generating or
// importing anything. Used by an operator to force the two sides back in
// step after an out-of-band edit to the secret backend.
func (h *Holder) Sync() (string, error) {
	authoritative, err := h.backend.Get(secretService, h.account)
	if err != nil {
		return "", fmt.Errorf("auth: read secret backend: %w", err)
	}

	h.mu.Lock()
	h.token = string(authoritative)
	h.mu.Unlock()

	if err := h.rewriteMirror(); err != nil {
		return "", err
	}
	return h.Get(), nil
}

// Rotate generates a new token, stores it on both sides, and returns it.
func (h *Holder) Rotate() (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.token = token
	h.mu.Unlock()

	if err := h.backend.Set(secretService, h.account, []byte(token)); err != nil {
		return "", fmt.Errorf("auth: store rotated token in secret backend: %w", err)
	}
	if err := h.rewriteMirror(); err != nil {
		return "", err
	}
	h.logger.Info("auth: bearer token rotated")
	return token, nil
}
