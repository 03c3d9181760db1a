// Package crypto provides authenticated encryption for credential bytes
// under a passphrase-derived key, matching the on-disk blob format used by
// the credential store: salt ‖ nonce ‖ ciphertext_with_tag.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters (OWASP recommended minimums).
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32

	saltLen   = 32
	nonceLen  = 12
	headerLen = saltLen + nonceLen
)

// ErrAuthFailed is returned by Decrypt when the authentication tag does not
// verify, whether because of a wrong passphrase or corrupted ciphertext.
// It deliberately carries no information distinguishing the two cases.
var ErrAuthFailed = errors.New("crypto: authentication failed")

// deriveKey runs Argon2id over passphrase and salt to produce a 32-byte
// AES-256 key.
func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

// Encrypt authenticates and encrypts plaintext under a key derived from
// passphrase. The returned blob is salt ‖ nonce ‖ ciphertext_with_tag and is
// safe to persist; it is never the same twice for the same inputs.
func Encrypt(plaintext, passphrase []byte) (blob []byte, err error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	key := deriveKey(passphrase, salt)
	defer Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	out := make([]byte, 0, headerLen+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt splits blob into its salt, nonce and ciphertext, re-derives the key
// from passphrase, and verifies and decrypts. On any authentication failure
// it returns ErrAuthFailed with no further detail.
func Decrypt(blob, passphrase []byte) (plaintext []byte, err error) {
	if len(blob) < headerLen {
		return nil, ErrAuthFailed
	}
	salt := blob[:saltLen]
	nonce := blob[saltLen:headerLen]
	ciphertext := blob[headerLen:]

	key := deriveKey(passphrase, salt)
	defer Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

// Zero overwrites b with zero bytes in place. Callers hold plaintext
// credentials only for the duration of one operation and must scrub them on
// every exit path, including error paths.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
