// Package secrets encrypts credentials Matrix holds at rest: LLM and
// embedding provider API keys, and bearer tokens for remote tool servers.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo separates the vault's derived AES key from any other use of the
// same master key, and lets the derivation be versioned if the vault's
// wire format ever changes.
const hkdfInfo = "matrix-vault-v1"

//nolint:gochecknoglobals // sentinel error
var ErrCredentialNotFound = errors.New("secrets: not found")

//nolint:gochecknoglobals // sentinel error
var ErrInvalidKey = errors.New("secrets: invalid encryption key")

// Credential is one encrypted value keyed by a well-known name, e.g.
// "llm.openai.api_key" or "tools.remote.mcp-search.token".
type Credential struct {
	Name      string
	Value     string // encrypted value (base64-encoded ciphertext)
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CredentialRepository stores encrypted credentials.
type CredentialRepository interface {
	Put(ctx context.Context, c *Credential) error
	Get(ctx context.Context, name string) (*Credential, error)
	List(ctx context.Context) ([]*Credential, error)
	Delete(ctx context.Context, name string) error
}

// Vault encrypts/decrypts credentials using AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// NewVault creates a Vault with the given 32-byte master key. The actual
// AES key is derived from it via HKDF-SHA256 rather than used directly,
// so the same master key can be reused to derive other purpose-specific
// keys in the future without ever reusing this one.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(hkdfInfo)), derived); err != nil {
		return nil, fmt.Errorf("secrets.NewVault: derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("secrets.NewVault: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets.NewVault: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt encrypts plaintext and returns base64-encoded ciphertext.
// The output format is base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets.Encrypt: generate nonce: %w", err)
	}

	// Seal appends the encrypted data to nonce, producing nonce || ciphertext.
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts base64-encoded ciphertext and returns plaintext.
// Expects the format base64(nonce || ciphertext).
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secrets.Decrypt: base64 decode: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("secrets.Decrypt: ciphertext too short")
	}

	nonce := data[:nonceSize]
	encrypted := data[nonceSize:]

	plaintext, err := v.aead.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("secrets.Decrypt: %w", err)
	}

	return string(plaintext), nil
}

// DecryptAll takes a list of encrypted credentials and returns a map of
// name to plaintext. It fails on the first credential that does not
// decrypt, naming that credential in the error.
func (v *Vault) DecryptAll(creds []*Credential) (map[string]string, error) {
	result := make(map[string]string, len(creds))

	for _, c := range creds {
		plaintext, err := v.Decrypt(c.Value)
		if err != nil {
			return nil, fmt.Errorf("secrets.DecryptAll: decrypt %q: %w", c.Name, err)
		}

		result[c.Name] = plaintext
	}

	return result, nil
}
