// Package keyvault encrypts provider secrets and delivery URLs at rest.
package keyvault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// Vault derives an XChaCha20-Poly1305 key from the process secret
type Vault struct {
	aead cipher.AEAD
	log  *zap.Logger
}

// New derives the key as SHA-256 of secret, so ciphertexts survive restarts
func New(secret string, log *zap.Logger) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("keyvault: empty secret")
	}
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Vault{aead: aead, log: log}, nil
}

// Encrypt returns base64(nonce || ciphertext). Empty input stays empty.
func (v *Vault) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plain)+v.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to create nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt returns the plaintext, or "" when the value cannot be opened.
// Callers treat "" as a credential that has to be entered again.
func (v *Vault) Decrypt(opaque string) string {
	if opaque == "" {
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		v.log.Warn("Failed to decode encrypted value", zap.Error(err))
		return ""
	}
	ns := v.aead.NonceSize()
	if len(data) < ns+v.aead.Overhead() {
		v.log.Warn("Encrypted value too short", zap.Int("length", len(data)))
		return ""
	}
	plain, err := v.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		v.log.Warn("Failed to decrypt value, key may have changed", zap.Error(err))
		return ""
	}
	return string(plain)
}
