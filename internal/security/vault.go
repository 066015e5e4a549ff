// Package security implements the credential and session capability the
// connection manager consumes: AES-256-GCM encryption of stored credentials
// and a single session clock bound to the active connection.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("security: invalid ciphertext")
	// ErrInvalidKey is returned when the vault key is empty.
	ErrInvalidKey = errors.New("security: invalid key")
)

// Provider is the security port.
type Provider interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	StartSession(connectionID string, timeout time.Duration)
	ExtendSession()
	EndSession()
	RemainingSessionSeconds() int
}

// Vault is the default Provider. The AES key is the SHA-256 of the
// configured master key.
type Vault struct {
	aead cipher.AEAD
	now  func() time.Time

	mu           sync.Mutex
	connectionID string
	lastActivity time.Time
	timeout      time.Duration
}

// NewVault creates a Vault from a master key.
func NewVault(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrInvalidKey
	}
	derived := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return &Vault{aead: gcm, now: time.Now}, nil
}

// SetClock replaces the session clock. Used by tests.
func (v *Vault) SetClock(now func() time.Time) {
	v.mu.Lock()
	v.now = now
	v.mu.Unlock()
}

// Encrypt seals plaintext and returns base64(nonce||ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("security: read nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. An empty ciphertext decrypts to an empty string.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	n := v.aead.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCiphertext
	}
	plain, err := v.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

// StartSession binds the session clock to connectionID.
func (v *Vault) StartSession(connectionID string, timeout time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connectionID = connectionID
	v.timeout = timeout
	v.lastActivity = v.now()
}

// ExtendSession records activity on the current session.
func (v *Vault) ExtendSession() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connectionID != "" {
		v.lastActivity = v.now()
	}
}

// EndSession clears the session.
func (v *Vault) EndSession() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connectionID = ""
	v.timeout = 0
	v.lastActivity = time.Time{}
}

// RemainingSessionSeconds returns the idle seconds left before the session
// times out, 0 without a session and -1 for a session with no timeout.
func (v *Vault) RemainingSessionSeconds() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connectionID == "" {
		return 0
	}
	if v.timeout <= 0 {
		return -1
	}
	left := v.lastActivity.Add(v.timeout).Sub(v.now())
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}
