package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/nacl/secretbox"
)

var bucketSecrets = []byte("swap_secrets")

const nonceSize = 24

var (
	// ErrSecretNotFound is returned when the vault holds no secret for a swap.
	ErrSecretNotFound = errors.New("secrets: secret not found")
	// ErrSealKey is returned for a missing or malformed vault key.
	ErrSealKey = errors.New("secrets: invalid vault key")
	// ErrUnseal is returned when a stored entry does not open under the vault key.
	ErrUnseal = errors.New("secrets: vault entry cannot be unsealed")
)

// SealKey encrypts BoltVault entries at rest.
type SealKey [32]byte

// ParseSealKey decodes a hex encoded 32 byte key.
func ParseSealKey(raw string) (SealKey, error) {
	var key SealKey
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return key, fmt.Errorf("%w: key is empty", ErrSealKey)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrSealKey, err)
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("%w: expected %d bytes, got %d", ErrSealKey, len(key), len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// Vault stores swap preimages apart from the swap records themselves.
type Vault interface {
	Put(ctx context.Context, swapID string, secret Secret) error
	Get(ctx context.Context, swapID string) (Secret, error)
	Delete(ctx context.Context, swapID string) error
}

// MemoryVault keeps secrets in process memory.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string]Secret
}

// NewMemoryVault constructs an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]Secret)}
}

// Put stores the secret for swapID. Re-storing the same secret is a no-op.
func (v *MemoryVault) Put(_ context.Context, swapID string, secret Secret) error {
	if strings.TrimSpace(swapID) == "" {
		return errors.New("secrets: swap id required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[swapID] = append(Secret(nil), secret...)
	return nil
}

// Get returns a copy of the stored secret.
func (v *MemoryVault) Get(_ context.Context, swapID string) (Secret, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.secrets[swapID]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return append(Secret(nil), secret...), nil
}

// Delete removes the secret for swapID.
func (v *MemoryVault) Delete(_ context.Context, swapID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, swapID)
	return nil
}

// BoltVault persists secrets to a dedicated BoltDB file so a restart between
// initiation and claim does not lose the preimage. Entries are sealed with
// NaCl secretbox; the file never holds a preimage in the clear.
type BoltVault struct {
	db  *bolt.DB
	key SealKey
}

// OpenBoltVault opens (or creates) the vault file with owner-only permissions.
func OpenBoltVault(path string, key SealKey) (*BoltVault, error) {
	if key == (SealKey{}) {
		return nil, fmt.Errorf("%w: zero key", ErrSealKey)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("secrets: vault path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("secrets: create vault directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("secrets: open vault: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSecrets)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("secrets: init vault: %w", err)
	}
	return &BoltVault{db: db, key: key}, nil
}

// Close releases the underlying database.
func (v *BoltVault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

// Put seals and stores the secret for swapID.
func (v *BoltVault) Put(_ context.Context, swapID string, secret Secret) error {
	if strings.TrimSpace(swapID) == "" {
		return errors.New("secrets: swap id required")
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("secrets: nonce: %w", err)
	}
	key := [32]byte(v.key)
	sealed := secretbox.Seal(nonce[:], secret, &nonce, &key)
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(swapID), sealed)
	})
}

// Get unseals and returns the stored secret.
func (v *BoltVault) Get(_ context.Context, swapID string) (Secret, error) {
	var sealed []byte
	err := v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSecrets).Get([]byte(swapID))
		if raw == nil {
			return ErrSecretNotFound
		}
		// bolt values are only valid inside the transaction.
		sealed = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: entry for %s is truncated", ErrUnseal, swapID)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	key := [32]byte(v.key)
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("%w: entry for %s", ErrUnseal, swapID)
	}
	return Secret(out), nil
}

// Delete removes the secret for swapID.
func (v *BoltVault) Delete(_ context.Context, swapID string) error {
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(swapID))
	})
}
