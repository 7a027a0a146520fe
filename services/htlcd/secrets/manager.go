package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SecretSize is the length in bytes of every generated preimage.
const SecretSize = 32

// Algorithm names the hash function used to derive a hash lock from a secret.
type Algorithm string

const (
	// AlgorithmSHA256 is verifiable by Bitcoin-family script and EVM precompiles.
	AlgorithmSHA256 Algorithm = "sha256"
	// AlgorithmKeccak256 matches the native EVM hash used by Solidity HTLCs.
	AlgorithmKeccak256 Algorithm = "keccak256"
)

var (
	// ErrUnsupportedAlgorithm is returned for unknown hash algorithm names.
	ErrUnsupportedAlgorithm = errors.New("secrets: unsupported hash algorithm")
	// ErrInvalidSecret is returned when a secret has the wrong length or encoding.
	ErrInvalidSecret = errors.New("secrets: invalid secret")
	// ErrInvalidHashLock is returned when a hash lock cannot be decoded.
	ErrInvalidHashLock = errors.New("secrets: invalid hash lock")
)

// ParseAlgorithm normalises the supplied name, defaulting to sha256.
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AlgorithmSHA256:
		return AlgorithmSHA256, nil
	case AlgorithmKeccak256, "keccak":
		return AlgorithmKeccak256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, raw)
	}
}

// Secret is a swap preimage. It never renders its bytes through fmt, slog or JSON.
type Secret []byte

// String implements fmt.Stringer.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer so %#v does not leak the bytes either.
func (s Secret) GoString() string { return "secrets.Secret([REDACTED])" }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// MarshalJSON keeps secrets out of any accidentally serialised structure.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

// Reveal returns the hex encoding. Only call it once disclosure is permitted.
func (s Secret) Reveal() string { return hex.EncodeToString(s) }

// ParseSecret decodes a hex encoded preimage.
func ParseSecret(raw string) (Secret, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if len(decoded) != SecretSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecret, SecretSize, len(decoded))
	}
	return Secret(decoded), nil
}

// HashLock is the public commitment to a secret.
type HashLock [32]byte

// Hex returns the 0x-less hex encoding.
func (h HashLock) Hex() string { return hex.EncodeToString(h[:]) }

// String implements fmt.Stringer.
func (h HashLock) String() string { return h.Hex() }

// IsZero reports whether the hash lock is unset.
func (h HashLock) IsZero() bool { return h == HashLock{} }

// MarshalText implements encoding.TextMarshaler.
func (h HashLock) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HashLock) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = HashLock{}
		return nil
	}
	parsed, err := ParseHashLock(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHashLock decodes a hex encoded hash lock.
func ParseHashLock(raw string) (HashLock, error) {
	var out HashLock
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidHashLock, err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHashLock, len(out), len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// Hash derives the hash lock for secret under the supplied algorithm.
func Hash(algorithm Algorithm, secret Secret) (HashLock, error) {
	var out HashLock
	switch algorithm {
	case AlgorithmSHA256, "":
		out = sha256.Sum256(secret)
	case AlgorithmKeccak256:
		copy(out[:], ethcrypto.Keccak256(secret))
	default:
		return out, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return out, nil
}

// Verify reports whether secret is the preimage of lock under algorithm.
func Verify(algorithm Algorithm, secret Secret, lock HashLock) bool {
	if len(secret) == 0 {
		return false
	}
	derived, err := Hash(algorithm, secret)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived[:], lock[:]) == 1
}

// Manager generates secrets and their hash locks.
type Manager struct {
	algorithm Algorithm
	entropy   io.Reader
}

// Option configures a Manager.
type Option func(*Manager)

// WithEntropy overrides the randomness source. Tests use it for deterministic secrets.
func WithEntropy(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.entropy = r
		}
	}
}

// NewManager constructs a Manager for the supplied algorithm name.
func NewManager(algorithm string, opts ...Option) (*Manager, error) {
	alg, err := ParseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	m := &Manager{algorithm: alg, entropy: rand.Reader}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Algorithm returns the hash algorithm used for new swaps.
func (m *Manager) Algorithm() Algorithm {
	if m == nil {
		return AlgorithmSHA256
	}
	return m.algorithm
}

// GenerateSecret returns a fresh fixed-length preimage.
func (m *Manager) GenerateSecret() (Secret, error) {
	if m == nil {
		return nil, errors.New("secrets: manager not configured")
	}
	buf := make([]byte, SecretSize)
	if _, err := io.ReadFull(m.entropy, buf); err != nil {
		return nil, fmt.Errorf("secrets: read entropy: %w", err)
	}
	return Secret(buf), nil
}

// Hash derives the hash lock using the manager's algorithm.
func (m *Manager) Hash(secret Secret) (HashLock, error) {
	return Hash(m.Algorithm(), secret)
}

// Verify reports whether secret is the preimage of lock under the manager's algorithm.
func (m *Manager) Verify(secret Secret, lock HashLock) bool {
	return Verify(m.Algorithm(), secret, lock)
}
