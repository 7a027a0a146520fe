package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"xswap/services/htlcd/secrets"
)

// LockRequest describes a hash-time-locked transfer on one ledger.
type LockRequest struct {
	// LockID is the idempotency key; re-issuing a lock with the same id
	// returns the original reference.
	LockID        string
	AssetID       string
	Amount        *big.Int
	From          string
	To            string
	HashLock      secrets.HashLock
	HashAlgorithm secrets.Algorithm
	TimelockAt    time.Time
}

// LockRef identifies an on-ledger lock.
type LockRef struct {
	Chain  string `json:"chain"`
	LockID string `json:"lockId"`
	TxHash string `json:"txHash"`
}

// IsZero reports whether the reference is unset.
func (r LockRef) IsZero() bool { return r.LockID == "" && r.TxHash == "" }

// ClaimRef identifies the transaction that claimed a lock.
type ClaimRef struct {
	TxHash string `json:"txHash"`
}

// RefundRef identifies the transaction that refunded a lock.
type RefundRef struct {
	TxHash string `json:"txHash"`
}

// LockStatus is the ledger's own view of a lock.
type LockStatus struct {
	Claimed       bool   `json:"claimed"`
	Refunded      bool   `json:"refunded"`
	Confirmations uint64 `json:"confirmations"`
	// TimelockExpired reflects the chain's block-height timelock, which may
	// trip before the engine's wall clock deadline.
	TimelockExpired bool   `json:"timelockExpired"`
	ClaimTxHash     string `json:"claimTxHash,omitempty"`
	RefundTxHash    string `json:"refundTxHash,omitempty"`
}

// Adapter is the lock/claim/refund capability of a single ledger. Every
// method must be safe to re-issue with the same identifiers.
type Adapter interface {
	Chain() string
	Lock(ctx context.Context, req LockRequest) (LockRef, error)
	Claim(ctx context.Context, ref LockRef, secret secrets.Secret) (ClaimRef, error)
	Refund(ctx context.Context, ref LockRef) (RefundRef, error)
	QueryLock(ctx context.Context, ref LockRef) (LockStatus, error)
	Balance(ctx context.Context, account, asset string) (*big.Int, error)
}

// Registry resolves adapters by chain identifier.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry constructs a registry holding the supplied adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, adapter := range adapters {
		r.Register(adapter)
	}
	return r
}

// Register adds or replaces the adapter for its chain.
func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[normalizeChain(adapter.Chain())] = adapter
}

// Get returns the adapter for chain.
func (r *Registry) Get(chain string) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalizeChain(chain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return adapter, nil
}

// Chains lists the registered chain identifiers.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for chain := range r.adapters {
		out = append(out, chain)
	}
	sort.Strings(out)
	return out
}

func normalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}
