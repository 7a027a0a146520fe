package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"xswap/services/htlcd/secrets"
)

type simulatedLock struct {
	req           LockRequest
	txHash        string
	height        uint64
	claimTx       string
	refundTx      string
	secret        secrets.Secret
	forcedExpired bool
}

// Simulated is an in-process HTLC ledger. It keeps balances, enforces hash
// and time locks, and honours the idempotence contract of Adapter. Failures
// can be injected per method.
type Simulated struct {
	chain string

	mu        sync.Mutex
	clock     func() time.Time
	height    uint64
	autoMine  bool
	balances  map[string]*big.Int
	locks     map[string]*simulatedLock
	hashLocks map[secrets.HashLock]string
	failures  map[string][]error
	calls     map[string]int
}

// SimulatedOption configures a Simulated ledger.
type SimulatedOption func(*Simulated)

// WithSimulatedClock overrides the clock used to evaluate timelocks.
func WithSimulatedClock(clock func() time.Time) SimulatedOption {
	return func(s *Simulated) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAutoMine mines a block on every QueryLock so confirmations accrue on their own.
func WithAutoMine() SimulatedOption {
	return func(s *Simulated) { s.autoMine = true }
}

// NewSimulated constructs an empty simulated ledger for chain.
func NewSimulated(chain string, opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		chain:     strings.TrimSpace(chain),
		clock:     time.Now,
		height:    1,
		balances:  make(map[string]*big.Int),
		locks:     make(map[string]*simulatedLock),
		hashLocks: make(map[secrets.HashLock]string),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func balanceKey(account, asset string) string {
	return strings.TrimSpace(account) + "|" + strings.ToUpper(strings.TrimSpace(asset))
}

// Deposit credits account with amount of asset.
func (s *Simulated) Deposit(account, asset string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(account, asset, amount)
}

func (s *Simulated) credit(account, asset string, amount *big.Int) {
	key := balanceKey(account, asset)
	current, ok := s.balances[key]
	if !ok {
		current = new(big.Int)
	}
	s.balances[key] = new(big.Int).Add(current, amount)
}

// Mine advances the chain by n blocks.
func (s *Simulated) Mine(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += n
}

// ExpireLock forces the chain-side timelock of lockID to report expired, as
// if the block-height deadline passed before the wall clock one.
func (s *Simulated) ExpireLock(lockID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[lockID]; ok {
		lock.forcedExpired = true
	}
}

// FailNext queues err to be returned by the next call to method
// ("lock", "claim", "refund", "query_lock", "balance").
func (s *Simulated) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], err)
}

// Calls returns how many times method was invoked.
func (s *Simulated) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// LockedAmount sums the amounts of open locks funded by account in asset.
func (s *Simulated) LockedAmount(account, asset string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := new(big.Int)
	for _, lock := range s.locks {
		if lock.claimTx != "" || lock.refundTx != "" {
			continue
		}
		if balanceKey(lock.req.From, lock.req.AssetID) == balanceKey(account, asset) {
			total.Add(total, lock.req.Amount)
		}
	}
	return total
}

// RevealedSecret returns the preimage published by a claim, if any.
func (s *Simulated) RevealedSecret(lockID string) (secrets.Secret, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[lockID]
	if !ok || lock.secret == nil {
		return nil, false
	}
	return append(secrets.Secret(nil), lock.secret...), true
}

func (s *Simulated) enter(method string) error {
	s.calls[method]++
	queue := s.failures[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.failures[method] = queue[1:]
	return err
}

func (s *Simulated) txHash(kind, lockID string) string {
	sum := sha256.Sum256([]byte(s.chain + "|" + kind + "|" + lockID))
	return "0x" + hex.EncodeToString(sum[:])
}

func (s *Simulated) expired(lock *simulatedLock) bool {
	return lock.forcedExpired || !s.clock().Before(lock.req.TimelockAt)
}

// Chain implements Adapter.
func (s *Simulated) Chain() string { return s.chain }

// Lock implements Adapter.
func (s *Simulated) Lock(_ context.Context, req LockRequest) (LockRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("lock"); err != nil {
		return LockRef{}, err
	}
	if existing, ok := s.locks[req.LockID]; ok {
		return LockRef{Chain: s.chain, LockID: req.LockID, TxHash: existing.txHash}, nil
	}
	if strings.TrimSpace(req.LockID) == "" {
		return LockRef{}, fmt.Errorf("%w: lock id required", ErrLockRejected)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return LockRef{}, fmt.Errorf("%w: amount must be positive", ErrLockRejected)
	}
	if owner, used := s.hashLocks[req.HashLock]; used && owner != req.LockID {
		return LockRef{}, ErrHashAlreadyUsed
	}
	if !s.clock().Before(req.TimelockAt) {
		return LockRef{}, fmt.Errorf("%w: timelock already passed", ErrLockRejected)
	}
	key := balanceKey(req.From, req.AssetID)
	balance, ok := s.balances[key]
	if !ok || balance.Cmp(req.Amount) < 0 {
		return LockRef{}, fmt.Errorf("%w: insufficient funds", ErrLockRejected)
	}
	s.balances[key] = new(big.Int).Sub(balance, req.Amount)
	stored := req
	stored.Amount = new(big.Int).Set(req.Amount)
	lock := &simulatedLock{req: stored, txHash: s.txHash("lock", req.LockID), height: s.height}
	s.locks[req.LockID] = lock
	s.hashLocks[req.HashLock] = req.LockID
	return LockRef{Chain: s.chain, LockID: req.LockID, TxHash: lock.txHash}, nil
}

// Claim implements Adapter.
func (s *Simulated) Claim(_ context.Context, ref LockRef, secret secrets.Secret) (ClaimRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("claim"); err != nil {
		return ClaimRef{}, err
	}
	lock, ok := s.locks[ref.LockID]
	if !ok {
		return ClaimRef{}, ErrLockNotFound
	}
	if !secrets.Verify(lock.req.HashAlgorithm, secret, lock.req.HashLock) {
		return ClaimRef{}, ErrInvalidSecret
	}
	if lock.claimTx != "" {
		return ClaimRef{TxHash: lock.claimTx}, nil
	}
	if lock.refundTx != "" {
		return ClaimRef{}, ErrAlreadyRefunded
	}
	if s.expired(lock) {
		return ClaimRef{}, ErrLockExpired
	}
	lock.claimTx = s.txHash("claim", ref.LockID)
	lock.secret = append(secrets.Secret(nil), secret...)
	s.credit(lock.req.To, lock.req.AssetID, lock.req.Amount)
	return ClaimRef{TxHash: lock.claimTx}, nil
}

// Refund implements Adapter.
func (s *Simulated) Refund(_ context.Context, ref LockRef) (RefundRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("refund"); err != nil {
		return RefundRef{}, err
	}
	lock, ok := s.locks[ref.LockID]
	if !ok {
		return RefundRef{}, ErrLockNotFound
	}
	if lock.refundTx != "" {
		return RefundRef{TxHash: lock.refundTx}, nil
	}
	if lock.claimTx != "" {
		return RefundRef{}, ErrAlreadyClaimed
	}
	if !s.expired(lock) {
		return RefundRef{}, ErrTimelockActive
	}
	lock.refundTx = s.txHash("refund", ref.LockID)
	s.credit(lock.req.From, lock.req.AssetID, lock.req.Amount)
	return RefundRef{TxHash: lock.refundTx}, nil
}

// QueryLock implements Adapter.
func (s *Simulated) QueryLock(_ context.Context, ref LockRef) (LockStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("query_lock"); err != nil {
		return LockStatus{}, err
	}
	if s.autoMine {
		s.height++
	}
	lock, ok := s.locks[ref.LockID]
	if !ok {
		return LockStatus{}, ErrLockNotFound
	}
	return LockStatus{
		Claimed:         lock.claimTx != "",
		Refunded:        lock.refundTx != "",
		Confirmations:   s.height - lock.height + 1,
		TimelockExpired: s.expired(lock),
		ClaimTxHash:     lock.claimTx,
		RefundTxHash:    lock.refundTx,
	}, nil
}

// Balance implements Adapter.
func (s *Simulated) Balance(_ context.Context, account, asset string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("balance"); err != nil {
		return nil, err
	}
	balance, ok := s.balances[balanceKey(account, asset)]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(balance), nil
}
