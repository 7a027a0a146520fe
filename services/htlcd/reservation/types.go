package reservation

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/secrets"
)

// Status tracks a reservation through its lifecycle.
type Status string

const (
	StatusReserved Status = "RESERVED"
	StatusLocked   Status = "LOCKED"
	StatusReleased Status = "RELEASED"
	StatusConsumed Status = "CONSUMED"
	StatusExpired  Status = "EXPIRED"
	StatusUnlocked Status = "UNLOCKED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusConsumed, StatusExpired, StatusUnlocked:
		return true
	}
	return false
}

var (
	// ErrInsufficientBalance is returned when the soft hold does not fit the available balance.
	ErrInsufficientBalance = errors.New("reservation: insufficient balance")
	// ErrReservationNotFound is returned for unknown or pruned reservations.
	ErrReservationNotFound = errors.New("reservation: not found")
	// ErrReservationExpired is returned when locking a reservation past its expiry.
	ErrReservationExpired = errors.New("reservation: expired")
	// ErrAlreadyLocked is returned when a reservation is locked under different terms.
	ErrAlreadyLocked = errors.New("reservation: already locked")
	// ErrInvalidState is returned when the reservation cannot take the requested transition.
	ErrInvalidState = errors.New("reservation: invalid state")
	// ErrInvalidAmount is returned for non-positive or out-of-range amounts.
	ErrInvalidAmount = errors.New("reservation: invalid amount")
	// ErrConsumed is returned when a refund finds the lock already claimed.
	ErrConsumed = errors.New("reservation: lock consumed by claim")
)

// Reservation is a time-bounded soft hold on balance ahead of an on-ledger lock.
type Reservation struct {
	ID        string   `json:"id"`
	LedgerID  string   `json:"ledgerId"`
	AccountID string   `json:"accountId"`
	AssetID   string   `json:"assetId"`
	Amount    *big.Int `json:"amount"`
	SwapID    string   `json:"swapId,omitempty"`
	Status    Status   `json:"status"`
	Locked    bool     `json:"locked"`
	// PendingLockID is persisted before the adapter lock call so a crash
	// between submission and acknowledgement can be reconciled.
	PendingLockID string         `json:"pendingLockId,omitempty"`
	LockRef       ledger.LockRef `json:"lockRef"`
	RefundTxHash  string         `json:"refundTxHash,omitempty"`
	ClaimTxHash   string         `json:"claimTxHash,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	SettledAt     time.Time      `json:"settledAt,omitempty"`
}

// Key returns the (ledger, account, asset) tuple the reservation holds against.
func (r Reservation) Key() string {
	return BalanceKey(r.LedgerID, r.AccountID, r.AssetID)
}

// Active reports whether the reservation still counts against availability.
func (r Reservation) Active(now time.Time) bool {
	return r.Status == StatusReserved && now.Before(r.ExpiresAt)
}

// Clone returns a deep copy.
func (r Reservation) Clone() Reservation {
	out := r
	if r.Amount != nil {
		out.Amount = new(big.Int).Set(r.Amount)
	}
	return out
}

// BalanceKey normalises the tuple reservations are serialised on.
func BalanceKey(ledgerID, account, asset string) string {
	return strings.ToLower(strings.TrimSpace(ledgerID)) + "|" + strings.TrimSpace(account) + "|" + strings.ToUpper(strings.TrimSpace(asset))
}

// Store persists reservations.
type Store interface {
	SaveReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	ListReservationsByKey(ctx context.Context, key string) ([]Reservation, error)
	ListReservations(ctx context.Context) ([]Reservation, error)
	DeleteReservation(ctx context.Context, id string) error
}

// ReserveRequest describes a soft hold.
type ReserveRequest struct {
	// ID makes the call idempotent when set; a fresh id is generated otherwise.
	ID        string
	LedgerID  string
	AccountID string
	AssetID   string
	Amount    *big.Int
	SwapID    string
	TTL       time.Duration
}

// Result is returned by Reserve.
type Result struct {
	Success       bool   `json:"success"`
	ReservationID string `json:"reservationId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Availability is returned by ValidateAvailability.
type Availability struct {
	Available        bool     `json:"available"`
	AvailableBalance *big.Int `json:"availableBalance"`
	Reason           string   `json:"reason,omitempty"`
}

// LockTerms carries the HTLC parameters used when converting a reservation
// into an on-ledger lock.
type LockTerms struct {
	LockID        string
	To            string
	HashLock      secrets.HashLock
	HashAlgorithm secrets.Algorithm
	TimelockAt    time.Time
}

// ReleaseResult describes the outcome of Release.
type ReleaseResult struct {
	Status       Status `json:"status"`
	RefundTxHash string `json:"refundTxHash,omitempty"`
	// Noop is set when the reservation had already been released.
	Noop bool `json:"noop"`
}

// SweepReport summarises a single expiry sweep.
type SweepReport struct {
	Expired  int `json:"expired"`
	Refunded int `json:"refunded"`
	Pending  int `json:"pending"`
	Consumed int `json:"consumed"`
	Pruned   int `json:"pruned"`
}
