package swap

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"xswap/services/htlcd/confirmations"
	"xswap/services/htlcd/events"
	"xswap/services/htlcd/secrets"
)

// Status is the lifecycle state of a swap.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusLockingInitiator Status = "LOCKING_INITIATOR"
	StatusLockingResponder Status = "LOCKING_RESPONDER"
	StatusLocked           Status = "LOCKED"
	StatusCompleting       Status = "COMPLETING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusExpired          Status = "EXPIRED"
	StatusRollingBack      Status = "ROLLING_BACK"
	StatusRolledBack       Status = "ROLLED_BACK"
)

var transitions = map[Status][]Status{
	StatusPending:          {StatusLockingInitiator, StatusFailed, StatusExpired},
	StatusLockingInitiator: {StatusLockingResponder, StatusFailed, StatusExpired},
	StatusLockingResponder: {StatusLocked, StatusFailed, StatusExpired},
	StatusLocked:           {StatusCompleting, StatusFailed, StatusExpired},
	StatusCompleting:       {StatusCompleted, StatusFailed, StatusExpired},
	StatusFailed:           {StatusRollingBack},
	StatusExpired:          {StatusRollingBack},
	StatusRollingBack:      {StatusRolledBack},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the swap has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

// preCompletion reports whether the swap has not yet revealed its secret.
func (s Status) preCompletion() bool {
	switch s {
	case StatusPending, StatusLockingInitiator, StatusLockingResponder, StatusLocked:
		return true
	}
	return false
}

// ParseStatus normalises a status string and reports whether it is known.
func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	_, ok := transitions[status]
	return status, ok || status.Terminal()
}

// LegStatus tracks one leg through reservation, lock, claim and refund.
type LegStatus string

const (
	LegPending        LegStatus = "pending"
	LegReserved       LegStatus = "reserved"
	LegLockSubmitted  LegStatus = "lock_submitted"
	LegLocked         LegStatus = "locked"
	LegConfirmed      LegStatus = "confirmed"
	LegClaimSubmitted LegStatus = "claim_submitted"
	LegClaimed        LegStatus = "claimed"
	LegRefundPending  LegStatus = "refund_pending"
	LegRefunded       LegStatus = "refunded"
	LegReleased       LegStatus = "released"
)

// settled reports whether the leg needs no further rollback action.
func (s LegStatus) settled() bool {
	return s == LegClaimed || s == LegRefunded || s == LegReleased
}

// Leg indices. The initiator leg carries the longer timelock.
const (
	InitiatorLeg = 0
	ResponderLeg = 1
)

// Stage names recorded before each long-running step.
const (
	StageCreated            = "created"
	StageInitiatorReserving = "initiator_reserving"
	StageInitiatorLocking   = "initiator_lock_submitted"
	StageInitiatorLocked    = "initiator_locked"
	StageInitiatorConfirmed = "initiator_confirmed"
	StageResponderReserving = "responder_reserving"
	StageResponderLocking   = "responder_lock_submitted"
	StageResponderLocked    = "responder_locked"
	StageResponderConfirmed = "responder_confirmed"
	StageAwaitingSecret     = "awaiting_secret"
	StageClaiming           = "claiming"
	StageClaimed            = "claimed"
	StageFailed             = "failed"
	StageExpired            = "expired"
	StageRefundPending      = "refund_pending"
	StageRefunded           = "refunded"
	StageEscalated          = "escalated"
)

var progressByStatus = map[Status]int{
	StatusPending:          0,
	StatusLockingInitiator: 15,
	StatusLockingResponder: 40,
	StatusLocked:           65,
	StatusCompleting:       80,
	StatusCompleted:        100,
	StatusRolledBack:       100,
}

var progressByStage = map[string]int{
	StageInitiatorReserving: 5,
	StageInitiatorLocking:   10,
	StageInitiatorLocked:    20,
	StageInitiatorConfirmed: 30,
	StageResponderReserving: 35,
	StageResponderLocking:   45,
	StageResponderLocked:    55,
	StageResponderConfirmed: 65,
	StageAwaitingSecret:     70,
	StageClaiming:           85,
	StageClaimed:            100,
	StageRefunded:           100,
}

// Progress derives a completion percentage from status and stage.
func Progress(status Status, stage string) int {
	if pct, ok := progressByStatus[status]; ok && (status.Terminal() || status == StatusPending) {
		return pct
	}
	if pct, ok := progressByStage[stage]; ok {
		return pct
	}
	return progressByStatus[status]
}

var (
	ErrValidation          = errors.New("swap: validation failed")
	ErrInsufficientBalance = errors.New("swap: insufficient balance")
	ErrLockFailed          = errors.New("swap: lock failed")
	ErrClaimFailed         = errors.New("swap: claim failed")
	ErrTimeout             = errors.New("swap: timed out")
	// ErrRollbackFailed means refunds exhausted their retry budget and an operator was alerted.
	ErrRollbackFailed    = errors.New("swap: rollback failed")
	ErrNotFound          = errors.New("swap: not found")
	ErrCancelNotAllowed  = errors.New("swap: cancel not allowed once locking has begun")
	ErrInvalidTransition = errors.New("swap: invalid transition")
)

// Leg is one side of a swap: an amount of an asset moving between two
// accounts on one ledger.
type Leg struct {
	Index                 int       `json:"index"`
	Chain                 string    `json:"chain"`
	AssetID               string    `json:"assetId"`
	Amount                *big.Int  `json:"amount"`
	From                  string    `json:"from"`
	To                    string    `json:"to"`
	Timeout               Duration  `json:"timeout"`
	TimelockAt            time.Time `json:"timelockAt"`
	RequiredConfirmations uint64    `json:"requiredConfirmations"`
	Confirmations         uint64    `json:"confirmations"`
	Status                LegStatus `json:"status"`
	ReservationID         string    `json:"reservationId,omitempty"`
	LockID                string    `json:"lockId,omitempty"`
	LockTxHash            string    `json:"lockTxHash,omitempty"`
	ClaimTxHash           string    `json:"claimTxHash,omitempty"`
	RefundTxHash          string    `json:"refundTxHash,omitempty"`
	// ChainExpired mirrors the ledger's own view of the timelock.
	ChainExpired bool `json:"chainExpired,omitempty"`
	// PendingRecord is the leg's outcome while the confirmation log has not
	// accepted it. The swap cannot reach a terminal status until it clears.
	PendingRecord *OutcomeRecord `json:"pendingRecord,omitempty"`
}

// OutcomeRecord is a settled leg's entry for the confirmation log.
type OutcomeRecord struct {
	Status confirmations.Status `json:"status"`
	TxHash string               `json:"txHash,omitempty"`
	Reason string               `json:"reason,omitempty"`
}

// locked reports whether funds for the leg may sit in an on-ledger lock.
func (l Leg) locked() bool {
	switch l.Status {
	case LegLockSubmitted, LegLocked, LegConfirmed, LegClaimSubmitted, LegRefundPending:
		return true
	}
	return false
}

// Duration marshals as a Go duration string.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Rollback describes compensation in progress or completed.
type Rollback struct {
	Reason      string    `json:"reason"`
	StartedAt   time.Time `json:"startedAt"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	Escalated   bool      `json:"escalated"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Swap is the persisted record of one atomic swap.
type Swap struct {
	ID            string            `json:"id"`
	Initiator     string            `json:"initiator"`
	Responder     string            `json:"responder"`
	HashLock      secrets.HashLock  `json:"hashLock"`
	HashAlgorithm secrets.Algorithm `json:"hashAlgorithm"`
	// ExternalSecret is set when the initiator supplied the hash lock and
	// keeps the preimage; completion then waits for ClaimLeg.
	ExternalSecret     bool           `json:"externalSecret"`
	Legs               [2]Leg         `json:"legs"`
	Status             Status         `json:"status"`
	Stage              string         `json:"stage"`
	Progress           int            `json:"progress"`
	Reason             string         `json:"reason,omitempty"`
	SafetyMargin       Duration       `json:"safetyMargin"`
	TimeoutAt          time.Time      `json:"timeoutAt"`
	CompletionDeadline time.Time      `json:"completionDeadline"`
	Rollback           *Rollback      `json:"rollback,omitempty"`
	RevealedSecret     string         `json:"revealedSecret,omitempty"`
	Events             []events.Event `json:"events"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy.
func (s Swap) Clone() Swap {
	out := s
	for i := range out.Legs {
		if s.Legs[i].Amount != nil {
			out.Legs[i].Amount = new(big.Int).Set(s.Legs[i].Amount)
		}
		if s.Legs[i].PendingRecord != nil {
			rec := *s.Legs[i].PendingRecord
			out.Legs[i].PendingRecord = &rec
		}
	}
	if s.Rollback != nil {
		rb := *s.Rollback
		out.Rollback = &rb
	}
	out.Events = append([]events.Event(nil), s.Events...)
	return out
}

// Redacted returns a copy safe to show to caller. Only the initiator sees the
// revealed secret.
func (s Swap) Redacted(caller string) Swap {
	out := s.Clone()
	if strings.TrimSpace(caller) == "" || caller != s.Initiator {
		out.RevealedSecret = ""
	}
	return out
}

// Filter narrows ListSwaps.
type Filter struct {
	Statuses    []Status
	Participant string
	NonTerminal bool
	Limit       int
}

// Match reports whether s satisfies the filter.
func (f Filter) Match(s Swap) bool {
	if f.NonTerminal && s.Status.Terminal() {
		return false
	}
	if p := strings.TrimSpace(f.Participant); p != "" && s.Initiator != p && s.Responder != p {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if s.Status == status {
			return true
		}
	}
	return false
}

// Repository persists swaps keyed by id.
type Repository interface {
	SaveSwap(ctx context.Context, s Swap) error
	GetSwap(ctx context.Context, id string) (Swap, error)
	ListSwaps(ctx context.Context, filter Filter) ([]Swap, error)
}

// LegRequest describes one leg of an initiation request.
type LegRequest struct {
	Chain                 string
	AssetID               string
	Amount                *big.Int
	From                  string
	To                    string
	Timeout               time.Duration
	RequiredConfirmations uint64
}

// InitiateRequest creates a swap. Legs[0] is funded by the initiator and
// Legs[1] by the responder.
type InitiateRequest struct {
	ID            string
	Initiator     string
	Responder     string
	Legs          [2]LegRequest
	HashLock      string
	HashAlgorithm string
}

// Receipt is returned by Initiate.
type Receipt struct {
	SwapID   string `json:"swapId"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
}
