package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"xswap/observability"
	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/storage/keyed"
)

const (
	// DefaultTTL bounds how long a soft hold survives without being locked.
	DefaultTTL = 15 * time.Minute
	// DefaultReleaseGrace keeps settled reservations around so repeat releases are no-ops.
	DefaultReleaseGrace = 10 * time.Minute
)

// Ledger is the balance reservation book. Every mutation of a
// (ledger, account, asset) tuple runs inside that tuple's critical section.
type Ledger struct {
	store    Store
	adapters *ledger.Registry
	locks    *keyed.Mutex
	clock    func() time.Time
	ttl      time.Duration
	grace    time.Duration
	retry    ledger.Policy
	tracer   trace.Tracer
	metrics  *observability.ReservationMetrics
	logger   *slog.Logger
}

// Option configures the reservation ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithTTL overrides the default reservation lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithReleaseGrace overrides how long settled reservations are retained.
func WithReleaseGrace(grace time.Duration) Option {
	return func(l *Ledger) {
		if grace > 0 {
			l.grace = grace
		}
	}
}

// WithRetryPolicy overrides the backoff applied to adapter calls.
func WithRetryPolicy(policy ledger.Policy) Option {
	return func(l *Ledger) { l.retry = policy }
}

// WithLocks shares a keyed mutex with other components.
func WithLocks(locks *keyed.Mutex) Option {
	return func(l *Ledger) {
		if locks != nil {
			l.locks = locks
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a reservation ledger backed by store.
func New(store Store, adapters *ledger.Registry, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("reservation: store required")
	}
	if adapters == nil {
		return nil, errors.New("reservation: adapter registry required")
	}
	l := &Ledger{
		store:    store,
		adapters: adapters,
		locks:    keyed.New(),
		clock:    time.Now,
		ttl:      DefaultTTL,
		grace:    DefaultReleaseGrace,
		retry:    ledger.DefaultPolicy(),
		tracer:   otel.Tracer("xswap/reservation"),
		metrics:  observability.Reservations(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) finish(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	l.metrics.Observe(op, l.clock().Sub(start), err)
}

// Reserve places a soft hold of amount against (ledger, account, asset). It
// fails with ErrInsufficientBalance when balance minus active holds is short.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (result Result, err error) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "reservation.reserve", trace.WithAttributes(
		attribute.String("reservation.ledger", req.LedgerID),
		attribute.String("reservation.asset", req.AssetID),
	))
	defer span.End()
	defer func() { l.finish(span, "reserve", start, err) }()

	if strings.TrimSpace(req.LedgerID) == "" || strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.AssetID) == "" {
		return Result{Reason: "ledger, account and asset are required"}, fmt.Errorf("%w: ledger, account and asset are required", ErrInvalidState)
	}
	if err := checkAmount(req.Amount); err != nil {
		return Result{Reason: err.Error()}, err
	}
	adapter, err := l.adapters.Get(req.LedgerID)
	if err != nil {
		return Result{Reason: err.Error()}, err
	}
	key := BalanceKey(req.LedgerID, req.AccountID, req.AssetID)
	unlock, err := l.locks.Lock(ctx, key)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	now := l.clock()
	if id := strings.TrimSpace(req.ID); id != "" {
		existing, getErr := l.store.GetReservation(ctx, id)
		switch {
		case getErr == nil:
			if existing.Key() != key || existing.Amount.Cmp(req.Amount) != 0 {
				return Result{Reason: "reservation id reused with different terms"}, fmt.Errorf("%w: reservation %s reused with different terms", ErrInvalidState, id)
			}
			return Result{Success: true, ReservationID: existing.ID}, nil
		case !errors.Is(getErr, ErrReservationNotFound):
			return Result{}, getErr
		}
	}

	available, held, err := l.availableLocked(ctx, adapter, key, req.AccountID, req.AssetID, now)
	if err != nil {
		return Result{}, err
	}
	if available.Cmp(req.Amount) < 0 {
		reason := fmt.Sprintf("available %s below requested %s", available, req.Amount)
		return Result{Reason: reason}, fmt.Errorf("%w: %s", ErrInsufficientBalance, reason)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = l.ttl
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	res := Reservation{
		ID:        id,
		LedgerID:  strings.TrimSpace(req.LedgerID),
		AccountID: strings.TrimSpace(req.AccountID),
		AssetID:   strings.ToUpper(strings.TrimSpace(req.AssetID)),
		Amount:    new(big.Int).Set(req.Amount),
		SwapID:    req.SwapID,
		Status:    StatusReserved,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := l.store.SaveReservation(ctx, res); err != nil {
		return Result{}, fmt.Errorf("reservation: persist: %w", err)
	}
	l.metrics.RecordHeld(res.LedgerID, res.AssetID, new(big.Int).Add(held, res.Amount))
	span.SetAttributes(attribute.String("reservation.id", id))
	return Result{Success: true, ReservationID: id}, nil
}

// ValidateAvailability reports whether amount fits the available balance of
// (ledger, account, asset) without placing a hold.
func (l *Ledger) ValidateAvailability(ctx context.Context, ledgerID, account, asset string, amount *big.Int) (out Availability, err error) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "reservation.validate_availability", trace.WithAttributes(
		attribute.String("reservation.ledger", ledgerID),
		attribute.String("reservation.asset", asset),
	))
	defer span.End()
	defer func() { l.finish(span, "validate_availability", start, err) }()

	if err := checkAmount(amount); err != nil {
		return Availability{AvailableBalance: new(big.Int), Reason: err.Error()}, err
	}
	adapter, err := l.adapters.Get(ledgerID)
	if err != nil {
		return Availability{AvailableBalance: new(big.Int), Reason: err.Error()}, err
	}
	key := BalanceKey(ledgerID, account, asset)
	unlock, err := l.locks.Lock(ctx, key)
	if err != nil {
		return Availability{}, err
	}
	defer unlock()

	available, _, err := l.availableLocked(ctx, adapter, key, account, asset, l.clock())
	if err != nil {
		return Availability{}, err
	}
	out = Availability{Available: available.Cmp(amount) >= 0, AvailableBalance: available}
	if !out.Available {
		out.Reason = fmt.Sprintf("available %s below requested %s", available, amount)
	}
	return out, nil
}

// LockReserved converts a reservation into an on-ledger lock. Re-issuing the
// call with the same lock id returns the original reference.
func (l *Ledger) LockReserved(ctx context.Context, id string, terms LockTerms) (ref ledger.LockRef, err error) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "reservation.lock_reserved", trace.WithAttributes(
		attribute.String("reservation.id", id),
		attribute.String("reservation.lock_id", terms.LockID),
	))
	defer span.End()
	defer func() { l.finish(span, "lock_reserved", start, err) }()

	if strings.TrimSpace(terms.LockID) == "" {
		return ledger.LockRef{}, fmt.Errorf("%w: lock id required", ErrInvalidState)
	}
	res, unlock, err := l.acquire(ctx, id)
	if err != nil {
		return ledger.LockRef{}, err
	}
	defer unlock()
	adapter, err := l.adapters.Get(res.LedgerID)
	if err != nil {
		return ledger.LockRef{}, err
	}
	now := l.clock()

	if res.Status == StatusReserved && res.PendingLockID != "" {
		if res.PendingLockID != terms.LockID {
			return ledger.LockRef{}, fmt.Errorf("%w: pending lock %s", ErrAlreadyLocked, res.PendingLockID)
		}
		if !now.Before(res.ExpiresAt) {
			if _, err := l.reconcileLocked(ctx, adapter, &res); err != nil {
				return ledger.LockRef{}, err
			}
			if res.Status == StatusReserved {
				return ledger.LockRef{}, l.expireLocked(ctx, &res, now)
			}
		}
	}

	switch res.Status {
	case StatusLocked:
		if res.LockRef.LockID != terms.LockID {
			return ledger.LockRef{}, fmt.Errorf("%w: locked as %s", ErrAlreadyLocked, res.LockRef.LockID)
		}
		return res.LockRef, nil
	case StatusReserved:
	default:
		return ledger.LockRef{}, fmt.Errorf("%w: reservation %s is %s", ErrInvalidState, res.ID, res.Status)
	}
	if res.PendingLockID == "" && !now.Before(res.ExpiresAt) {
		return ledger.LockRef{}, l.expireLocked(ctx, &res, now)
	}

	res.PendingLockID = terms.LockID
	if err := l.store.SaveReservation(ctx, res); err != nil {
		return ledger.LockRef{}, fmt.Errorf("reservation: persist pending lock: %w", err)
	}
	req := ledger.LockRequest{
		LockID:        terms.LockID,
		AssetID:       res.AssetID,
		Amount:        new(big.Int).Set(res.Amount),
		From:          res.AccountID,
		To:            terms.To,
		HashLock:      terms.HashLock,
		HashAlgorithm: terms.HashAlgorithm,
		TimelockAt:    terms.TimelockAt,
	}
	ref, err = ledger.Retry(ctx, l.retry, "lock", func(ctx context.Context) (ledger.LockRef, error) {
		return adapter.Lock(ctx, req)
	})
	if err != nil {
		if !ledger.IsRetryable(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			// The ledger refused the lock, so nothing is pending on-chain.
			res.PendingLockID = ""
			if saveErr := l.store.SaveReservation(ctx, res); saveErr != nil {
				l.logger.Error("htlcd/reservation: clear pending lock", "reservation_id", res.ID, "error", saveErr)
			}
		}
		return ledger.LockRef{}, err
	}
	res.Status = StatusLocked
	res.Locked = true
	res.LockRef = ref
	res.PendingLockID = ""
	if terms.TimelockAt.After(res.ExpiresAt) {
		res.ExpiresAt = terms.TimelockAt
	}
	if err := l.store.SaveReservation(ctx, res); err != nil {
		return ledger.LockRef{}, fmt.Errorf("reservation: persist lock: %w", err)
	}
	return ref, nil
}

// Release removes a reservation. With unlock set, a locked reservation is
// refunded on-ledger first. Releasing an already settled reservation within
// the grace period is a no-op.
func (l *Ledger) Release(ctx context.Context, id string, unlock bool) (out ReleaseResult, err error) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "reservation.release", trace.WithAttributes(
		attribute.String("reservation.id", id),
		attribute.Bool("reservation.unlock", unlock),
	))
	defer span.End()
	defer func() { l.finish(span, "release", start, err) }()

	res, release, err := l.acquire(ctx, id)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer release()
	now := l.clock()

	if res.Status.Terminal() {
		if now.Before(res.SettledAt.Add(l.grace)) {
			return ReleaseResult{Status: res.Status, RefundTxHash: res.RefundTxHash, Noop: true}, nil
		}
		return ReleaseResult{}, ErrReservationNotFound
	}
	adapter, err := l.adapters.Get(res.LedgerID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if res.Status == StatusReserved && res.PendingLockID != "" {
		if _, err := l.reconcileLocked(ctx, adapter, &res); err != nil {
			return ReleaseResult{}, err
		}
		if res.Status.Terminal() {
			return ReleaseResult{Status: res.Status, RefundTxHash: res.RefundTxHash}, nil
		}
	}

	switch res.Status {
	case StatusReserved:
		res.Status = StatusReleased
		res.SettledAt = now
	case StatusLocked:
		if !unlock {
			l.logger.Warn("htlcd/reservation: releasing locked reservation without unlock",
				"reservation_id", res.ID, "ledger", res.LedgerID)
			res.Status = StatusReleased
			res.SettledAt = now
			break
		}
		if err := l.refundLocked(ctx, adapter, &res, now); err != nil {
			return ReleaseResult{Status: res.Status}, err
		}
	}
	if err := l.store.SaveReservation(ctx, res); err != nil {
		return ReleaseResult{}, fmt.Errorf("reservation: persist release: %w", err)
	}
	return ReleaseResult{Status: res.Status, RefundTxHash: res.RefundTxHash}, nil
}

// MarkConsumed records that a locked reservation was claimed by its counterparty.
func (l *Ledger) MarkConsumed(ctx context.Context, id, claimTxHash string) (err error) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "reservation.mark_consumed", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()
	defer func() { l.finish(span, "mark_consumed", start, err) }()

	res, release, err := l.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	switch res.Status {
	case StatusConsumed:
		return nil
	case StatusLocked:
	default:
		return fmt.Errorf("%w: reservation %s is %s", ErrInvalidState, res.ID, res.Status)
	}
	res.Status = StatusConsumed
	res.ClaimTxHash = claimTxHash
	res.SettledAt = l.clock()
	return l.store.SaveReservation(ctx, res)
}

// Get returns a reservation by id.
func (l *Ledger) Get(ctx context.Context, id string) (Reservation, error) {
	return l.store.GetReservation(ctx, id)
}

// SweepExpired expires soft holds past their deadline, refunds locked
// reservations past theirs and prunes settled reservations whose grace
// period elapsed. A locked reservation is never dropped without a refund.
func (l *Ledger) SweepExpired(ctx context.Context) (report SweepReport, err error) {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "reservation.sweep")
	defer span.End()
	defer func() { l.finish(span, "sweep", start, err) }()

	all, err := l.store.ListReservations(ctx)
	if err != nil {
		return report, err
	}
	var errs []error
	for _, candidate := range all {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		now := l.clock()
		if !now.Before(candidate.ExpiresAt) || candidate.Status.Terminal() {
			if sweepErr := l.sweepOne(ctx, candidate.ID, &report); sweepErr != nil {
				errs = append(errs, sweepErr)
			}
		}
	}
	return report, errors.Join(errs...)
}

func (l *Ledger) sweepOne(ctx context.Context, id string, report *SweepReport) error {
	res, release, err := l.acquire(ctx, id)
	if errors.Is(err, ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer release()
	now := l.clock()

	if res.Status.Terminal() {
		if !now.Before(res.SettledAt.Add(l.grace)) {
			if err := l.store.DeleteReservation(ctx, res.ID); err != nil {
				return err
			}
			report.Pruned++
			l.metrics.RecordSweep("pruned")
		}
		return nil
	}
	if now.Before(res.ExpiresAt) {
		return nil
	}
	adapter, err := l.adapters.Get(res.LedgerID)
	if err != nil {
		return err
	}
	if res.Status == StatusReserved && res.PendingLockID != "" {
		if _, err := l.reconcileLocked(ctx, adapter, &res); err != nil {
			report.Pending++
			return err
		}
	}
	switch res.Status {
	case StatusReserved:
		report.Expired++
		l.metrics.RecordSweep("expired")
		return l.expireLocked(ctx, &res, now)
	case StatusLocked:
		refundErr := l.refundLocked(ctx, adapter, &res, now)
		switch {
		case refundErr == nil:
			report.Refunded++
			l.metrics.RecordSweep("refunded")
		case errors.Is(refundErr, ErrConsumed):
			report.Consumed++
			l.metrics.RecordSweep("consumed")
		default:
			report.Pending++
			l.metrics.RecordSweep("refund_pending")
			if errors.Is(refundErr, ledger.ErrTimelockActive) {
				return nil
			}
			l.logger.Warn("htlcd/reservation: refund of expired lock failed",
				"reservation_id", res.ID, "ledger", res.LedgerID, "error", refundErr)
			return refundErr
		}
		return l.store.SaveReservation(ctx, res)
	}
	return nil
}

// acquire loads a reservation and enters its tuple's critical section. The
// record is re-read inside the section so callers act on current state.
func (l *Ledger) acquire(ctx context.Context, id string) (Reservation, func(), error) {
	res, err := l.store.GetReservation(ctx, strings.TrimSpace(id))
	if err != nil {
		return Reservation{}, nil, err
	}
	unlock, err := l.locks.Lock(ctx, res.Key())
	if err != nil {
		return Reservation{}, nil, err
	}
	res, err = l.store.GetReservation(ctx, res.ID)
	if err != nil {
		unlock()
		return Reservation{}, nil, err
	}
	return res, unlock, nil
}

// availableLocked returns balance minus active holds and the held total.
// Locked reservations are already reflected in the ledger balance.
func (l *Ledger) availableLocked(ctx context.Context, adapter ledger.Adapter, key, account, asset string, now time.Time) (*big.Int, *big.Int, error) {
	balance, err := ledger.Retry(ctx, l.retry, "balance", func(ctx context.Context) (*big.Int, error) {
		return adapter.Balance(ctx, account, asset)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reservation: read balance: %w", err)
	}
	existing, err := l.store.ListReservationsByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	held := new(uint256.Int)
	for _, res := range existing {
		if !res.Active(now) {
			continue
		}
		amount, overflow := uint256.FromBig(res.Amount)
		if overflow {
			return nil, nil, fmt.Errorf("%w: stored reservation %s overflows", ErrInvalidAmount, res.ID)
		}
		if _, overflow := held.AddOverflow(held, amount); overflow {
			return nil, nil, fmt.Errorf("%w: held total overflows", ErrInvalidAmount)
		}
	}
	heldBig := held.ToBig()
	available := new(big.Int).Sub(balance, heldBig)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return available, heldBig, nil
}

// reconcileLocked resolves a reservation whose lock submission outcome is
// unknown by asking the ledger. It reports whether the lock exists.
func (l *Ledger) reconcileLocked(ctx context.Context, adapter ledger.Adapter, res *Reservation) (bool, error) {
	ref := ledger.LockRef{Chain: adapter.Chain(), LockID: res.PendingLockID}
	status, err := ledger.Retry(ctx, l.retry, "query_lock", func(ctx context.Context) (ledger.LockStatus, error) {
		return adapter.QueryLock(ctx, ref)
	})
	if errors.Is(err, ledger.ErrLockNotFound) {
		res.PendingLockID = ""
		return false, l.store.SaveReservation(ctx, *res)
	}
	if err != nil {
		return false, fmt.Errorf("reservation: reconcile pending lock: %w", err)
	}
	res.PendingLockID = ""
	res.Locked = true
	res.LockRef = ref
	switch {
	case status.Claimed:
		res.Status = StatusConsumed
		res.ClaimTxHash = status.ClaimTxHash
		res.SettledAt = l.clock()
	case status.Refunded:
		res.Status = StatusUnlocked
		res.RefundTxHash = status.RefundTxHash
		res.SettledAt = l.clock()
	default:
		res.Status = StatusLocked
	}
	return true, l.store.SaveReservation(ctx, *res)
}

func (l *Ledger) refundLocked(ctx context.Context, adapter ledger.Adapter, res *Reservation, now time.Time) error {
	refund, err := ledger.Retry(ctx, l.retry, "refund", func(ctx context.Context) (ledger.RefundRef, error) {
		return adapter.Refund(ctx, res.LockRef)
	})
	switch {
	case err == nil:
		res.Status = StatusUnlocked
		res.RefundTxHash = refund.TxHash
		res.SettledAt = now
		return nil
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		res.Status = StatusConsumed
		res.SettledAt = now
		if saveErr := l.store.SaveReservation(ctx, *res); saveErr != nil {
			return saveErr
		}
		return fmt.Errorf("%w: %w", ErrConsumed, err)
	default:
		return err
	}
}

func (l *Ledger) expireLocked(ctx context.Context, res *Reservation, now time.Time) error {
	res.Status = StatusExpired
	res.SettledAt = now
	if err := l.store.SaveReservation(ctx, *res); err != nil {
		return err
	}
	return fmt.Errorf("%w: reservation %s", ErrReservationExpired, res.ID)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidAmount)
	}
	return nil
}
