package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"xswap/services/htlcd/confirmations"
	"xswap/services/htlcd/events"
	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/secrets"
)

// Rollback compensates a swap that cannot complete. Swaps that have begun
// locking are only rolled back once their deadline has passed.
func (e *Engine) Rollback(ctx context.Context, id, reason string) (out Swap, err error) {
	ctx, span, start := e.begin(ctx, "rollback", id)
	defer func() { e.end(span, "rollback", start, err) }()
	return e.withSwap(ctx, id, func(s *Swap) error {
		switch s.Status {
		case StatusRolledBack:
			return nil
		case StatusCompleted:
			return fmt.Errorf("%w: swap %s already completed", ErrInvalidTransition, s.ID)
		case StatusPending:
			if err := e.fail(ctx, s, errors.New(defaultReason(reason, "rollback requested"))); err != nil {
				return err
			}
		case StatusFailed, StatusExpired, StatusRollingBack:
		default:
			if !e.expireIfDue(ctx, s) {
				return fmt.Errorf("%w: swap %s is %s and its deadline has not passed", ErrInvalidTransition, s.ID, s.Status)
			}
		}
		return e.drive(ctx, s)
	})
}

// Expire moves a swap past its deadline to EXPIRED and drives its rollback.
func (e *Engine) Expire(ctx context.Context, id string) (out Swap, err error) {
	ctx, span, start := e.begin(ctx, "expire", id)
	defer func() { e.end(span, "expire", start, err) }()
	return e.withSwap(ctx, id, func(s *Swap) error {
		if s.Status == StatusExpired || s.Status == StatusRollingBack || s.Status.Terminal() {
			return e.drive(ctx, s)
		}
		if !e.expireIfDue(ctx, s) {
			return fmt.Errorf("%w: swap %s has not reached its deadline", ErrInvalidTransition, s.ID)
		}
		return e.drive(ctx, s)
	})
}

// Cancel aborts a swap before any leg is locked. caller must be a participant.
func (e *Engine) Cancel(ctx context.Context, id, caller string) (out Swap, err error) {
	ctx, span, start := e.begin(ctx, "cancel", id)
	defer func() { e.end(span, "cancel", start, err) }()
	return e.withSwap(ctx, id, func(s *Swap) error {
		if caller = strings.TrimSpace(caller); caller != "" && caller != s.Initiator && caller != s.Responder {
			return fmt.Errorf("%w: %s is not a participant", ErrValidation, caller)
		}
		if s.Status != StatusPending {
			return fmt.Errorf("%w: swap %s is %s", ErrCancelNotAllowed, s.ID, s.Status)
		}
		if err := e.fail(ctx, s, errors.New("cancelled")); err != nil {
			return err
		}
		return e.drive(ctx, s)
	})
}

// fail moves s to FAILED with cause as the reason.
func (e *Engine) fail(ctx context.Context, s *Swap, cause error) error {
	if err := e.transition(s, StatusFailed, StageFailed); err != nil {
		return err
	}
	reason := cause.Error()
	s.Reason = reason
	s.Rollback = &Rollback{Reason: reason, StartedAt: e.clock()}
	e.logger.Warn("htlcd/swap: failed", "swap_id", s.ID, "error", cause)
	return e.commit(ctx, s, e.event(s, events.TypeFailed, nil, "", reason))
}

func (e *Engine) startRollback(ctx context.Context, s *Swap) error {
	if s.Rollback == nil {
		s.Rollback = &Rollback{Reason: s.Reason, StartedAt: e.clock()}
	}
	if err := e.transition(s, StatusRollingBack, StageRefundPending); err != nil {
		return err
	}
	return e.commit(ctx, s, e.event(s, events.TypeRollbackStarted, nil, "", s.Rollback.Reason))
}

// stepRollback settles every leg it can: never-locked legs are released and
// locked legs are refunded once their timelock has passed. It reports true
// when the swap reached ROLLED_BACK.
func (e *Engine) stepRollback(ctx context.Context, s *Swap) (bool, error) {
	rb := s.Rollback
	var errs []error
	for _, idx := range []int{ResponderLeg, InitiatorLeg} {
		if err := e.settleLeg(ctx, s, idx); err != nil {
			if aborted(err) {
				return false, err
			}
			errs = append(errs, fmt.Errorf("leg %d: %w", idx, err))
		}
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		rb.Attempts++
		rb.LastError = joined.Error()
		evts := []events.Event(nil)
		if rb.Attempts >= e.escalationAttempts && !rb.Escalated {
			rb.Escalated = true
			s.Stage = StageEscalated
			evts = append(evts, e.event(s, events.TypeRollbackEscalated, nil, "", rb.LastError))
			e.escalate(ctx, s, joined)
		}
		if err := e.commit(ctx, s, evts...); err != nil {
			return false, err
		}
		if rb.Escalated {
			return false, fmt.Errorf("%w: swap %s: %w", ErrRollbackFailed, s.ID, joined)
		}
		return false, nil
	}

	if err := e.flushRecords(ctx, s); err != nil {
		if aborted(err) {
			return false, err
		}
		e.logger.Warn("htlcd/swap: rollback waits for confirmation log", "swap_id", s.ID, "error", err)
		return false, nil
	}

	claimed := 0
	for _, leg := range s.Legs {
		if !leg.Status.settled() {
			if s.Stage != StageRefundPending && s.Stage != StageEscalated {
				s.Stage = StageRefundPending
			}
			return false, e.commit(ctx, s)
		}
		if leg.Status == LegClaimed {
			claimed++
		}
	}
	if claimed > 0 && !rb.Escalated {
		// One side was paid while the other was refunded.
		rb.Escalated = true
		err := fmt.Errorf("%w: swap %s settled with %d claimed leg(s) during rollback", ErrRollbackFailed, s.ID, claimed)
		rb.LastError = err.Error()
		e.escalate(ctx, s, err)
		if err := e.commit(ctx, s, e.event(s, events.TypeRollbackEscalated, nil, "", rb.LastError)); err != nil {
			return false, err
		}
	}
	if err := e.transition(s, StatusRolledBack, StageRefunded); err != nil {
		return false, err
	}
	rb.CompletedAt = e.clock()
	if err := e.commit(ctx, s, e.event(s, events.TypeRollbackCompleted, nil, "", rb.Reason)); err != nil {
		return false, err
	}
	if err := e.vault.Delete(ctx, s.ID); err != nil && !errors.Is(err, secrets.ErrSecretNotFound) {
		e.logger.Warn("htlcd/swap: delete secret", "swap_id", s.ID, "error", err)
	}
	return true, nil
}

// settleLeg performs one compensation attempt for a leg. A refund that must
// wait for its timelock is not an error.
func (e *Engine) settleLeg(ctx context.Context, s *Swap, idx int) error {
	leg := &s.Legs[idx]
	if leg.Status.settled() {
		return nil
	}
	reason := s.Rollback.Reason
	switch leg.Status {
	case LegPending:
		leg.Status = LegReleased
		e.recordOutcome(ctx, s, idx, confirmations.StatusFailed, "", reason)
		return e.commit(ctx, s)
	case LegReserved:
		if _, err := e.reservations.Release(ctx, leg.ReservationID, false); err != nil && !errors.Is(err, reservation.ErrReservationNotFound) {
			return err
		}
		leg.Status = LegReleased
		e.recordOutcome(ctx, s, idx, confirmations.StatusFailed, "", reason)
		return e.commit(ctx, s)
	}

	// The leg may be locked on-ledger. Refunds only become possible once
	// its timelock has passed by our clock or the ledger's.
	if leg.Status != LegLockSubmitted && e.clock().Before(leg.TimelockAt) && !leg.ChainExpired {
		return e.markRefundPending(ctx, s, leg)
	}
	out, err := e.reservations.Release(ctx, leg.ReservationID, true)
	switch {
	case err == nil:
		return e.applyRelease(ctx, s, idx, out.Status, out.RefundTxHash)
	case errors.Is(err, ledger.ErrTimelockActive):
		return e.markRefundPending(ctx, s, leg)
	case errors.Is(err, reservation.ErrConsumed):
		return e.applyRelease(ctx, s, idx, reservation.StatusConsumed, "")
	case errors.Is(err, reservation.ErrReservationNotFound):
		return e.refundDirect(ctx, s, idx)
	default:
		return err
	}
}

func (e *Engine) applyRelease(ctx context.Context, s *Swap, idx int, status reservation.Status, refundTx string) error {
	leg := &s.Legs[idx]
	reason := s.Rollback.Reason
	switch status {
	case reservation.StatusUnlocked:
		leg.Status = LegRefunded
		leg.RefundTxHash = refundTx
		e.recordOutcome(ctx, s, idx, confirmations.StatusFailed, refundTx, reason)
	case reservation.StatusConsumed:
		if leg.ClaimTxHash == "" {
			lock, err := e.queryLock(ctx, leg)
			if err != nil {
				return fmt.Errorf("resolve claim transaction: %w", err)
			}
			if lock.ClaimTxHash == "" {
				return fmt.Errorf("ledger %s reports no claim transaction for lock %s", leg.Chain, leg.LockID)
			}
			leg.ClaimTxHash = lock.ClaimTxHash
		}
		leg.Status = LegClaimed
		e.recordOutcome(ctx, s, idx, confirmations.StatusConfirmed, leg.ClaimTxHash, "claimed during rollback")
	case reservation.StatusReleased, reservation.StatusExpired:
		leg.Status = LegReleased
		e.recordOutcome(ctx, s, idx, confirmations.StatusFailed, "", reason)
	default:
		return e.markRefundPending(ctx, s, leg)
	}
	return e.commit(ctx, s)
}

// refundDirect settles a leg whose reservation is gone by asking the ledger.
func (e *Engine) refundDirect(ctx context.Context, s *Swap, idx int) error {
	leg := &s.Legs[idx]
	status, err := e.queryLock(ctx, leg)
	switch {
	case errors.Is(err, ledger.ErrLockNotFound):
		return e.applyRelease(ctx, s, idx, reservation.StatusReleased, "")
	case err != nil:
		return err
	case status.Claimed:
		leg.ClaimTxHash = status.ClaimTxHash
		return e.applyRelease(ctx, s, idx, reservation.StatusConsumed, "")
	case status.Refunded:
		return e.applyRelease(ctx, s, idx, reservation.StatusUnlocked, status.RefundTxHash)
	}
	adapter, err := e.adapters.Get(leg.Chain)
	if err != nil {
		return err
	}
	ref := ledger.LockRef{Chain: leg.Chain, LockID: leg.LockID, TxHash: leg.LockTxHash}
	refund, err := ledger.Retry(ctx, e.retry, "refund", func(ctx context.Context) (ledger.RefundRef, error) {
		return adapter.Refund(ctx, ref)
	})
	switch {
	case err == nil:
		return e.applyRelease(ctx, s, idx, reservation.StatusUnlocked, refund.TxHash)
	case errors.Is(err, ledger.ErrTimelockActive):
		return e.markRefundPending(ctx, s, leg)
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return e.applyRelease(ctx, s, idx, reservation.StatusConsumed, "")
	default:
		return err
	}
}

func (e *Engine) queryLock(ctx context.Context, leg *Leg) (ledger.LockStatus, error) {
	adapter, err := e.adapters.Get(leg.Chain)
	if err != nil {
		return ledger.LockStatus{}, err
	}
	lockID := leg.LockID
	if lockID == "" {
		lockID = leg.ReservationID
	}
	ref := ledger.LockRef{Chain: leg.Chain, LockID: lockID, TxHash: leg.LockTxHash}
	return ledger.Retry(ctx, e.retry, "query_lock", func(ctx context.Context) (ledger.LockStatus, error) {
		return adapter.QueryLock(ctx, ref)
	})
}

func (e *Engine) markRefundPending(ctx context.Context, s *Swap, leg *Leg) error {
	if leg.Status == LegRefundPending {
		return nil
	}
	leg.Status = LegRefundPending
	return e.commit(ctx, s)
}

func (e *Engine) escalate(ctx context.Context, s *Swap, err error) {
	e.metrics.RecordEscalation()
	e.logger.Error("htlcd/swap: rollback escalated", "swap_id", s.ID, "attempts", s.Rollback.Attempts, "error", err)
	if e.alert != nil {
		e.alert(ctx, s.Clone(), err)
	}
}

func defaultReason(reason, fallback string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return fallback
}
