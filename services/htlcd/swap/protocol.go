package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xswap/services/htlcd/confirmations"
	"xswap/services/htlcd/events"
	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/secrets"
)

var lockStages = [2][4]string{
	{StageInitiatorReserving, StageInitiatorLocking, StageInitiatorLocked, StageInitiatorConfirmed},
	{StageResponderReserving, StageResponderLocking, StageResponderLocked, StageResponderConfirmed},
}

// Advance drives the swap from its last durable stage as far as it can go
// without outside input. It is safe to call repeatedly and after a restart.
func (e *Engine) Advance(ctx context.Context, id string) (out Swap, err error) {
	ctx, span, start := e.begin(ctx, "advance", id)
	defer func() { e.end(span, "advance", start, err) }()
	return e.withSwap(ctx, id, func(s *Swap) error { return e.drive(ctx, s) })
}

// LockLeg reserves and locks one leg. The responder leg is refused until the
// initiator leg is confirmed.
func (e *Engine) LockLeg(ctx context.Context, id string, idx int) (out Swap, err error) {
	ctx, span, start := e.begin(ctx, "lock_leg", id)
	defer func() { e.end(span, "lock_leg", start, err) }()
	if idx != InitiatorLeg && idx != ResponderLeg {
		return Swap{}, fmt.Errorf("%w: leg index %d", ErrValidation, idx)
	}
	return e.withSwap(ctx, id, func(s *Swap) error {
		if e.expireIfDue(ctx, s) {
			if err := e.drive(ctx, s); err != nil {
				return err
			}
			return fmt.Errorf("%w: swap %s passed its deadline", ErrTimeout, s.ID)
		}
		switch {
		case idx == InitiatorLeg && s.Status == StatusPending:
			if err := e.startLocking(ctx, s); err != nil {
				return err
			}
		case idx == InitiatorLeg && s.Status == StatusLockingInitiator,
			idx == ResponderLeg && s.Status == StatusLockingResponder:
		case s.Legs[idx].Status == LegConfirmed:
			return nil
		default:
			return fmt.Errorf("%w: cannot lock leg %d while %s", ErrInvalidTransition, idx, s.Status)
		}
		_, err := e.stepLock(ctx, s, idx)
		var f *failure
		if errors.As(err, &f) {
			if failErr := e.fail(ctx, s, f.err); failErr != nil {
				return errors.Join(f.err, failErr)
			}
			if driveErr := e.drive(ctx, s); driveErr != nil {
				return errors.Join(f.err, driveErr)
			}
			return f.err
		}
		return err
	})
}

// ClaimLeg claims one leg with secret. The responder leg must be claimed
// first. Repeating a successful claim returns the original reference. Once
// every leg is claimed the swap completes.
func (e *Engine) ClaimLeg(ctx context.Context, id string, idx int, secret secrets.Secret) (ref ledger.ClaimRef, err error) {
	ctx, span, start := e.begin(ctx, "claim_leg", id)
	defer func() { e.end(span, "claim_leg", start, err) }()
	if idx != InitiatorLeg && idx != ResponderLeg {
		return ledger.ClaimRef{}, fmt.Errorf("%w: leg index %d", ErrValidation, idx)
	}
	_, err = e.withSwap(ctx, id, func(s *Swap) error {
		if !secrets.Verify(s.HashAlgorithm, secret, s.HashLock) {
			return fmt.Errorf("%w: %w", ErrClaimFailed, ledger.ErrInvalidSecret)
		}
		if s.Legs[idx].Status == LegClaimed {
			ref = ledger.ClaimRef{TxHash: s.Legs[idx].ClaimTxHash}
			return nil
		}
		if s.Status != StatusLocked && s.Status != StatusCompleting {
			return fmt.Errorf("%w: cannot claim while %s", ErrInvalidTransition, s.Status)
		}
		if e.expireIfDue(ctx, s) {
			if err := e.drive(ctx, s); err != nil {
				return err
			}
			return fmt.Errorf("%w: completion window closed for swap %s", ErrTimeout, s.ID)
		}
		if err := claimOrder(s, idx); err != nil {
			return err
		}
		if s.Status == StatusLocked {
			if err := e.startCompletion(ctx, s, secret); err != nil {
				return err
			}
		}
		if err := e.claim(ctx, s, idx, secret); err != nil {
			if !aborted(err) && !ledger.IsRetryable(err) {
				if failErr := e.fail(ctx, s, err); failErr != nil {
					return errors.Join(err, failErr)
				}
				if driveErr := e.drive(ctx, s); driveErr != nil {
					return errors.Join(err, driveErr)
				}
			}
			return err
		}
		ref = ledger.ClaimRef{TxHash: s.Legs[idx].ClaimTxHash}
		return e.drive(ctx, s)
	})
	return ref, err
}

// Complete reveals the engine-held secret and claims both legs. Swaps whose
// hash lock was supplied by the initiator complete through ClaimLeg instead.
func (e *Engine) Complete(ctx context.Context, id string) (out Swap, err error) {
	ctx, span, start := e.begin(ctx, "complete", id)
	defer func() { e.end(span, "complete", start, err) }()
	return e.withSwap(ctx, id, func(s *Swap) error {
		if s.ExternalSecret {
			return fmt.Errorf("%w: secret is held by the initiator", ErrValidation)
		}
		if s.Status != StatusLocked && s.Status != StatusCompleting && s.Status != StatusCompleted {
			return fmt.Errorf("%w: cannot complete while %s", ErrInvalidTransition, s.Status)
		}
		return e.drive(ctx, s)
	})
}

// drive runs protocol steps until the swap is terminal or has to wait.
func (e *Engine) drive(ctx context.Context, s *Swap) error {
	for step := 0; step < maxDriveSteps; step++ {
		if s.Status.Terminal() {
			return nil
		}
		if e.expireIfDue(ctx, s) {
			continue
		}
		var (
			progressed bool
			err        error
		)
		switch s.Status {
		case StatusPending:
			err = e.startLocking(ctx, s)
			progressed = err == nil
		case StatusLockingInitiator:
			progressed, err = e.stepLock(ctx, s, InitiatorLeg)
		case StatusLockingResponder:
			progressed, err = e.stepLock(ctx, s, ResponderLeg)
		case StatusLocked:
			if s.ExternalSecret {
				if s.Stage != StageAwaitingSecret {
					s.Stage = StageAwaitingSecret
					err = e.commit(ctx, s)
				}
				return err
			}
			secret, secretErr := e.secretFor(ctx, s)
			if secretErr != nil {
				return secretErr
			}
			err = e.startCompletion(ctx, s, secret)
			progressed = err == nil
		case StatusCompleting:
			progressed, err = e.stepComplete(ctx, s)
		case StatusFailed, StatusExpired:
			err = e.startRollback(ctx, s)
			progressed = err == nil
		case StatusRollingBack:
			progressed, err = e.stepRollback(ctx, s)
		}
		var f *failure
		if errors.As(err, &f) {
			if err := e.fail(ctx, s, f.err); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// failure marks an error that ends the forward protocol and starts compensation.
type failure struct{ err error }

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func fatal(err error) error { return &failure{err: err} }

// expireIfDue moves a swap whose completion window closed to EXPIRED, by our
// clock or by a ledger-reported timelock expiry. Partly claimed swaps keep
// claiming: the counterparty must not lose its leg.
func (e *Engine) expireIfDue(ctx context.Context, s *Swap) bool {
	now := e.clock()
	reason := fmt.Sprintf("completion deadline %s passed", s.CompletionDeadline.UTC().Format(time.RFC3339))
	switch {
	case s.Status.preCompletion():
		e.refreshLocks(ctx, s)
		chainExpired := false
		for _, leg := range s.Legs {
			if leg.locked() && leg.ChainExpired {
				chainExpired = true
				reason = fmt.Sprintf("ledger %s reports leg %d timelock expired", leg.Chain, leg.Index)
			}
		}
		if now.Before(s.CompletionDeadline) && !chainExpired {
			return false
		}
	case s.Status == StatusCompleting:
		for _, leg := range s.Legs {
			if leg.Status == LegClaimed || leg.Status == LegClaimSubmitted {
				return false
			}
		}
		e.refreshLocks(ctx, s)
		responder := s.Legs[ResponderLeg]
		if responder.ChainExpired {
			reason = fmt.Sprintf("ledger %s reports leg %d timelock expired", responder.Chain, responder.Index)
		}
		if now.Before(s.CompletionDeadline) && !responder.ChainExpired {
			return false
		}
	default:
		return false
	}
	if err := e.transition(s, StatusExpired, StageExpired); err != nil {
		return false
	}
	s.Reason = reason
	s.Rollback = &Rollback{Reason: reason, StartedAt: now}
	if err := e.commit(ctx, s, e.event(s, events.TypeExpired, nil, "", reason)); err != nil {
		e.logger.Error("htlcd/swap: persist expiry", "swap_id", s.ID, "error", err)
	}
	return true
}

// refreshLocks re-reads the ledger state of every confirmed leg. Block-height
// timelocks can pass long after confirmation, ahead of the wall clock.
func (e *Engine) refreshLocks(ctx context.Context, s *Swap) {
	for i := range s.Legs {
		leg := &s.Legs[i]
		if leg.Status != LegConfirmed {
			continue
		}
		status, err := e.queryLock(ctx, leg)
		if err != nil {
			e.logger.Warn("htlcd/swap: refresh lock status", "swap_id", s.ID, "leg", i, "error", err)
			continue
		}
		leg.Confirmations = status.Confirmations
		leg.ChainExpired = status.TimelockExpired
	}
}

// claimOrder refuses the initiator leg while the responder leg is unclaimed.
// Claiming it first would leave the responder able to refund its own leg.
func claimOrder(s *Swap, idx int) error {
	if idx == InitiatorLeg && s.Legs[ResponderLeg].Status != LegClaimed {
		return fmt.Errorf("%w: leg %d must be claimed before leg %d", ErrInvalidTransition, ResponderLeg, InitiatorLeg)
	}
	return nil
}

func (e *Engine) startLocking(ctx context.Context, s *Swap) error {
	if err := e.transition(s, StatusLockingInitiator, StageInitiatorReserving); err != nil {
		return err
	}
	return e.commit(ctx, s, e.event(s, events.TypeLockStarted, legPtr(InitiatorLeg), "", ""))
}

// stepLock advances one leg through reserve, lock and confirmation. It
// reports true once the leg is confirmed and the swap moved on.
func (e *Engine) stepLock(ctx context.Context, s *Swap, idx int) (bool, error) {
	leg := &s.Legs[idx]
	stages := lockStages[idx]

	if leg.Status == LegPending {
		if s.Stage != stages[0] {
			s.Stage = stages[0]
			if err := e.commit(ctx, s); err != nil {
				return false, err
			}
		}
		leg.ReservationID = lockID(s.ID, idx)
		_, err := e.reservations.Reserve(ctx, reservation.ReserveRequest{
			ID:        leg.ReservationID,
			LedgerID:  leg.Chain,
			AccountID: leg.From,
			AssetID:   leg.AssetID,
			Amount:    leg.Amount,
			SwapID:    s.ID,
		})
		if err != nil {
			if aborted(err) {
				return false, err
			}
			if errors.Is(err, reservation.ErrInsufficientBalance) {
				err = fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
			}
			return false, fatal(err)
		}
		leg.Status = LegReserved
	}

	if leg.Status == LegReserved || leg.Status == LegLockSubmitted {
		leg.LockID = lockID(s.ID, idx)
		leg.Status = LegLockSubmitted
		s.Stage = stages[1]
		if err := e.commit(ctx, s); err != nil {
			return false, err
		}
		ref, err := e.reservations.LockReserved(ctx, leg.ReservationID, reservation.LockTerms{
			LockID:        leg.LockID,
			To:            leg.To,
			HashLock:      s.HashLock,
			HashAlgorithm: s.HashAlgorithm,
			TimelockAt:    leg.TimelockAt,
		})
		if err != nil {
			if aborted(err) {
				return false, err
			}
			return false, fatal(fmt.Errorf("%w: leg %d: %w", ErrLockFailed, idx, err))
		}
		leg.Status = LegLocked
		leg.LockTxHash = ref.TxHash
		s.Stage = stages[2]
		if err := e.commit(ctx, s); err != nil {
			return false, err
		}
	}

	if leg.Status == LegLocked {
		adapter, err := e.adapters.Get(leg.Chain)
		if err != nil {
			return false, err
		}
		ref := ledger.LockRef{Chain: leg.Chain, LockID: leg.LockID, TxHash: leg.LockTxHash}
		status, err := ledger.Retry(ctx, e.retry, "query_lock", func(ctx context.Context) (ledger.LockStatus, error) {
			return adapter.QueryLock(ctx, ref)
		})
		if err != nil {
			if aborted(err) || ledger.IsRetryable(err) {
				e.logger.Warn("htlcd/swap: confirmation query deferred", "swap_id", s.ID, "leg", idx, "error", err)
				return false, nil
			}
			return false, fatal(fmt.Errorf("%w: leg %d: %w", ErrLockFailed, idx, err))
		}
		leg.Confirmations = status.Confirmations
		leg.ChainExpired = status.TimelockExpired
		if status.Claimed || status.Refunded {
			return false, fatal(fmt.Errorf("%w: leg %d settled before completion", ErrLockFailed, idx))
		}
		if leg.Confirmations < leg.RequiredConfirmations {
			return false, e.commit(ctx, s)
		}
		leg.Status = LegConfirmed
		s.Stage = stages[3]
		if err := e.commit(ctx, s, e.event(s, events.TypeLockCompleted, legPtr(idx), leg.LockTxHash, "")); err != nil {
			return false, err
		}
	}

	if leg.Status != LegConfirmed {
		return false, nil
	}
	if idx == InitiatorLeg {
		if err := e.transition(s, StatusLockingResponder, StageResponderReserving); err != nil {
			return false, err
		}
		return true, e.commit(ctx, s, e.event(s, events.TypeLockStarted, legPtr(ResponderLeg), "", ""))
	}
	if err := e.transition(s, StatusLocked, StageResponderConfirmed); err != nil {
		return false, err
	}
	return true, e.commit(ctx, s)
}

// startCompletion enters COMPLETING. This is the first point at which the
// secret may appear in the swap record.
func (e *Engine) startCompletion(ctx context.Context, s *Swap, secret secrets.Secret) error {
	for _, leg := range s.Legs {
		if leg.Status != LegConfirmed {
			return fmt.Errorf("%w: leg %d is %s, not confirmed", ErrInvalidTransition, leg.Index, leg.Status)
		}
	}
	if s.ExternalSecret {
		if err := e.vault.Put(ctx, s.ID, secret); err != nil {
			return fmt.Errorf("swap: store secret: %w", err)
		}
	}
	if err := e.transition(s, StatusCompleting, StageClaiming); err != nil {
		return err
	}
	s.RevealedSecret = secret.Reveal()
	return e.commit(ctx, s, e.event(s, events.TypeCompletionStarted, nil, "", ""))
}

// stepComplete claims every unclaimed leg, responder leg first since its
// timelock is shorter.
func (e *Engine) stepComplete(ctx context.Context, s *Swap) (bool, error) {
	secret, err := e.secretFor(ctx, s)
	if err != nil {
		return false, err
	}
	for _, idx := range []int{ResponderLeg, InitiatorLeg} {
		if err := e.claim(ctx, s, idx, secret); err != nil {
			if aborted(err) || ledger.IsRetryable(err) {
				e.logger.Warn("htlcd/swap: claim deferred", "swap_id", s.ID, "leg", idx, "error", err)
				return false, nil
			}
			return false, fatal(err)
		}
	}
	if err := e.flushRecords(ctx, s); err != nil {
		if aborted(err) {
			return false, err
		}
		e.logger.Warn("htlcd/swap: completion waits for confirmation log", "swap_id", s.ID, "error", err)
		return false, nil
	}
	if err := e.transition(s, StatusCompleted, StageClaimed); err != nil {
		return false, err
	}
	if err := e.commit(ctx, s, e.event(s, events.TypeCompleted, nil, "", "")); err != nil {
		return false, err
	}
	if err := e.vault.Delete(ctx, s.ID); err != nil && !errors.Is(err, secrets.ErrSecretNotFound) {
		e.logger.Warn("htlcd/swap: delete secret", "swap_id", s.ID, "error", err)
	}
	return true, nil
}

// claim submits the claim for one leg and records its outcome.
func (e *Engine) claim(ctx context.Context, s *Swap, idx int, secret secrets.Secret) error {
	leg := &s.Legs[idx]
	if leg.Status == LegClaimed {
		return nil
	}
	if err := claimOrder(s, idx); err != nil {
		return err
	}
	adapter, err := e.adapters.Get(leg.Chain)
	if err != nil {
		return err
	}
	leg.Status = LegClaimSubmitted
	s.Stage = StageClaiming
	if err := e.commit(ctx, s); err != nil {
		return err
	}
	lockRef := ledger.LockRef{Chain: leg.Chain, LockID: leg.LockID, TxHash: leg.LockTxHash}
	ref, err := ledger.Retry(ctx, e.retry, "claim", func(ctx context.Context) (ledger.ClaimRef, error) {
		return adapter.Claim(ctx, lockRef, secret)
	})
	if errors.Is(err, ledger.ErrAlreadyClaimed) {
		status, queryErr := adapter.QueryLock(ctx, lockRef)
		if queryErr == nil && status.Claimed {
			ref, err = ledger.ClaimRef{TxHash: status.ClaimTxHash}, nil
		}
	}
	if err != nil {
		if aborted(err) || ledger.IsRetryable(err) {
			return err
		}
		return fmt.Errorf("%w: leg %d: %w", ErrClaimFailed, idx, err)
	}
	leg.Status = LegClaimed
	leg.ClaimTxHash = ref.TxHash
	if err := e.reservations.MarkConsumed(ctx, leg.ReservationID, ref.TxHash); err != nil {
		e.logger.Warn("htlcd/swap: mark reservation consumed", "swap_id", s.ID, "leg", idx, "error", err)
	}
	e.recordOutcome(ctx, s, idx, confirmations.StatusConfirmed, ref.TxHash, "")
	return e.commit(ctx, s)
}

func lockID(swapID string, idx int) string {
	return fmt.Sprintf("%s/%d", swapID, idx)
}
