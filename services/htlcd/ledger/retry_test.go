package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), Policy{MaxAttempts: 5}, "lock", func(context.Context) (LockRef, error) {
		calls++
		return LockRef{}, ErrHashAlreadyUsed
	})
	if !errors.Is(err, ErrHashAlreadyUsed) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, calls=%d", calls)
	}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	ref, err := Retry(context.Background(), Policy{MaxAttempts: 4}, "lock", func(context.Context) (LockRef, error) {
		calls++
		if calls < 3 {
			return LockRef{}, Transient(errors.New("connection reset"))
		}
		return LockRef{TxHash: "0xabc"}, nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ref.TxHash != "0xabc" || calls != 3 {
		t.Fatalf("unexpected result %+v after %d calls", ref, calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), Policy{MaxAttempts: 3}, "refund", func(context.Context) (RefundRef, error) {
		calls++
		return RefundRef{}, ErrUnavailable
	})
	if !errors.Is(err, ErrUnavailable) || calls != 3 {
		t.Fatalf("expected exhausted retries, err=%v calls=%d", err, calls)
	}
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, Policy{MaxAttempts: 10, InitialBackoff: time.Hour}, "claim", func(context.Context) (ClaimRef, error) {
		calls++
		cancel()
		return ClaimRef{}, ErrUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, expected := range want {
		if got := p.Backoff(i + 1); got != expected {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, expected)
		}
	}
	if (Policy{}).Backoff(3) != 0 {
		t.Fatalf("zero policy should not wait")
	}
}

func TestMiddlewarePassesThrough(t *testing.T) {
	sim := NewSimulated("chain-a")
	sim.Deposit("alice", "USDC", big.NewInt(42))
	wrapped := Instrument(NewRateLimited(sim, 1000, 10))
	if wrapped.Chain() != "chain-a" {
		t.Fatalf("unexpected chain %q", wrapped.Chain())
	}
	balance, err := wrapped.Balance(context.Background(), "alice", "USDC")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}
	if NewRateLimited(sim, 0, 0) != Adapter(sim) {
		t.Fatalf("non-positive rps should return the adapter unchanged")
	}
}
