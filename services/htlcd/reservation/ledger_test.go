package reservation_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/secrets"
	"xswap/services/htlcd/storage"
	"xswap/services/htlcd/storage/keyed"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock  *testClock
	chain  *ledger.Simulated
	store  *storage.SQLStore
	ledger *reservation.Ledger
}

func newFixture(t *testing.T, opts ...reservation.Option) *fixture {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	chain := ledger.NewSimulated("chain-a", ledger.WithSimulatedClock(clock.Now))
	chain.Deposit("alice", "AAA", big.NewInt(100))
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	opts = append([]reservation.Option{
		reservation.WithClock(clock.Now),
		reservation.WithTTL(time.Minute),
		reservation.WithReleaseGrace(5 * time.Minute),
		reservation.WithRetryPolicy(ledger.Policy{MaxAttempts: 2}),
	}, opts...)
	book, err := reservation.New(store, ledger.NewRegistry(chain), opts...)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return &fixture{clock: clock, chain: chain, store: store, ledger: book}
}

func (f *fixture) available(t *testing.T) *big.Int {
	t.Helper()
	out, err := f.ledger.ValidateAvailability(context.Background(), "chain-a", "alice", "AAA", big.NewInt(1))
	if err != nil {
		t.Fatalf("validate availability: %v", err)
	}
	return out.AvailableBalance
}

func (f *fixture) terms(t *testing.T, lockID string, timelock time.Duration) reservation.LockTerms {
	t.Helper()
	lock, err := secrets.Hash(secrets.AlgorithmSHA256, secrets.Secret([]byte(fmt.Sprintf("%032s", lockID))))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return reservation.LockTerms{
		LockID:        lockID,
		To:            "bob",
		HashLock:      lock,
		HashAlgorithm: secrets.AlgorithmSHA256,
		TimelockAt:    f.clock.Now().Add(timelock),
	}
}

func TestReserveThenReleaseRestoresAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.available(t)

	res, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "aaa", Amount: big.NewInt(40)})
	if err != nil || !res.Success {
		t.Fatalf("reserve: %+v %v", res, err)
	}
	if got := f.available(t); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected 60 available while held, got %s", got)
	}
	out, err := f.ledger.Release(ctx, res.ReservationID, false)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Status != reservation.StatusReleased || out.Noop {
		t.Fatalf("unexpected release result: %+v", out)
	}
	if got := f.available(t); got.Cmp(before) != 0 {
		t.Fatalf("availability not restored: before %s after %s", before, got)
	}

	again, err := f.ledger.Release(ctx, res.ReservationID, true)
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if !again.Noop {
		t.Fatalf("expected repeat release within grace to be a no-op")
	}
	f.clock.Advance(6 * time.Minute)
	report, err := f.ledger.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Pruned != 1 {
		t.Fatalf("expected settled reservation to be pruned, got %+v", report)
	}
	if _, err := f.ledger.Release(ctx, res.ReservationID, false); !errors.Is(err, reservation.ErrReservationNotFound) {
		t.Fatalf("expected not found after prune, got %v", err)
	}
}

func TestReserveRejectsOvercommitAndValidatesAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(70)}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(31)})
	if !errors.Is(err, reservation.ErrInsufficientBalance) || res.Success || res.Reason == "" {
		t.Fatalf("expected insufficient balance with reason, got %+v %v", res, err)
	}
	if _, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(0)}); !errors.Is(err, reservation.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: huge}); !errors.Is(err, reservation.ErrInvalidAmount) {
		t.Fatalf("expected 256-bit overflow rejection, got %v", err)
	}
	if _, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "unknown", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(1)}); !errors.Is(err, ledger.ErrUnknownChain) {
		t.Fatalf("expected unknown chain, got %v", err)
	}
}

func TestReserveIsIdempotentByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := reservation.ReserveRequest{ID: "swap-1/0", LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(60)}
	for i := 0; i < 2; i++ {
		res, err := f.ledger.Reserve(ctx, req)
		if err != nil || res.ReservationID != "swap-1/0" {
			t.Fatalf("reserve %d: %+v %v", i, res, err)
		}
	}
	if got := f.available(t); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("repeat reserve must not double the hold, available %s", got)
	}
	req.Amount = big.NewInt(10)
	if _, err := f.ledger.Reserve(ctx, req); !errors.Is(err, reservation.ErrInvalidState) {
		t.Fatalf("expected id reuse with different terms to fail, got %v", err)
	}
}

func TestConcurrentReservesSucceedInArrivalOrder(t *testing.T) {
	locks := keyed.New()
	f := newFixture(t, reservation.WithLocks(locks))
	ctx := context.Background()
	key := reservation.BalanceKey("chain-a", "alice", "AAA")
	amounts := []int64{30, 50, 40, 20, 10}

	gate, err := locks.Lock(ctx, key)
	if err != nil {
		t.Fatalf("hold key: %v", err)
	}
	var (
		mu      sync.Mutex
		results = make(map[int]error)
		wg      sync.WaitGroup
	)
	for i, amount := range amounts {
		wg.Add(1)
		go func(idx int, amount int64) {
			defer wg.Done()
			_, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{
				ID: fmt.Sprintf("r%d", idx), LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(amount),
			})
			mu.Lock()
			results[idx] = err
			mu.Unlock()
		}(i, amount)
		waitForWaiters(t, locks, key, i+1)
	}
	gate()
	wg.Wait()

	// 30 + 50 fit, 40 does not (20 left), 20 fits, 10 does not.
	want := []bool{true, true, false, true, false}
	for i, ok := range want {
		err := results[i]
		if ok && err != nil {
			t.Fatalf("reserve %d should succeed: %v", i, err)
		}
		if !ok && !errors.Is(err, reservation.ErrInsufficientBalance) {
			t.Fatalf("reserve %d should fail with insufficient balance, got %v", i, err)
		}
	}
	if got := f.available(t); got.Sign() != 0 {
		t.Fatalf("expected balance fully reserved, %s left", got)
	}
}

func waitForWaiters(t *testing.T, locks *keyed.Mutex, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for locks.Waiting(key) != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d queued reserves, have %d", n, locks.Waiting(key))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConcurrentReservesNeverOvercommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{
				ID: fmt.Sprintf("c%d", idx), LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(15),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, reservation.ErrInsufficientBalance) {
				t.Errorf("reserve %d: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 6 {
		t.Fatalf("expected exactly 6 holds of 15 to fit 100, got %d", succeeded)
	}
}

func TestLockReservedIsIdempotentAndMovesFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{ID: "s/0", LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(40)})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	terms := f.terms(t, "s/0", time.Hour)
	ref, err := f.ledger.LockReserved(ctx, res.ReservationID, terms)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	again, err := f.ledger.LockReserved(ctx, res.ReservationID, terms)
	if err != nil || again != ref {
		t.Fatalf("repeat lock should return original ref: %+v %v", again, err)
	}
	if f.chain.Calls("lock") != 1 {
		t.Fatalf("expected a single adapter lock, got %d", f.chain.Calls("lock"))
	}
	if _, err := f.ledger.LockReserved(ctx, res.ReservationID, f.terms(t, "other", time.Hour)); !errors.Is(err, reservation.ErrAlreadyLocked) {
		t.Fatalf("expected already locked, got %v", err)
	}
	// Locked funds leave the chain balance; the hold no longer counts twice.
	if got := f.available(t); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected 60 available after lock, got %s", got)
	}
	stored, err := f.ledger.Get(ctx, res.ReservationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != reservation.StatusLocked || !stored.Locked || !stored.ExpiresAt.Equal(terms.TimelockAt) {
		t.Fatalf("unexpected stored reservation: %+v", stored)
	}
}

func TestLockReservedRejectsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(10)})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	f.clock.Advance(2 * time.Minute)
	if _, err := f.ledger.LockReserved(ctx, res.ReservationID, f.terms(t, "late", time.Hour)); !errors.Is(err, reservation.ErrReservationExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if f.chain.Calls("lock") != 0 {
		t.Fatalf("expired reservation must not reach the ledger")
	}
}

func TestLockFailureClearsPendingLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(10)})
	f.chain.FailNext("lock", ledger.ErrHashAlreadyUsed)
	if _, err := f.ledger.LockReserved(ctx, res.ReservationID, f.terms(t, "x/0", time.Hour)); !errors.Is(err, ledger.ErrHashAlreadyUsed) {
		t.Fatalf("expected hash reuse error, got %v", err)
	}
	stored, _ := f.ledger.Get(ctx, res.ReservationID)
	if stored.Status != reservation.StatusReserved || stored.PendingLockID != "" {
		t.Fatalf("rejected lock should leave a clean reservation: %+v", stored)
	}
}

func TestReleaseUnlockRefundsAfterTimelock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(25)})
	if _, err := f.ledger.LockReserved(ctx, res.ReservationID, f.terms(t, "u/0", 10*time.Minute)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.ledger.Release(ctx, res.ReservationID, true); !errors.Is(err, ledger.ErrTimelockActive) {
		t.Fatalf("expected refund to wait for the timelock, got %v", err)
	}
	f.clock.Advance(11 * time.Minute)
	out, err := f.ledger.Release(ctx, res.ReservationID, true)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Status != reservation.StatusUnlocked || out.RefundTxHash == "" {
		t.Fatalf("unexpected release: %+v", out)
	}
	if got := f.available(t); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("refund should restore the full balance, got %s", got)
	}
}

func TestSweepRefundsExpiredLocksAndExpiresHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held, _ := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(10)})
	locked, _ := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(30)})
	if _, err := f.ledger.LockReserved(ctx, locked.ReservationID, f.terms(t, "w/0", 5*time.Minute)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	report, err := f.ledger.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Expired != 1 || report.Refunded != 0 {
		t.Fatalf("expected only the soft hold to expire: %+v", report)
	}
	if stored, _ := f.ledger.Get(ctx, held.ReservationID); stored.Status != reservation.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", stored.Status)
	}

	f.clock.Advance(4 * time.Minute)
	report, err = f.ledger.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Refunded != 1 {
		t.Fatalf("expected the expired lock to be refunded: %+v", report)
	}
	stored, _ := f.ledger.Get(ctx, locked.ReservationID)
	if stored.Status != reservation.StatusUnlocked || stored.RefundTxHash == "" {
		t.Fatalf("expected UNLOCKED with refund tx, got %+v", stored)
	}
	if bal, _ := f.chain.Balance(ctx, "alice", "AAA"); bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected funds back on the ledger, balance %s", bal)
	}
}

func TestSweepDefersRefundOnTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(30)})
	if _, err := f.ledger.LockReserved(ctx, res.ReservationID, f.terms(t, "t/0", 5*time.Minute)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	f.clock.Advance(6 * time.Minute)
	f.chain.FailNext("refund", ledger.ErrUnavailable)
	f.chain.FailNext("refund", ledger.ErrUnavailable)
	report, err := f.ledger.SweepExpired(ctx)
	if err == nil || report.Pending != 1 {
		t.Fatalf("expected a pending refund and an error, got %+v %v", report, err)
	}
	if stored, _ := f.ledger.Get(ctx, res.ReservationID); stored.Status != reservation.StatusLocked {
		t.Fatalf("locked reservation must survive a failed refund, got %s", stored.Status)
	}
	report, err = f.ledger.SweepExpired(ctx)
	if err != nil || report.Refunded != 1 {
		t.Fatalf("expected refund on the next sweep, got %+v %v", report, err)
	}
}

func TestReleaseReconcilesPendingLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(10)})
	stored, _ := f.ledger.Get(ctx, res.ReservationID)
	// A crash between persisting the pending lock id and the ledger ack.
	stored.PendingLockID = "ghost/0"
	if err := f.store.SaveReservation(ctx, stored); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := f.ledger.Release(ctx, res.ReservationID, true)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Status != reservation.StatusReleased {
		t.Fatalf("lock never landed so the hold should simply release, got %+v", out)
	}
	if f.chain.Calls("query_lock") != 1 {
		t.Fatalf("expected reconciliation query, got %d", f.chain.Calls("query_lock"))
	}
}

func TestMarkConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.ledger.Reserve(ctx, reservation.ReserveRequest{LedgerID: "chain-a", AccountID: "alice", AssetID: "AAA", Amount: big.NewInt(10)})
	if err := f.ledger.MarkConsumed(ctx, res.ReservationID, "0xclaim"); !errors.Is(err, reservation.ErrInvalidState) {
		t.Fatalf("expected invalid state before lock, got %v", err)
	}
	if _, err := f.ledger.LockReserved(ctx, res.ReservationID, f.terms(t, "m/0", time.Hour)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.ledger.MarkConsumed(ctx, res.ReservationID, "0xclaim"); err != nil {
			t.Fatalf("mark consumed %d: %v", i, err)
		}
	}
	out, err := f.ledger.Release(ctx, res.ReservationID, true)
	if err != nil || !out.Noop || out.Status != reservation.StatusConsumed {
		t.Fatalf("release after consume should be a no-op: %+v %v", out, err)
	}
}
