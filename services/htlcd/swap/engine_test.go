package swap_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"xswap/services/htlcd/confirmations"
	"xswap/services/htlcd/events"
	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/secrets"
	"xswap/services/htlcd/storage"
	"xswap/services/htlcd/swap"
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

// snapshotRepo records every persisted swap so tests can inspect history.
type snapshotRepo struct {
	swap.Repository
	mu        sync.Mutex
	snapshots []string
}

func (r *snapshotRepo) SaveSwap(ctx context.Context, s swap.Swap) error {
	payload, _ := json.Marshal(s)
	r.mu.Lock()
	r.snapshots = append(r.snapshots, string(payload))
	r.mu.Unlock()
	return r.Repository.SaveSwap(ctx, s)
}

type harness struct {
	clock    *testClock
	chainA   *ledger.Simulated
	chainB   *ledger.Simulated
	adapters *ledger.Registry
	store    *storage.SQLStore
	repo     *snapshotRepo
	book     *reservation.Ledger
	vault    *secrets.MemoryVault
	recorder *confirmations.Recorder
	log      swap.Recorder // engine-facing; tests may wrap recorder
	bus      *events.Bus
	alerts   []error
	engine   *swap.Engine
}

func newHarness(t *testing.T, opts ...swap.Option) *harness {
	t.Helper()
	h := &harness{clock: &testClock{now: time.Unix(1_700_000_000, 0).UTC()}}
	h.chainA = ledger.NewSimulated("chain-a", ledger.WithSimulatedClock(h.clock.Now))
	h.chainB = ledger.NewSimulated("chain-b", ledger.WithSimulatedClock(h.clock.Now))
	h.chainA.Deposit("alice-a", "AAA", big.NewInt(1_000))
	h.chainB.Deposit("bob-b", "BBB", big.NewInt(1_000))
	h.adapters = ledger.NewRegistry(h.chainA, h.chainB)

	var err error
	h.store, err = storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { h.store.Close() })
	h.repo = &snapshotRepo{Repository: h.store}

	h.book, err = reservation.New(h.store, h.adapters,
		reservation.WithClock(h.clock.Now),
		reservation.WithRetryPolicy(ledger.Policy{MaxAttempts: 2}))
	require.NoError(t, err)

	h.recorder, err = confirmations.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		confirmations.WithClock(h.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { h.recorder.Close() })
	h.log = h.recorder

	h.vault = secrets.NewMemoryVault()
	h.bus = events.NewBus(256)
	h.engine = h.newEngine(t, opts...)
	return h
}

func (h *harness) newEngine(t *testing.T, opts ...swap.Option) *swap.Engine {
	t.Helper()
	manager, err := secrets.NewManager("sha256")
	require.NoError(t, err)
	opts = append([]swap.Option{
		swap.WithClock(h.clock.Now),
		swap.WithRetryPolicy(ledger.Policy{MaxAttempts: 2}),
		swap.WithEscalationAttempts(2),
		swap.WithAlert(func(_ context.Context, _ swap.Swap, err error) { h.alerts = append(h.alerts, err) }),
	}, opts...)
	engine, err := swap.NewEngine(swap.Deps{
		Repository:   h.repo,
		Reservations: h.book,
		Adapters:     h.adapters,
		Secrets:      manager,
		Vault:        h.vault,
		Recorder:     h.log,
		Events:       h.bus,
	}, opts...)
	require.NoError(t, err)
	return engine
}

func scenarioRequest() swap.InitiateRequest {
	return swap.InitiateRequest{
		Initiator: "alice",
		Responder: "bob",
		Legs: [2]swap.LegRequest{
			{Chain: "chain-a", AssetID: "AAA", Amount: big.NewInt(100), From: "alice-a", To: "bob-a", Timeout: 1000 * time.Second},
			{Chain: "chain-b", AssetID: "BBB", Amount: big.NewInt(50), From: "bob-b", To: "alice-b", Timeout: 400 * time.Second},
		},
	}
}

func balance(t *testing.T, chain *ledger.Simulated, account, asset string) int64 {
	t.Helper()
	bal, err := chain.Balance(context.Background(), account, asset)
	require.NoError(t, err)
	return bal.Int64()
}

func eventTypes(s swap.Swap) []events.Type {
	out := make([]events.Type, 0, len(s.Events))
	for _, evt := range s.Events {
		out = append(out, evt.Type)
	}
	return out
}

func TestScenarioCompletesBothLegs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)
	require.Equal(t, swap.StatusPending, receipt.Status)
	require.Equal(t, 0, receipt.Progress)

	s, err := h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, s.Status)
	require.Equal(t, 100, s.Progress)
	for _, leg := range s.Legs {
		require.Equal(t, swap.LegClaimed, leg.Status)
		require.NotEmpty(t, leg.LockTxHash)
		require.NotEmpty(t, leg.ClaimTxHash)
	}

	records, err := h.recorder.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, confirmations.StatusConfirmed, rec.Status)
	}
	require.NoError(t, h.recorder.Verify(ctx, receipt.SwapID))

	require.Equal(t, int64(900), balance(t, h.chainA, "alice-a", "AAA"))
	require.Equal(t, int64(100), balance(t, h.chainA, "bob-a", "AAA"))
	require.Equal(t, int64(950), balance(t, h.chainB, "bob-b", "BBB"))
	require.Equal(t, int64(50), balance(t, h.chainB, "alice-b", "BBB"))

	require.Equal(t, []events.Type{
		events.TypeInitiated,
		events.TypeLockStarted,
		events.TypeLockCompleted,
		events.TypeLockStarted,
		events.TypeLockCompleted,
		events.TypeCompletionStarted,
		events.TypeCompleted,
	}, eventTypes(s))

	// The responder leg was never locked before the initiator leg.
	require.Equal(t, 1, h.chainA.Calls("lock"))
	require.Equal(t, 1, h.chainB.Calls("lock"))
	_, err = h.vault.Get(ctx, receipt.SwapID)
	require.ErrorIs(t, err, secrets.ErrSecretNotFound)
}

func TestScenarioResponderLockRejectedRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chainB.FailNext("lock", ledger.ErrLockRejected)

	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)

	s, err := h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRollingBack, s.Status)
	require.Equal(t, swap.LegReleased, s.Legs[swap.ResponderLeg].Status)
	require.Equal(t, swap.LegRefundPending, s.Legs[swap.InitiatorLeg].Status)
	require.Contains(t, s.Reason, "lock failed")
	require.Equal(t, int64(900), balance(t, h.chainA, "alice-a", "AAA"))

	h.clock.Advance(1001 * time.Second)
	s, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRolledBack, s.Status)
	require.Equal(t, swap.LegRefunded, s.Legs[swap.InitiatorLeg].Status)
	require.NotEmpty(t, s.Legs[swap.InitiatorLeg].RefundTxHash)

	require.Equal(t, int64(1_000), balance(t, h.chainA, "alice-a", "AAA"))
	require.Equal(t, int64(0), balance(t, h.chainA, "bob-a", "AAA"))
	require.Equal(t, int64(1_000), balance(t, h.chainB, "bob-b", "BBB"))

	records, err := h.recorder.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, confirmations.StatusFailed, rec.Status)
	}
	types := eventTypes(s)
	require.Contains(t, types, events.TypeFailed)
	require.Contains(t, types, events.TypeRollbackStarted)
	require.Equal(t, events.TypeRollbackCompleted, types[len(types)-1])
}

func TestScenarioTimeoutRollsBackBothLegs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	manager, err := secrets.NewManager("sha256")
	require.NoError(t, err)
	secret, err := manager.GenerateSecret()
	require.NoError(t, err)
	lock, err := manager.Hash(secret)
	require.NoError(t, err)

	req := scenarioRequest()
	req.HashLock = lock.Hex()
	receipt, err := h.engine.Initiate(ctx, req)
	require.NoError(t, err)

	s, err := h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusLocked, s.Status)
	require.Equal(t, swap.StageAwaitingSecret, s.Stage)

	h.clock.Advance(500 * time.Second)
	s, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRollingBack, s.Status)
	require.Contains(t, eventTypes(s), events.TypeExpired)

	_, err = h.engine.ClaimLeg(ctx, receipt.SwapID, swap.ResponderLeg, secret)
	require.ErrorIs(t, err, swap.ErrInvalidTransition)

	h.clock.Advance(501 * time.Second)
	s, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRolledBack, s.Status)
	require.Equal(t, int64(1_000), balance(t, h.chainA, "alice-a", "AAA"))
	require.Equal(t, int64(1_000), balance(t, h.chainB, "bob-b", "BBB"))
	_, revealed := h.chainB.RevealedSecret(s.Legs[swap.ResponderLeg].LockID)
	require.False(t, revealed)
}

func TestClaimLegIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	manager, _ := secrets.NewManager("sha256")
	secret, _ := manager.GenerateSecret()
	lock, _ := manager.Hash(secret)

	req := scenarioRequest()
	req.HashLock = lock.Hex()
	receipt, err := h.engine.Initiate(ctx, req)
	require.NoError(t, err)
	_, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)

	wrong := secrets.Secret(make([]byte, secrets.SecretSize))
	_, err = h.engine.ClaimLeg(ctx, receipt.SwapID, swap.ResponderLeg, wrong)
	require.ErrorIs(t, err, swap.ErrClaimFailed)

	first, err := h.engine.ClaimLeg(ctx, receipt.SwapID, swap.ResponderLeg, secret)
	require.NoError(t, err)
	require.NotEmpty(t, first.TxHash)

	s, err := h.engine.Get(ctx, receipt.SwapID, "alice")
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, s.Status)
	require.Equal(t, secret.Reveal(), s.RevealedSecret)

	second, err := h.engine.ClaimLeg(ctx, receipt.SwapID, swap.ResponderLeg, secret)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, h.chainB.Calls("claim"))
	require.Equal(t, int64(50), balance(t, h.chainB, "alice-b", "BBB"))

	records, err := h.recorder.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

// flakyLog rejects appends while down is set.
type flakyLog struct {
	swap.Recorder
	mu      sync.Mutex
	down    bool
	refused int
}

func (l *flakyLog) setDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *flakyLog) Append(ctx context.Context, entry confirmations.Entry) (confirmations.Record, error) {
	l.mu.Lock()
	if l.down {
		l.refused++
		l.mu.Unlock()
		return confirmations.Record{}, errors.New("confirmation log unavailable")
	}
	l.mu.Unlock()
	return l.Recorder.Append(ctx, entry)
}

func TestResponderLedgerExpiryBlocksInitiatorClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	manager, err := secrets.NewManager("sha256")
	require.NoError(t, err)
	secret, err := manager.GenerateSecret()
	require.NoError(t, err)
	lock, err := manager.Hash(secret)
	require.NoError(t, err)

	req := scenarioRequest()
	req.HashLock = lock.Hex()
	receipt, err := h.engine.Initiate(ctx, req)
	require.NoError(t, err)
	s, err := h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusLocked, s.Status)

	// The initiator leg is never claimable ahead of the responder leg.
	_, err = h.engine.ClaimLeg(ctx, receipt.SwapID, swap.InitiatorLeg, secret)
	require.ErrorIs(t, err, swap.ErrInvalidTransition)
	require.Equal(t, 0, h.chainA.Calls("claim"))

	// Chain B's block-height timelock runs out well before our clock says so.
	h.chainB.ExpireLock(s.Legs[swap.ResponderLeg].LockID)
	_, err = h.engine.ClaimLeg(ctx, receipt.SwapID, swap.InitiatorLeg, secret)
	require.ErrorIs(t, err, swap.ErrTimeout)
	require.Equal(t, 0, h.chainA.Calls("claim"))
	require.Equal(t, 0, h.chainB.Calls("claim"))

	s, err = h.engine.Get(ctx, receipt.SwapID, "alice")
	require.NoError(t, err)
	require.Equal(t, swap.StatusRollingBack, s.Status)
	require.True(t, s.Legs[swap.ResponderLeg].ChainExpired)
	require.Equal(t, swap.LegRefunded, s.Legs[swap.ResponderLeg].Status)
	require.Equal(t, swap.LegRefundPending, s.Legs[swap.InitiatorLeg].Status)
	require.Empty(t, s.RevealedSecret)
	require.Contains(t, s.Reason, "timelock expired")
	require.Equal(t, int64(0), balance(t, h.chainA, "bob-a", "AAA"))
	require.Equal(t, int64(1_000), balance(t, h.chainB, "bob-b", "BBB"))

	h.clock.Advance(1001 * time.Second)
	s, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRolledBack, s.Status)
	require.Equal(t, int64(1_000), balance(t, h.chainA, "alice-a", "AAA"))
	require.Equal(t, int64(0), balance(t, h.chainB, "alice-b", "BBB"))
	_, revealed := h.chainB.RevealedSecret(s.Legs[swap.ResponderLeg].LockID)
	require.False(t, revealed)
}

func TestConfirmationLogOutageDefersSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flaky := &flakyLog{Recorder: h.recorder, down: true}
	h.log = flaky
	h.engine = h.newEngine(t)

	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)
	s, err := h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleting, s.Status)
	for _, leg := range s.Legs {
		require.Equal(t, swap.LegClaimed, leg.Status)
		require.NotNil(t, leg.PendingRecord)
		require.Equal(t, confirmations.StatusConfirmed, leg.PendingRecord.Status)
		require.Equal(t, leg.ClaimTxHash, leg.PendingRecord.TxHash)
	}
	require.Positive(t, flaky.refused)
	require.Equal(t, int64(100), balance(t, h.chainA, "bob-a", "AAA"))
	records, err := h.recorder.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Empty(t, records)

	// The owed records survive a restart and are written once the log is back.
	flaky.setDown(false)
	restarted := h.newEngine(t)
	s, err = restarted.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, s.Status)
	for _, leg := range s.Legs {
		require.Nil(t, leg.PendingRecord)
	}
	records, err = h.recorder.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NoError(t, h.recorder.Verify(ctx, receipt.SwapID))
	require.Equal(t, 1, h.chainA.Calls("claim"))
	require.Equal(t, 1, h.chainB.Calls("claim"))
}

func TestConfirmationLogOutageHoldsRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flaky := &flakyLog{Recorder: h.recorder}
	h.log = flaky
	h.engine = h.newEngine(t)

	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)
	flaky.setDown(true)
	s, err := h.engine.Cancel(ctx, receipt.SwapID, "alice")
	require.NoError(t, err)
	require.Equal(t, swap.StatusRollingBack, s.Status)
	require.Equal(t, swap.LegReleased, s.Legs[swap.InitiatorLeg].Status)
	require.NotNil(t, s.Legs[swap.InitiatorLeg].PendingRecord)

	flaky.setDown(false)
	s, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRolledBack, s.Status)
	records, err := h.recorder.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, confirmations.StatusFailed, rec.Status)
	}
}

func TestInitiateReplayMustMatchTerms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := scenarioRequest()
	req.ID = "swap-replay"
	first, err := h.engine.Initiate(ctx, req)
	require.NoError(t, err)

	again, err := h.engine.Initiate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first, again)

	bigger := scenarioRequest()
	bigger.ID = req.ID
	bigger.Legs[1].Amount = big.NewInt(5)
	_, err = h.engine.Initiate(ctx, bigger)
	require.ErrorIs(t, err, swap.ErrValidation)
	require.Contains(t, err.Error(), "leg 1 amount")

	redirected := scenarioRequest()
	redirected.ID = req.ID
	redirected.Legs[0].To = "mallory-a"
	_, err = h.engine.Initiate(ctx, redirected)
	require.ErrorIs(t, err, swap.ErrValidation)

	manager, err := secrets.NewManager("sha256")
	require.NoError(t, err)
	secret, err := manager.GenerateSecret()
	require.NoError(t, err)
	lock, err := manager.Hash(secret)
	require.NoError(t, err)
	external := scenarioRequest()
	external.ID = req.ID
	external.HashLock = lock.Hex()
	_, err = h.engine.Initiate(ctx, external)
	require.ErrorIs(t, err, swap.ErrValidation)
	require.Contains(t, err.Error(), "hash lock")

	s, err := h.engine.Get(ctx, req.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(50), s.Legs[swap.ResponderLeg].Amount.Int64())
	require.Equal(t, "bob-a", s.Legs[swap.InitiatorLeg].To)
}

func TestInitiateRejectsTimelockOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for name, timeouts := range map[string][2]time.Duration{
		"responder longer":         {400 * time.Second, 1000 * time.Second},
		"equal":                    {1000 * time.Second, 1000 * time.Second},
		"within safety margin":     {1000 * time.Second, 701 * time.Second},
		"exactly at safety margin": {1000 * time.Second, 700 * time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			req := scenarioRequest()
			req.Legs[0].Timeout = timeouts[0]
			req.Legs[1].Timeout = timeouts[1]
			_, err := h.engine.Initiate(ctx, req)
			require.ErrorIs(t, err, swap.ErrValidation)
			require.Contains(t, err.Error(), "safety margin")
		})
	}
	req := scenarioRequest()
	req.Legs[1].Timeout = 699 * time.Second
	_, err := h.engine.Initiate(ctx, req)
	require.NoError(t, err)
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := scenarioRequest()
	req.Responder = "alice"
	_, err := h.engine.Initiate(ctx, req)
	require.ErrorIs(t, err, swap.ErrValidation)

	req = scenarioRequest()
	req.Legs[1].Chain = "chain-z"
	_, err = h.engine.Initiate(ctx, req)
	require.ErrorIs(t, err, swap.ErrValidation)

	req = scenarioRequest()
	req.Legs[0].Amount = big.NewInt(5_000)
	_, err = h.engine.Initiate(ctx, req)
	require.ErrorIs(t, err, swap.ErrInsufficientBalance)

	req = scenarioRequest()
	req.HashLock = "not-hex"
	_, err = h.engine.Initiate(ctx, req)
	require.ErrorIs(t, err, swap.ErrValidation)
}

func TestSecretAbsentBeforeCompleting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)
	secret, err := h.vault.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	hexSecret := secret.Reveal()

	_, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)

	sawCompleting := false
	for _, snapshot := range h.repo.snapshots {
		var s swap.Swap
		require.NoError(t, json.Unmarshal([]byte(snapshot), &s))
		if s.Status == swap.StatusCompleting || s.Status == swap.StatusCompleted {
			sawCompleting = true
			continue
		}
		require.NotContains(t, snapshot, hexSecret, "secret persisted while %s", s.Status)
	}
	require.True(t, sawCompleting)

	for _, evt := range h.bus.History() {
		payload, _ := json.Marshal(evt)
		require.NotContains(t, string(payload), hexSecret)
	}
	records, err := h.recorder.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	for _, rec := range records {
		require.NotContains(t, rec.Reason, hexSecret)
	}

	responderView, err := h.engine.Get(ctx, receipt.SwapID, "bob")
	require.NoError(t, err)
	require.Empty(t, responderView.RevealedSecret)
	anonymous, err := h.engine.List(ctx, swap.Filter{}, "")
	require.NoError(t, err)
	require.Len(t, anonymous, 1)
	require.Empty(t, anonymous[0].RevealedSecret)
	initiatorView, err := h.engine.Get(ctx, receipt.SwapID, "alice")
	require.NoError(t, err)
	require.Equal(t, hexSecret, initiatorView.RevealedSecret)
}

func TestCrashDuringClaimIsRedrivenByNewEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)

	h.chainA.FailNext("claim", ledger.ErrUnavailable)
	h.chainA.FailNext("claim", ledger.ErrUnavailable)
	s, err := h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleting, s.Status)
	require.Equal(t, swap.LegClaimed, s.Legs[swap.ResponderLeg].Status)
	require.Equal(t, swap.LegClaimSubmitted, s.Legs[swap.InitiatorLeg].Status)

	// A fresh engine has only the persisted state to go on.
	restarted := h.newEngine(t)
	s, err = restarted.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, s.Status)
	require.NotEmpty(t, s.Legs[swap.InitiatorLeg].ClaimTxHash)
	require.Equal(t, int64(100), balance(t, h.chainA, "bob-a", "AAA"))

	records, err := h.recorder.Get(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestCancelOnlyBeforeLocking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)

	_, err = h.engine.Cancel(ctx, receipt.SwapID, "mallory")
	require.ErrorIs(t, err, swap.ErrValidation)

	s, err := h.engine.Cancel(ctx, receipt.SwapID, "bob")
	require.NoError(t, err)
	require.Equal(t, swap.StatusRolledBack, s.Status)
	require.Equal(t, "cancelled", s.Reason)
	require.Equal(t, 0, h.chainA.Calls("lock"))

	other, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)
	_, err = h.engine.LockLeg(ctx, other.SwapID, swap.InitiatorLeg)
	require.NoError(t, err)
	_, err = h.engine.Cancel(ctx, other.SwapID, "alice")
	require.ErrorIs(t, err, swap.ErrCancelNotAllowed)
	_, err = h.engine.Rollback(ctx, other.SwapID, "operator request")
	require.ErrorIs(t, err, swap.ErrInvalidTransition)
}

func TestLockLegEnforcesLegOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)

	_, err = h.engine.LockLeg(ctx, receipt.SwapID, swap.ResponderLeg)
	require.ErrorIs(t, err, swap.ErrInvalidTransition)
	require.Equal(t, 0, h.chainB.Calls("lock"))

	s, err := h.engine.LockLeg(ctx, receipt.SwapID, swap.InitiatorLeg)
	require.NoError(t, err)
	require.Equal(t, swap.StatusLockingResponder, s.Status)
	require.Equal(t, swap.LegConfirmed, s.Legs[swap.InitiatorLeg].Status)

	s, err = h.engine.LockLeg(ctx, receipt.SwapID, swap.ResponderLeg)
	require.NoError(t, err)
	require.Equal(t, swap.StatusLocked, s.Status)

	s, err = h.engine.Complete(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, s.Status)
}

func TestConfirmationsGateResponderLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := scenarioRequest()
	req.Legs[0].RequiredConfirmations = 3
	receipt, err := h.engine.Initiate(ctx, req)
	require.NoError(t, err)

	s, err := h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusLockingInitiator, s.Status)
	require.Equal(t, swap.LegLocked, s.Legs[swap.InitiatorLeg].Status)
	require.Equal(t, 0, h.chainB.Calls("lock"))

	h.chainA.Mine(2)
	s, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, s.Status)
	require.Equal(t, uint64(3), s.Legs[swap.InitiatorLeg].Confirmations)
}

func TestRollbackEscalatesAndStaysRollingBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chainB.FailNext("lock", ledger.ErrHashAlreadyUsed)
	receipt, err := h.engine.Initiate(ctx, scenarioRequest())
	require.NoError(t, err)
	_, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)

	h.clock.Advance(1001 * time.Second)
	for i := 0; i < 4; i++ {
		h.chainA.FailNext("refund", ledger.ErrUnavailable)
	}
	s, err := h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRollingBack, s.Status)
	require.Equal(t, 1, s.Rollback.Attempts)
	require.False(t, s.Rollback.Escalated)

	_, err = h.engine.Advance(ctx, receipt.SwapID)
	require.ErrorIs(t, err, swap.ErrRollbackFailed)
	s, err = h.engine.Get(ctx, receipt.SwapID, "")
	require.NoError(t, err)
	require.Equal(t, swap.StatusRollingBack, s.Status)
	require.True(t, s.Rollback.Escalated)
	require.Len(t, h.alerts, 1)
	require.Contains(t, eventTypes(s), events.TypeRollbackEscalated)

	s, err = h.engine.Advance(ctx, receipt.SwapID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRolledBack, s.Status)
	require.Equal(t, int64(1_000), balance(t, h.chainA, "alice-a", "AAA"))
}

func TestStatusMachine(t *testing.T) {
	require.True(t, swap.CanTransition(swap.StatusPending, swap.StatusLockingInitiator))
	require.True(t, swap.CanTransition(swap.StatusCompleting, swap.StatusExpired))
	require.True(t, swap.CanTransition(swap.StatusExpired, swap.StatusRollingBack))
	require.False(t, swap.CanTransition(swap.StatusCompleted, swap.StatusRollingBack))
	require.False(t, swap.CanTransition(swap.StatusRolledBack, swap.StatusRollingBack))
	require.False(t, swap.CanTransition(swap.StatusPending, swap.StatusLocked))
	require.False(t, swap.CanTransition(swap.StatusLocked, swap.StatusPending))

	status, ok := swap.ParseStatus(" rolled_back ")
	require.True(t, ok)
	require.Equal(t, swap.StatusRolledBack, status)
	_, ok = swap.ParseStatus("DONE")
	require.False(t, ok)
	require.Equal(t, 85, swap.Progress(swap.StatusCompleting, swap.StageClaiming))
	require.Equal(t, 100, swap.Progress(swap.StatusCompleted, swap.StageClaimed))
}
