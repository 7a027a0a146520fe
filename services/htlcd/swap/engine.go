package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"xswap/observability"
	"xswap/observability/logging"
	"xswap/services/htlcd/confirmations"
	"xswap/services/htlcd/events"
	"xswap/services/htlcd/ledger"
	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/secrets"
	"xswap/services/htlcd/storage/keyed"
)

const (
	// DefaultSafetyMargin separates the responder timelock from the initiator
	// timelock and bounds the claim latency the engine tolerates.
	DefaultSafetyMargin = 5 * time.Minute
	// DefaultEscalationAttempts is the number of failed refund rounds before
	// an operator alert is raised.
	DefaultEscalationAttempts = 5

	maxDriveSteps = 32
)

// Recorder is the append-only confirmation log the engine writes leg outcomes to.
type Recorder interface {
	Append(ctx context.Context, entry confirmations.Entry) (confirmations.Record, error)
	Get(ctx context.Context, swapID string) ([]confirmations.Record, error)
}

// AlertFunc is invoked when a rollback escalates.
type AlertFunc func(ctx context.Context, s Swap, err error)

// Deps are the collaborators the engine orchestrates.
type Deps struct {
	Repository   Repository
	Reservations *reservation.Ledger
	Adapters     *ledger.Registry
	Secrets      *secrets.Manager
	Vault        secrets.Vault
	Recorder     Recorder
	Events       events.Publisher
}

// Engine drives swaps through the HTLC protocol. Transitions of a single
// swap are serialised on its id; different swaps proceed concurrently.
type Engine struct {
	repo         Repository
	reservations *reservation.Ledger
	adapters     *ledger.Registry
	secrets      *secrets.Manager
	vault        secrets.Vault
	recorder     Recorder
	events       events.Publisher

	locks              *keyed.Mutex
	clock              func() time.Time
	retry              ledger.Policy
	safetyMargin       time.Duration
	escalationAttempts int
	defaultConfs       uint64
	alert              AlertFunc
	metrics            *observability.EngineMetrics
	tracer             trace.Tracer
	logger             *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSafetyMargin overrides the minimum gap between leg timelocks.
func WithSafetyMargin(margin time.Duration) Option {
	return func(e *Engine) {
		if margin > 0 {
			e.safetyMargin = margin
		}
	}
}

// WithRetryPolicy overrides the backoff applied to direct adapter calls.
func WithRetryPolicy(policy ledger.Policy) Option {
	return func(e *Engine) { e.retry = policy }
}

// WithEscalationAttempts overrides how many failed refund rounds trigger an alert.
func WithEscalationAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.escalationAttempts = n
		}
	}
}

// WithDefaultConfirmations sets the confirmations required when a leg does not specify any.
func WithDefaultConfirmations(n uint64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultConfs = n
		}
	}
}

// WithAlert installs the escalation hook.
func WithAlert(fn AlertFunc) Option {
	return func(e *Engine) { e.alert = fn }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine validates deps and constructs an engine.
func NewEngine(deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Repository == nil:
		return nil, errors.New("swap: repository required")
	case deps.Reservations == nil:
		return nil, errors.New("swap: reservation ledger required")
	case deps.Adapters == nil:
		return nil, errors.New("swap: adapter registry required")
	case deps.Secrets == nil:
		return nil, errors.New("swap: secret manager required")
	case deps.Vault == nil:
		return nil, errors.New("swap: secret vault required")
	case deps.Recorder == nil:
		return nil, errors.New("swap: confirmation recorder required")
	}
	e := &Engine{
		repo:               deps.Repository,
		reservations:       deps.Reservations,
		adapters:           deps.Adapters,
		secrets:            deps.Secrets,
		vault:              deps.Vault,
		recorder:           deps.Recorder,
		events:             deps.Events,
		locks:              keyed.New(),
		clock:              time.Now,
		retry:              ledger.DefaultPolicy(),
		safetyMargin:       DefaultSafetyMargin,
		escalationAttempts: DefaultEscalationAttempts,
		defaultConfs:       1,
		metrics:            observability.Engine(),
		tracer:             otel.Tracer("xswap/swap"),
		logger:             slog.Default(),
	}
	if e.events == nil {
		e.events = events.PublisherFunc(nil)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SafetyMargin returns the configured timelock separation.
func (e *Engine) SafetyMargin() time.Duration { return e.safetyMargin }

func (e *Engine) begin(ctx context.Context, op, swapID string) (context.Context, trace.Span, time.Time) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "swap."+op, trace.WithAttributes(attribute.String("swap.id", swapID)))
	return ctx, span, start
}

func (e *Engine) end(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	e.metrics.Observe(op, e.clock().Sub(start), err)
}

// Initiate validates the request, commits to a hash lock and stores the swap
// in PENDING. The raw secret, when generated here, goes to the vault only.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (receipt Receipt, err error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	ctx, span, start := e.begin(ctx, "initiate", id)
	defer func() { e.end(span, "initiate", start, err) }()

	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	defer unlock()

	if existing, getErr := e.repo.GetSwap(ctx, id); getErr == nil {
		if existing.Initiator != strings.TrimSpace(req.Initiator) {
			return Receipt{}, fmt.Errorf("%w: swap id %s already in use", ErrValidation, id)
		}
		if diff := e.termsDiffer(existing, req); diff != "" {
			return Receipt{}, fmt.Errorf("%w: swap id %s reused with different terms: %s", ErrValidation, id, diff)
		}
		return Receipt{SwapID: existing.ID, Status: existing.Status, Progress: existing.Progress}, nil
	} else if !errors.Is(getErr, ErrNotFound) {
		return Receipt{}, getErr
	}

	now := e.clock()
	s, err := e.buildSwap(id, req, now)
	if err != nil {
		return Receipt{}, err
	}
	for i := range s.Legs {
		leg := s.Legs[i]
		avail, err := e.reservations.ValidateAvailability(ctx, leg.Chain, leg.From, leg.AssetID, leg.Amount)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: leg %d: %w", ErrValidation, i, err)
		}
		if !avail.Available {
			return Receipt{}, fmt.Errorf("%w: leg %d: %s", ErrInsufficientBalance, i, avail.Reason)
		}
	}

	if req.HashLock != "" {
		lock, err := secrets.ParseHashLock(req.HashLock)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		alg, err := secrets.ParseAlgorithm(req.HashAlgorithm)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		s.HashLock, s.HashAlgorithm, s.ExternalSecret = lock, alg, true
	} else {
		secret, err := e.secrets.GenerateSecret()
		if err != nil {
			return Receipt{}, err
		}
		lock, err := e.secrets.Hash(secret)
		if err != nil {
			return Receipt{}, err
		}
		if err := e.vault.Put(ctx, id, secret); err != nil {
			return Receipt{}, fmt.Errorf("swap: store secret: %w", err)
		}
		s.HashLock, s.HashAlgorithm = lock, e.secrets.Algorithm()
	}

	if err := e.commit(ctx, &s, e.event(&s, events.TypeInitiated, nil, "", "")); err != nil {
		if !s.ExternalSecret {
			_ = e.vault.Delete(ctx, id)
		}
		return Receipt{}, err
	}
	e.logger.Info("htlcd/swap: initiated",
		"swap_id", s.ID,
		logging.Account("initiator", s.Initiator),
		logging.Account("responder", s.Responder),
		"hash_lock", s.HashLock.Hex(),
		"timeout_at", s.TimeoutAt)
	return Receipt{SwapID: s.ID, Status: s.Status, Progress: s.Progress}, nil
}

func (e *Engine) buildSwap(id string, req InitiateRequest, now time.Time) (Swap, error) {
	initiator := strings.TrimSpace(req.Initiator)
	responder := strings.TrimSpace(req.Responder)
	if initiator == "" || responder == "" {
		return Swap{}, fmt.Errorf("%w: initiator and responder are required", ErrValidation)
	}
	if initiator == responder {
		return Swap{}, fmt.Errorf("%w: initiator and responder must differ", ErrValidation)
	}
	s := Swap{
		ID:           id,
		Initiator:    initiator,
		Responder:    responder,
		Status:       StatusPending,
		Stage:        StageCreated,
		SafetyMargin: Duration(e.safetyMargin),
		CreatedAt:    now,
	}
	var longest time.Duration
	for i, legReq := range req.Legs {
		leg, err := e.buildLeg(i, legReq, now)
		if err != nil {
			return Swap{}, err
		}
		s.Legs[i] = leg
		if legReq.Timeout > longest {
			longest = legReq.Timeout
		}
	}
	if s.Legs[InitiatorLeg].Chain == s.Legs[ResponderLeg].Chain && s.Legs[InitiatorLeg].AssetID == s.Legs[ResponderLeg].AssetID {
		return Swap{}, fmt.Errorf("%w: legs must differ in chain or asset", ErrValidation)
	}
	initTimeout := req.Legs[InitiatorLeg].Timeout
	respTimeout := req.Legs[ResponderLeg].Timeout
	if respTimeout >= initTimeout-e.safetyMargin {
		return Swap{}, fmt.Errorf("%w: responder timeout %s must be shorter than initiator timeout %s minus safety margin %s",
			ErrValidation, respTimeout, initTimeout, e.safetyMargin)
	}
	s.TimeoutAt = now.Add(longest)
	s.CompletionDeadline = s.Legs[ResponderLeg].TimelockAt.Add(-e.safetyMargin)
	if s.TimeoutAt.Before(s.CompletionDeadline) {
		s.CompletionDeadline = s.TimeoutAt
	}
	return s, nil
}

// termsDiffer names the first term of req that does not match the stored
// swap, or returns "" for a faithful replay.
func (e *Engine) termsDiffer(existing Swap, req InitiateRequest) string {
	if existing.Responder != strings.TrimSpace(req.Responder) {
		return "responder"
	}
	for i, legReq := range req.Legs {
		leg := existing.Legs[i]
		confs := legReq.RequiredConfirmations
		if confs == 0 {
			confs = e.defaultConfs
		}
		switch {
		case leg.Chain != strings.TrimSpace(legReq.Chain),
			leg.AssetID != strings.ToUpper(strings.TrimSpace(legReq.AssetID)),
			leg.From != strings.TrimSpace(legReq.From),
			leg.To != strings.TrimSpace(legReq.To):
			return fmt.Sprintf("leg %d parties or asset", i)
		case legReq.Amount == nil || leg.Amount == nil || leg.Amount.Cmp(legReq.Amount) != 0:
			return fmt.Sprintf("leg %d amount", i)
		case time.Duration(leg.Timeout) != legReq.Timeout:
			return fmt.Sprintf("leg %d timeout", i)
		case leg.RequiredConfirmations != confs:
			return fmt.Sprintf("leg %d confirmations", i)
		}
	}
	if req.HashLock == "" {
		if existing.ExternalSecret {
			return "hash lock"
		}
		return ""
	}
	lock, err := secrets.ParseHashLock(req.HashLock)
	if err != nil || !existing.ExternalSecret || lock != existing.HashLock {
		return "hash lock"
	}
	if alg, err := secrets.ParseAlgorithm(req.HashAlgorithm); err != nil || alg != existing.HashAlgorithm {
		return "hash algorithm"
	}
	return ""
}

func (e *Engine) buildLeg(idx int, req LegRequest, now time.Time) (Leg, error) {
	if _, err := e.adapters.Get(req.Chain); err != nil {
		return Leg{}, fmt.Errorf("%w: leg %d: %w", ErrValidation, idx, err)
	}
	switch {
	case strings.TrimSpace(req.AssetID) == "":
		return Leg{}, fmt.Errorf("%w: leg %d: asset required", ErrValidation, idx)
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return Leg{}, fmt.Errorf("%w: leg %d: amount must be positive", ErrValidation, idx)
	case strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "":
		return Leg{}, fmt.Errorf("%w: leg %d: from and to accounts required", ErrValidation, idx)
	case req.Timeout <= 0:
		return Leg{}, fmt.Errorf("%w: leg %d: timeout must be positive", ErrValidation, idx)
	}
	confs := req.RequiredConfirmations
	if confs == 0 {
		confs = e.defaultConfs
	}
	return Leg{
		Index:                 idx,
		Chain:                 strings.TrimSpace(req.Chain),
		AssetID:               strings.ToUpper(strings.TrimSpace(req.AssetID)),
		Amount:                new(big.Int).Set(req.Amount),
		From:                  strings.TrimSpace(req.From),
		To:                    strings.TrimSpace(req.To),
		Timeout:               Duration(req.Timeout),
		TimelockAt:            now.Add(req.Timeout),
		RequiredConfirmations: confs,
		Status:                LegPending,
	}, nil
}

// Get returns a snapshot of the swap. The revealed secret is included only
// for the initiator.
func (e *Engine) Get(ctx context.Context, id, caller string) (Swap, error) {
	s, err := e.repo.GetSwap(ctx, strings.TrimSpace(id))
	if err != nil {
		return Swap{}, err
	}
	return s.Redacted(caller), nil
}

// List returns swaps matching filter, redacted for caller.
func (e *Engine) List(ctx context.Context, filter Filter, caller string) ([]Swap, error) {
	swaps, err := e.repo.ListSwaps(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Swap, 0, len(swaps))
	for _, s := range swaps {
		out = append(out, s.Redacted(caller))
	}
	return out, nil
}

// withSwap loads the swap under its exclusive section and hands it to fn.
func (e *Engine) withSwap(ctx context.Context, id string, fn func(*Swap) error) (Swap, error) {
	id = strings.TrimSpace(id)
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return Swap{}, err
	}
	defer unlock()
	s, err := e.repo.GetSwap(ctx, id)
	if err != nil {
		return Swap{}, err
	}
	err = fn(&s)
	return s, err
}

// transition moves s along the state machine.
func (e *Engine) transition(s *Swap, to Status, stage string) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	e.metrics.RecordTransition(string(s.Status), string(to))
	e.logger.Info("htlcd/swap: transition", "swap_id", s.ID, "from", string(s.Status), "to", string(to), "stage", stage)
	s.Status = to
	s.Stage = stage
	return nil
}

func (e *Engine) event(s *Swap, typ events.Type, leg *int, txHash, reason string) events.Event {
	return events.Event{
		Type:   typ,
		SwapID: s.ID,
		Status: string(s.Status),
		Stage:  s.Stage,
		Leg:    leg,
		TxHash: txHash,
		Reason: reason,
		At:     e.clock().UTC(),
	}
}

// commit persists s and then publishes evts. Events are appended to the
// swap's own log before the write so the record and stream agree.
func (e *Engine) commit(ctx context.Context, s *Swap, evts ...events.Event) error {
	s.Events = append(s.Events, evts...)
	s.Progress = Progress(s.Status, s.Stage)
	s.UpdatedAt = e.clock()
	if err := e.repo.SaveSwap(ctx, *s); err != nil {
		return fmt.Errorf("swap: persist %s: %w", s.ID, err)
	}
	for _, evt := range evts {
		e.events.Publish(evt)
	}
	return nil
}

// secretFor returns the preimage for s from its revealed field or the vault.
func (e *Engine) secretFor(ctx context.Context, s *Swap) (secrets.Secret, error) {
	if s.RevealedSecret != "" {
		return secrets.ParseSecret(s.RevealedSecret)
	}
	secret, err := e.vault.Get(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("swap: load secret: %w", err)
	}
	return secret, nil
}

// recordOutcome marks the leg's outcome as owed to the confirmation log and
// tries to append it. A failed append leaves the marker on the leg, to be
// persisted by the caller's next commit and retried by flushRecords.
func (e *Engine) recordOutcome(ctx context.Context, s *Swap, idx int, status confirmations.Status, txHash, reason string) {
	s.Legs[idx].PendingRecord = &OutcomeRecord{Status: status, TxHash: txHash, Reason: reason}
	if err := e.appendRecord(ctx, s, idx); err != nil {
		e.logger.Warn("htlcd/swap: confirmation record deferred", "swap_id", s.ID, "leg", idx, "error", err)
	}
}

// appendRecord writes the leg's pending record unless an identical one exists,
// which happens when a step is re-driven after a crash.
func (e *Engine) appendRecord(ctx context.Context, s *Swap, idx int) error {
	pending := s.Legs[idx].PendingRecord
	if pending == nil {
		return nil
	}
	existing, err := e.recorder.Get(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("swap: read confirmations: %w", err)
	}
	for _, rec := range existing {
		if rec.Leg == idx && rec.Status == pending.Status && rec.TxHash == pending.TxHash && rec.CorrectsID == "" {
			s.Legs[idx].PendingRecord = nil
			return nil
		}
	}
	if _, err := e.recorder.Append(ctx, confirmations.Entry{
		SwapID: s.ID,
		Leg:    idx,
		Chain:  s.Legs[idx].Chain,
		Status: pending.Status,
		TxHash: pending.TxHash,
		Reason: pending.Reason,
	}); err != nil {
		return fmt.Errorf("swap: record confirmation for leg %d: %w", idx, err)
	}
	s.Legs[idx].PendingRecord = nil
	return nil
}

// flushRecords retries every deferred confirmation record and persists the
// legs it cleared. It returns an error while any record is still owed.
func (e *Engine) flushRecords(ctx context.Context, s *Swap) error {
	var errs []error
	cleared := false
	for idx := range s.Legs {
		if s.Legs[idx].PendingRecord == nil {
			continue
		}
		if err := e.appendRecord(ctx, s, idx); err != nil {
			errs = append(errs, err)
			continue
		}
		cleared = true
	}
	if cleared {
		if err := e.commit(ctx, s); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func legPtr(idx int) *int { return &idx }

func aborted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
