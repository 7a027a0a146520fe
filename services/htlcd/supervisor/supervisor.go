package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xswap/observability"
	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/swap"
)

// DefaultInterval is the sweep cadence used when none is configured.
const DefaultInterval = 5 * time.Second

// Engine is the subset of the swap engine the supervisor drives.
type Engine interface {
	List(ctx context.Context, filter swap.Filter, caller string) ([]swap.Swap, error)
	Advance(ctx context.Context, id string) (swap.Swap, error)
}

// Sweeper expires and refunds stale balance reservations.
type Sweeper interface {
	SweepExpired(ctx context.Context) (reservation.SweepReport, error)
}

// Report summarises a single tick.
type Report struct {
	Scanned    int
	Advanced   int
	Failed     int
	Completed  int
	RolledBack int
	Sweep      reservation.SweepReport
}

// Supervisor periodically drives every non-terminal swap. It holds no state
// of its own: everything it needs is re-read from the store on each tick, so
// a restart resumes where the previous process stopped.
type Supervisor struct {
	engine   Engine
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.SupervisorMetrics
	clock    func() time.Time
	notify   chan string
	once     sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithInterval overrides the sweep cadence.
func WithInterval(interval time.Duration) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweeper installs the reservation sweeper run after each tick.
func WithSweeper(sweeper Sweeper) Option {
	return func(s *Supervisor) { s.sweeper = sweeper }
}

// WithLogger installs a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for tick latency.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a supervisor around engine.
func New(engine Engine, opts ...Option) (*Supervisor, error) {
	if engine == nil {
		return nil, fmt.Errorf("supervisor: engine required")
	}
	s := &Supervisor{
		engine:   engine,
		interval: DefaultInterval,
		logger:   slog.Default(),
		metrics:  observability.Supervisor(),
		clock:    time.Now,
		notify:   make(chan string, 256),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Notify asks the running loop to drive swapID ahead of the next tick. It
// never blocks; if the queue is full the swap is picked up by the sweep.
func (s *Supervisor) Notify(swapID string) {
	select {
	case s.notify <- swapID:
	default:
	}
}

// Run performs a recovery tick and then sweeps on every interval until ctx
// is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.once.Do(func() {
		s.logger.Info("htlcd/supervisor: started", "interval", s.interval.String())
	})
	for {
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("htlcd/supervisor: tick error", "error", err)
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case id := <-s.notify:
				s.advance(ctx, id)
			case <-ticker.C:
				break wait
			}
		}
	}
}

// Tick drives every non-terminal swap once and then sweeps reservations.
// Errors on individual swaps are logged and joined; they never stop the pass.
func (s *Supervisor) Tick(ctx context.Context) (Report, error) {
	start := s.clock()
	var report Report
	pending, err := s.engine.List(ctx, swap.Filter{NonTerminal: true}, "")
	if err != nil {
		return report, fmt.Errorf("supervisor: list swaps: %w", err)
	}
	report.Scanned = len(pending)
	var errs []error
	for _, candidate := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		out, err := s.advance(ctx, candidate.ID)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("swap %s: %w", candidate.ID, err))
			continue
		}
		if out.Status != candidate.Status || out.Stage != candidate.Stage {
			report.Advanced++
		}
		switch out.Status {
		case swap.StatusCompleted:
			report.Completed++
		case swap.StatusRolledBack:
			report.RolledBack++
		}
	}
	if s.sweeper != nil && ctx.Err() == nil {
		sweep, err := s.sweeper.SweepExpired(ctx)
		report.Sweep = sweep
		if err != nil {
			errs = append(errs, fmt.Errorf("supervisor: sweep reservations: %w", err))
		}
	}
	s.metrics.RecordTick(s.clock().Sub(start), report.Scanned-report.Completed-report.RolledBack)
	if report.Advanced > 0 || report.Failed > 0 {
		s.logger.Info("htlcd/supervisor: tick",
			"scanned", report.Scanned,
			"advanced", report.Advanced,
			"failed", report.Failed,
			"completed", report.Completed,
			"rolled_back", report.RolledBack)
	}
	return report, errors.Join(errs...)
}

func (s *Supervisor) advance(ctx context.Context, id string) (swap.Swap, error) {
	out, err := s.engine.Advance(ctx, id)
	s.metrics.RecordSwap(err)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, swap.ErrRollbackFailed) {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "htlcd/supervisor: advance failed", "swap_id", id, "status", string(out.Status), "error", err)
	}
	return out, err
}
