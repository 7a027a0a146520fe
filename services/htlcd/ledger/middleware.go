package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"xswap/observability"
	"xswap/services/htlcd/secrets"
)

// RateLimited paces calls to an adapter so a busy engine cannot exceed the
// request budget of a chain's signer service.
type RateLimited struct {
	next    Adapter
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket. A non-positive rps disables pacing.
func NewRateLimited(next Adapter, rps float64, burst int) Adapter {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return Transient(err)
	}
	return nil
}

// Chain implements Adapter.
func (r *RateLimited) Chain() string { return r.next.Chain() }

// Lock implements Adapter.
func (r *RateLimited) Lock(ctx context.Context, req LockRequest) (LockRef, error) {
	if err := r.wait(ctx); err != nil {
		return LockRef{}, err
	}
	return r.next.Lock(ctx, req)
}

// Claim implements Adapter.
func (r *RateLimited) Claim(ctx context.Context, ref LockRef, secret secrets.Secret) (ClaimRef, error) {
	if err := r.wait(ctx); err != nil {
		return ClaimRef{}, err
	}
	return r.next.Claim(ctx, ref, secret)
}

// Refund implements Adapter.
func (r *RateLimited) Refund(ctx context.Context, ref LockRef) (RefundRef, error) {
	if err := r.wait(ctx); err != nil {
		return RefundRef{}, err
	}
	return r.next.Refund(ctx, ref)
}

// QueryLock implements Adapter.
func (r *RateLimited) QueryLock(ctx context.Context, ref LockRef) (LockStatus, error) {
	if err := r.wait(ctx); err != nil {
		return LockStatus{}, err
	}
	return r.next.QueryLock(ctx, ref)
}

// Balance implements Adapter.
func (r *RateLimited) Balance(ctx context.Context, account, asset string) (*big.Int, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Balance(ctx, account, asset)
}

// Instrumented records a span and Prometheus sample for every adapter call.
type Instrumented struct {
	next   Adapter
	tracer trace.Tracer
	clock  func() time.Time
}

// Instrument wraps next with tracing and metrics.
func Instrument(next Adapter) Adapter {
	return &Instrumented{next: next, tracer: otel.Tracer("xswap/ledger"), clock: time.Now}
}

func (i *Instrumented) start(ctx context.Context, method string, lockID string) (context.Context, trace.Span, time.Time) {
	attrs := []attribute.KeyValue{attribute.String("ledger.chain", i.next.Chain())}
	if lockID != "" {
		attrs = append(attrs, attribute.String("ledger.lock_id", lockID))
	}
	ctx, span := i.tracer.Start(ctx, "ledger."+method, trace.WithAttributes(attrs...))
	return ctx, span, i.clock()
}

func (i *Instrumented) finish(span trace.Span, method string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	elapsed := i.clock().Sub(start)
	observability.Adapters().ObserveCall(i.next.Chain(), method, elapsed, err)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	callDuration().Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(
		attribute.String("chain", i.next.Chain()),
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}

var (
	callDurationOnce sync.Once
	callDurationHist metric.Float64Histogram
)

// callDuration is exported over OTLP alongside the Prometheus histogram.
func callDuration() metric.Float64Histogram {
	callDurationOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("xswap/ledger")
		hist, err := meter.Float64Histogram("xswap.ledger.call.duration", metric.WithUnit("s"))
		if err != nil {
			hist, _ = noop.NewMeterProvider().Meter("xswap/ledger").Float64Histogram("xswap.ledger.call.duration")
		}
		callDurationHist = hist
	})
	return callDurationHist
}

// Chain implements Adapter.
func (i *Instrumented) Chain() string { return i.next.Chain() }

// Lock implements Adapter.
func (i *Instrumented) Lock(ctx context.Context, req LockRequest) (LockRef, error) {
	ctx, span, start := i.start(ctx, "lock", req.LockID)
	ref, err := i.next.Lock(ctx, req)
	i.finish(span, "lock", start, err)
	return ref, err
}

// Claim implements Adapter.
func (i *Instrumented) Claim(ctx context.Context, ref LockRef, secret secrets.Secret) (ClaimRef, error) {
	ctx, span, start := i.start(ctx, "claim", ref.LockID)
	out, err := i.next.Claim(ctx, ref, secret)
	i.finish(span, "claim", start, err)
	return out, err
}

// Refund implements Adapter.
func (i *Instrumented) Refund(ctx context.Context, ref LockRef) (RefundRef, error) {
	ctx, span, start := i.start(ctx, "refund", ref.LockID)
	out, err := i.next.Refund(ctx, ref)
	i.finish(span, "refund", start, err)
	return out, err
}

// QueryLock implements Adapter.
func (i *Instrumented) QueryLock(ctx context.Context, ref LockRef) (LockStatus, error) {
	ctx, span, start := i.start(ctx, "query_lock", ref.LockID)
	out, err := i.next.QueryLock(ctx, ref)
	i.finish(span, "query_lock", start, err)
	return out, err
}

// Balance implements Adapter.
func (i *Instrumented) Balance(ctx context.Context, account, asset string) (*big.Int, error) {
	ctx, span, start := i.start(ctx, "balance", "")
	out, err := i.next.Balance(ctx, account, asset)
	i.finish(span, "balance", start, err)
	return out, err
}
