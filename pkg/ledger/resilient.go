package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/certanchor/pkg/canonicalize"
	"github.com/Mindburn-Labs/certanchor/pkg/retry"
	"github.com/Mindburn-Labs/certanchor/pkg/util/resiliency"
)

// ResilientOptions configures the Resilient decorator.
type ResilientOptions struct {
	// CallTimeout bounds every ledger call. Zero disables the timeout.
	CallTimeout time.Duration
	// RatePerSecond limits calls to the node. Zero disables limiting.
	RatePerSecond float64
	Burst         int
	// BreakerThreshold consecutive transient failures open the breaker.
	BreakerThreshold int
	BreakerReset     time.Duration
	// QueryRetry is applied to Query only.
	QueryRetry retry.Policy
	Sleeper    retry.Sleeper
	// Observe, if set, is told about every call that reached the node.
	Observe func(op string, elapsed time.Duration, err error)
}

// DefaultResilientOptions returns the settings used when none are configured.
func DefaultResilientOptions() ResilientOptions {
	return ResilientOptions{
		CallTimeout:      10 * time.Second,
		RatePerSecond:    20,
		Burst:            5,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		QueryRetry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			MaxJitter:   100 * time.Millisecond,
		},
	}
}

// Resilient wraps a Client with a per-call timeout, a token bucket, a circuit
// breaker and bounded retry of reads. Writes are attempted once; retrying
// them is the caller's decision.
type Resilient struct {
	next    Client
	opts    ResilientOptions
	limiter *rate.Limiter
	breaker *resiliency.CircuitBreaker
}

// NewResilient wraps next.
func NewResilient(next Client, opts ResilientOptions) *Resilient {
	if opts.Sleeper == nil {
		opts.Sleeper = retry.Sleep
	}
	if opts.QueryRetry.MaxAttempts == 0 {
		opts.QueryRetry.MaxAttempts = 1
	}
	r := &Resilient{
		next:    next,
		opts:    opts,
		breaker: resiliency.NewCircuitBreaker("ledger", opts.BreakerThreshold, opts.BreakerReset),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return r
}

// Breaker exposes the circuit breaker for health reporting.
func (r *Resilient) Breaker() *resiliency.CircuitBreaker { return r.breaker }

// Submit implements Client.
func (r *Resilient) Submit(ctx context.Context, certificateID string, digest canonicalize.Digest) (Handle, error) {
	var h Handle
	err := r.call(ctx, "submit", func(ctx context.Context) error {
		var err error
		h, err = r.next.Submit(ctx, certificateID, digest)
		return err
	})
	return h, err
}

// Query implements Client.
func (r *Resilient) Query(ctx context.Context, certificateID string) (Entry, error) {
	var e Entry
	err := retry.DoWithSleeper(ctx, r.opts.QueryRetry, "query/"+certificateID, IsTransient, r.opts.Sleeper,
		func(ctx context.Context, _ int) error {
			return r.call(ctx, "query", func(ctx context.Context) error {
				var err error
				e, err = r.next.Query(ctx, certificateID)
				return err
			})
		})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (r *Resilient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Transient(op, fmt.Errorf("rate limit wait: %w", err))
		}
	}
	if err := r.breaker.Allow(); err != nil {
		return Transient(op, err)
	}

	callCtx := ctx
	if r.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	if err != nil && callCtx.Err() != nil && KindOf(err) == KindUnknown && !errors.Is(err, ErrNotFound) {
		err = Transient(op, fmt.Errorf("%w: %w", callCtx.Err(), err))
	}
	if r.opts.Observe != nil {
		r.opts.Observe(op, time.Since(start), err)
	}

	if IsTransient(err) {
		r.breaker.Failure()
	} else {
		r.breaker.Success()
	}
	return err
}

var _ Client = (*Resilient)(nil)
