package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloudx-io/pennyauction/core"
)

// RetryPolicy bounds the attempts made for one idempotent gateway call.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		CallTimeout: 5 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = DefaultRetryPolicy().CallTimeout
	}
	return p
}

// Budget is the longest callIdempotent can run under the policy: every
// attempt times out, each followed by a lookup that times out, plus the
// backoff between attempts.
func (p RetryPolicy) Budget() time.Duration {
	p = p.normalized()
	total := time.Duration(p.MaxAttempts) * 2 * p.CallTimeout
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total += p.Backoff * time.Duration(attempt)
	}
	return total
}

// outcomeUnknown reports whether err leaves the remote effect undetermined.
// Deadlines and cancellations count: the request may have reached the gateway.
func outcomeUnknown(err error) bool {
	return errors.Is(err, core.ErrOutcomeUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// callIdempotent runs call until it succeeds or fails definitively. Every
// attempt reuses the same idempotency key, so a retry cannot double apply.
// When an attempt ends with an unknown outcome, lookup asks the gateway
// whether the key was applied before anything else happens.
//
// Returns core.ErrOutcomeUnknown when the final state could not be
// determined, core.ErrGateway when the call is known not to have applied,
// and the gateway's own definitive error (such as insufficient funds)
// otherwise.
func callIdempotent[T any](
	ctx context.Context,
	policy RetryPolicy,
	metrics *Metrics,
	gateway, key string,
	call func(ctx context.Context) (T, error),
	lookup func(ctx context.Context) (T, bool, error),
) (T, error) {
	var zero T
	policy = policy.normalized()

	var lastErr error
	unresolved := false

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, policy.CallTimeout)
		result, err := call(callCtx)
		cancel()

		if err == nil {
			metrics.observeGatewayCall(gateway, "ok")
			return result, nil
		}
		lastErr = err

		switch {
		case outcomeUnknown(err):
			metrics.observeGatewayCall(gateway, "unknown")
			found, applied, lookupErr := resolveOutcome(ctx, policy, lookup)
			if lookupErr != nil {
				log.Printf("WARNING: %s call %s outcome unknown and lookup failed: %v", gateway, key, lookupErr)
				unresolved = true
				break
			}
			if applied {
				log.Printf("INFO: %s call %s applied despite %v", gateway, key, err)
				return found, nil
			}
			unresolved = false
		case errors.Is(err, core.ErrGateway):
			metrics.observeGatewayCall(gateway, "error")
			unresolved = false
		default:
			// Definitive answer from the gateway: no retry changes it
			metrics.observeGatewayCall(gateway, "rejected")
			return zero, err
		}

		if ctx.Err() != nil {
			break
		}
		if attempt < policy.MaxAttempts {
			log.Printf("WARNING: %s call %s attempt %d/%d failed: %v", gateway, key, attempt, policy.MaxAttempts, err)
			if err := sleepContext(ctx, policy.Backoff*time.Duration(attempt)); err != nil {
				break
			}
		}
	}

	if unresolved {
		return zero, fmt.Errorf("%w: %s call %s: %v", core.ErrOutcomeUnknown, gateway, key, lastErr)
	}
	if errors.Is(lastErr, core.ErrGateway) {
		return zero, fmt.Errorf("%s call %s failed after retries: %w", gateway, key, lastErr)
	}
	return zero, fmt.Errorf("%w: %s call %s: %v", core.ErrGateway, gateway, key, lastErr)
}

// resolveOutcome re-queries the gateway for an idempotency key. The lookup
// runs on a fresh deadline detached from the caller's cancellation: once a
// mutating call may have landed, knowing its outcome matters more than
// honoring the caller's cancel.
func resolveOutcome[T any](ctx context.Context, policy RetryPolicy, lookup func(ctx context.Context) (T, bool, error)) (T, bool, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), policy.CallTimeout)
	defer cancel()
	return lookup(lookupCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
