package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cloudx-io/pennyauction/core"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, CallTimeout: time.Second}

// scriptedCall returns the scripted errors in order, then succeeds.
type scriptedCall struct {
	errs    []error
	calls   int
	applied bool
	lookups []error
}

func (s *scriptedCall) call(context.Context) (string, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	s.applied = true
	return "receipt", nil
}

func (s *scriptedCall) lookup(context.Context) (string, bool, error) {
	if len(s.lookups) > 0 {
		err := s.lookups[0]
		s.lookups = s.lookups[1:]
		return "", false, err
	}
	if s.applied {
		return "receipt", true, nil
	}
	return "", false, nil
}

func TestCallIdempotent(t *testing.T) {
	tests := []struct {
		name      string
		script    *scriptedCall
		wantErr   error
		wantValue string
		wantCalls int
	}{
		{
			name:      "success first try",
			script:    &scriptedCall{},
			wantValue: "receipt",
			wantCalls: 1,
		},
		{
			name:      "transient error retried",
			script:    &scriptedCall{errs: []error{core.ErrGateway}},
			wantValue: "receipt",
			wantCalls: 2,
		},
		{
			name:      "gateway error exhausts attempts",
			script:    &scriptedCall{errs: []error{core.ErrGateway, core.ErrGateway, core.ErrGateway}},
			wantErr:   core.ErrGateway,
			wantCalls: 3,
		},
		{
			name:      "definitive rejection not retried",
			script:    &scriptedCall{errs: []error{fmt.Errorf("wrapped: %w", core.ErrInsufficientFunds)}},
			wantErr:   core.ErrInsufficientFunds,
			wantCalls: 1,
		},
		{
			name:      "timeout confirmed absent is retried",
			script:    &scriptedCall{errs: []error{context.DeadlineExceeded}},
			wantValue: "receipt",
			wantCalls: 2,
		},
		{
			name: "unknown outcome with failing lookups",
			script: &scriptedCall{
				errs:    []error{core.ErrOutcomeUnknown, core.ErrOutcomeUnknown, core.ErrOutcomeUnknown},
				lookups: []error{core.ErrGateway, core.ErrGateway, core.ErrGateway},
			},
			wantErr:   core.ErrOutcomeUnknown,
			wantCalls: 3,
		},
		{
			name: "unknown outcome resolved as not applied",
			script: &scriptedCall{
				errs: []error{core.ErrOutcomeUnknown, core.ErrOutcomeUnknown, core.ErrOutcomeUnknown},
			},
			wantErr:   core.ErrGateway,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := callIdempotent(context.Background(), fastRetry, nil, "balance", "key-1",
				tt.script.call, tt.script.lookup)

			if tt.wantErr != nil {
				check.True(t, errors.Is(err, tt.wantErr))
			} else {
				check.NoError(t, err)
				check.Equal(t, tt.wantValue, value)
			}
			check.Equal(t, tt.wantCalls, tt.script.calls)
		})
	}
}

func TestCallIdempotent_AppliedDespiteLostResponse(t *testing.T) {
	s := &scriptedCall{}
	calls := 0
	call := func(ctx context.Context) (string, error) {
		calls++
		// The gateway applies the call but the response never arrives
		s.applied = true
		return "", core.ErrOutcomeUnknown
	}

	value, err := callIdempotent(context.Background(), fastRetry, nil, "balance", "key-1", call, s.lookup)
	check.NoError(t, err)
	check.Equal(t, "receipt", value)
	check.Equal(t, 1, calls)
}

func TestCallIdempotent_SingleAttemptPolicy(t *testing.T) {
	s := &scriptedCall{errs: []error{core.ErrGateway}}
	_, err := callIdempotent(context.Background(), RetryPolicy{MaxAttempts: 1}, nil, "payout", "key-1", s.call, s.lookup)
	check.True(t, errors.Is(err, core.ErrGateway))
	check.Equal(t, 1, s.calls)
}

func TestCallIdempotent_PerCallTimeout(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 1, CallTimeout: 10 * time.Millisecond}
	call := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	lookup := func(context.Context) (string, bool, error) {
		return "", false, core.ErrGateway
	}

	_, err := callIdempotent(context.Background(), policy, nil, "balance", "key-1", call, lookup)
	check.True(t, errors.Is(err, core.ErrOutcomeUnknown))
}

func TestCallIdempotent_RecordsGatewayOutcomes(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	s := &scriptedCall{errs: []error{core.ErrGateway}}

	_, err := callIdempotent(context.Background(), fastRetry, metrics, "balance", "key-1", s.call, s.lookup)
	check.NoError(t, err)

	check.Equal(t, 1.0, testutil.ToFloat64(metrics.gatewayCalls.WithLabelValues("balance", "error")))
	check.Equal(t, 1.0, testutil.ToFloat64(metrics.gatewayCalls.WithLabelValues("balance", "ok")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.observeBid("ok")
	m.observeClaim("ok")
	m.observeGatewayCall("balance", "ok")
	m.observeFault(FaultPayoutFailed)
	m.setPending(3)
}

func TestResultLabel(t *testing.T) {
	check.Equal(t, "ok", resultLabel(nil))
	check.Equal(t, "stale_bid", resultLabel(fmt.Errorf("x: %w", core.ErrStaleBid)))
	check.Equal(t, "internal_error", resultLabel(errors.New("boom")))
}

func TestRetryPolicy_Budget(t *testing.T) {
	check.Equal(t, 6*time.Second, fastRetry.Budget())
	check.Equal(t, 30*time.Second+600*time.Millisecond, DefaultRetryPolicy().Budget())
	// An unset timeout falls back to the default
	check.Equal(t, 10*time.Second, RetryPolicy{MaxAttempts: 1}.Budget())
}

func TestDependencies_LeaseOutlivesRetryBudget(t *testing.T) {
	deps := Dependencies{LeaseTTL: 30 * time.Second}.withDefaults()
	check.True(t, deps.LeaseTTL > deps.Retry.Budget())

	deps = Dependencies{Retry: fastRetry, LeaseTTL: 30 * time.Second}.withDefaults()
	check.Equal(t, 30*time.Second, deps.LeaseTTL)

	deps = Dependencies{}.withDefaults()
	check.Equal(t, 2*time.Minute, deps.LeaseTTL)
}
