package clients

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func fastConfig(attempts int) GRPCExecutorConfig {
	return GRPCExecutorConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}
}

func TestGRPCExecutor_RetriesTransientUntilSuccess(t *testing.T) {
	var retries []int
	cfg := fastConfig(4)
	cfg.OnRetry = func(attempt int, err error) {
		retries = append(retries, attempt)
	}
	executor := NewGRPCExecutor(cfg)

	var attempts int32
	got, err := ExecuteGRPC(context.Background(), executor, func() (any, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, status.Error(codes.Unavailable, "node restarting")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got != "ok" {
		t.Fatalf("unexpected result %v", got)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry callbacks, got %v", retries)
	}
}

func TestGRPCExecutor_TerminalErrorConsumesNoBudget(t *testing.T) {
	executor := NewGRPCExecutor(fastConfig(5))

	var attempts int32
	_, err := ExecuteGRPC(context.Background(), executor, func() (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, status.Error(codes.InvalidArgument, "bad event")
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestGRPCExecutor_ExhaustedReturnsLastFailure(t *testing.T) {
	executor := NewGRPCExecutor(fastConfig(3))

	var attempts int32
	_, err := ExecuteGRPC(context.Background(), executor, func() (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, status.Error(codes.DeadlineExceeded, "slow node")
	})
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected last failure, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestGRPCExecutor_NonPositiveAttemptsBounded(t *testing.T) {
	executor := NewGRPCExecutor(fastConfig(-2))

	var attempts int32
	_, err := ExecuteGRPC(context.Background(), executor, func() (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, status.Error(codes.Unavailable, "down")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("expected one attempt, got %d", n)
	}
}

func TestIsRetryableGRPCError_Boundaries(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{status.Error(codes.Unavailable, "peer down"), true},
		{status.Error(codes.DeadlineExceeded, "timeout"), true},
		{status.Error(codes.ResourceExhausted, "rate limited"), true},
		{status.Error(codes.Aborted, "conflict"), true},
		{status.Error(codes.PermissionDenied, "not a member"), false},
		{status.Error(codes.AlreadyExists, "duplicate"), false},
		{errors.New("plain"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsRetryableGRPCError(tc.err); got != tc.want {
			t.Errorf("IsRetryableGRPCError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if IsNodeUnreachable(status.Error(codes.ResourceExhausted, "x")) {
		t.Error("rate limiting does not implicate the node address")
	}
}

func TestCircuitBreaker_OpensAndRecordsMetrics(t *testing.T) {
	var transitions int32
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test-node-breaker",
		MinRequests:  2,
		FailureRatio: 1,
		Timeout:      time.Hour,
		OnStateChange: func(name string, from, to CircuitBreakerState) {
			atomic.AddInt32(&transitions, 1)
			RecordCircuitBreakerTransition(name, from, to)
		},
	})

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = cb.Call(func() error { return boom })
	}
	if !cb.IsOpen() {
		t.Fatalf("expected open breaker, state %s", cb.State())
	}
	if atomic.LoadInt32(&transitions) == 0 {
		t.Fatal("expected a state change callback")
	}
	if got := testutil.ToFloat64(circuitBreakerState.WithLabelValues("test-node-breaker")); got != float64(StateOpen) {
		t.Fatalf("expected gauge %d, got %v", StateOpen, got)
	}
	if err := cb.Call(func() error { return nil }); err == nil {
		t.Fatal("expected open breaker to reject the call")
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}

	b.Jitter = true
	for i := 0; i < 50; i++ {
		d := b.Delay(2)
		if d < 180*time.Millisecond || d > 220*time.Millisecond {
			t.Fatalf("jittered delay %s outside ±10%%", d)
		}
	}
}
