package clients

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"streamsync/pkg/logging"
)

// GRPCExecutorConfig configures the gRPC executor
type GRPCExecutorConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean a single attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// CircuitBreaker is shared across executors so its state survives calls.
	CircuitBreaker *CircuitBreaker

	// OnRetry is invoked before each retry with the failed attempt's error.
	OnRetry func(attempt int, err error)

	Logger logging.Logger
}

// DefaultGRPCExecutorConfig returns sensible defaults for gRPC
func DefaultGRPCExecutorConfig() GRPCExecutorConfig {
	return GRPCExecutorConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (cfg GRPCExecutorConfig) withDefaults() GRPCExecutorConfig {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return cfg
}

// IsRetryableGRPCError reports whether a gRPC failure is transient.
// Validation and rejection codes are terminal.
func IsRetryableGRPCError(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Aborted:
		return true
	default:
		return false
	}
}

// IsNodeUnreachable reports failures that implicate the bound node itself
// rather than the request: it refused the connection or timed out.
func IsNodeUnreachable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// isCircuitBreakerFailure reports server-side failures; client errors are
// not the node's fault.
func isCircuitBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Internal,
		codes.Unavailable,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.Unknown:
		return true
	default:
		return false
	}
}

// NewGRPCRetryPolicy creates a retry policy for gRPC calls. The last
// failure is returned as-is once attempts are exhausted.
func NewGRPCRetryPolicy[T any](cfg GRPCExecutorConfig) retrypolicy.RetryPolicy[T] {
	cfg = cfg.withDefaults()
	builder := retrypolicy.NewBuilder[T]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxAttempts(cfg.MaxAttempts).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return IsRetryableGRPCError(err)
		}).
		ReturnLastFailure()
	if cfg.OnRetry != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[T]) {
			cfg.OnRetry(e.Attempts(), e.LastError())
		})
	}
	return builder.Build()
}

// NewGRPCExecutor creates a failsafe executor: the retry policy wrapping
// the shared circuit breaker when one is configured.
func NewGRPCExecutor(cfg GRPCExecutorConfig) failsafe.Executor[any] {
	retry := NewGRPCRetryPolicy[any](cfg)
	if cfg.CircuitBreaker != nil {
		return failsafe.With[any](retry, cfg.CircuitBreaker.Underlying())
	}
	return failsafe.With[any](retry)
}

// ExecuteGRPC runs fn through executor and converts an open circuit into
// codes.Unavailable so callers see a single error vocabulary.
func ExecuteGRPC[T any](ctx context.Context, executor failsafe.Executor[T], fn func() (T, error)) (T, error) {
	result, err := executor.WithContext(ctx).Get(fn)
	if err != nil && errors.Is(err, circuitbreaker.ErrOpen) {
		return result, status.Errorf(codes.Unavailable, "circuit breaker open")
	}
	return result, err
}

// GRPCStreamClientInterceptor refuses to open streams while the breaker is
// open and records stream-open failures against it.
func GRPCStreamClientInterceptor(cb *CircuitBreaker) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		if cb != nil && cb.IsOpen() {
			return nil, status.Errorf(codes.Unavailable, "circuit breaker open: %s", cb.Name())
		}
		stream, err := streamer(ctx, desc, cc, method, opts...)
		if cb != nil && isCircuitBreakerFailure(err) {
			cb.RecordFailure()
		}
		return stream, err
	}
}
