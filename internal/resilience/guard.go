package resilience

import (
	"context"

	"go.uber.org/zap"
)

// Guard pairs a circuit breaker with a retry policy for one backend.
type Guard struct {
	Name    string
	Retry   RetryConfig
	Breaker *CircuitBreaker
}

// NewGuard builds a guard for the named backend. State changes are logged.
func NewGuard(name string, retry RetryConfig, circuit CircuitBreakerConfig) *Guard {
	userHook := circuit.OnStateChange
	circuit.OnStateChange = func(from, to CircuitState) {
		zap.L().Warn("circuit state change",
			zap.String("backend", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if userHook != nil {
			userHook(from, to)
		}
	}
	if retry.OnRetry == nil {
		retry.OnRetry = RetryLogger(name, "load")
	}
	return &Guard{Name: name, Retry: retry, Breaker: NewCircuitBreaker(circuit)}
}

// Call runs fn through the breaker with retries. The breaker sees the whole
// retried call as one outcome.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	return ExecuteVal(ctx, g.Breaker, func(ctx context.Context) (T, error) {
		return DoVal(ctx, g.Retry, fn)
	})
}
