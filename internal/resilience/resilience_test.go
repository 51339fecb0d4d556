package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func fastRetry(max int) RetryConfig {
	return RetryConfig{
		MaxRetries: max,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Retryable:  func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestExecutorRetriesTransientErrors(t *testing.T) {
	exec := NewExecutor[int](fastRetry(3), nil)

	calls := 0
	got, err := exec.Execute(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != 42 {
		t.Errorf("Execute() = %d, want 42", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecutorDoesNotRetryFatalErrors(t *testing.T) {
	exec := NewExecutor[int](fastRetry(3), nil)

	calls := 0
	_, err := exec.Execute(context.Background(), func() (int, error) {
		calls++
		return 0, errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("Execute() error = %v, want %v", err, errFatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecutorReturnsLastFailure(t *testing.T) {
	exec := NewExecutor[int](fastRetry(2), nil)

	calls := 0
	_, err := exec.Execute(context.Background(), func() (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("Execute() error = %v, want %v", err, errTransient)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stateChanges := make([]gobreaker.State, 0)
	cfg := DefaultBreakerConfig("test")
	cfg.FailureThreshold = 3
	cfg.OnStateChange = func(_ string, _, to gobreaker.State) {
		stateChanges = append(stateChanges, to)
	}

	breaker := NewCircuitBreaker(cfg)

	for i := 0; i < 3; i++ {
		breaker.Execute(func() (any, error) { return nil, errors.New("fail") })
	}

	if breaker.State() != gobreaker.StateOpen {
		t.Errorf("expected StateOpen, got %v", breaker.State())
	}
	if len(stateChanges) == 0 || stateChanges[len(stateChanges)-1] != gobreaker.StateOpen {
		t.Errorf("expected state change to Open, got %v", stateChanges)
	}

	_, err := breaker.Execute(func() (any, error) { return "ok", nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
}

func TestCircuitBreakerIgnoresUnsuccessfulClassifiedErrors(t *testing.T) {
	cfg := DefaultBreakerConfig("test-classified")
	cfg.FailureThreshold = 2
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errFatal) }

	breaker := NewCircuitBreaker(cfg)
	for i := 0; i < 5; i++ {
		breaker.Execute(func() (any, error) { return nil, errFatal })
	}

	if breaker.State() != gobreaker.StateClosed {
		t.Errorf("expected StateClosed, got %v", breaker.State())
	}
}

func TestCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	cfg := DefaultBreakerConfig("test-timeout")
	cfg.FailureThreshold = 2
	cfg.Timeout = 50 * time.Millisecond

	breaker := NewCircuitBreaker(cfg)

	for i := 0; i < 2; i++ {
		breaker.Execute(func() (any, error) { return nil, errors.New("fail") })
	}

	if breaker.State() != gobreaker.StateOpen {
		t.Fatalf("expected StateOpen, got %v", breaker.State())
	}

	time.Sleep(60 * time.Millisecond)

	if breaker.State() != gobreaker.StateHalfOpen {
		t.Errorf("expected StateHalfOpen after timeout, got %v", breaker.State())
	}
}

func TestExecutorWithBreaker(t *testing.T) {
	cfg := DefaultBreakerConfig("exec")
	cfg.FailureThreshold = 1
	breaker := NewCircuitBreaker(cfg)
	exec := NewExecutor[string](fastRetry(0), breaker)

	_, err := exec.Execute(context.Background(), func() (string, error) { return "", errTransient })
	if !errors.Is(err, errTransient) {
		t.Fatalf("first Execute() error = %v", err)
	}

	_, err = exec.Execute(context.Background(), func() (string, error) { return "ok", nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("second Execute() error = %v, want ErrOpenState", err)
	}
	if exec.CircuitBreaker().Name() != "exec" {
		t.Errorf("CircuitBreaker().Name() = %q", exec.CircuitBreaker().Name())
	}
}
