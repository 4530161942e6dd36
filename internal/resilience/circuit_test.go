package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUnavailable = NewStatusError(errors.New("service unavailable"), 503)

func fail(cb *CircuitBreaker, n int, err error) {
	for i := 0; i < n; i++ {
		_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
			return 0, err
		})
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	fail(cb, 3, errUnavailable)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state after 3 failures, got %s", cb.State())
	}

	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		t.Error("should not be called when circuit is open")
		return 1, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if val != 0 {
		t.Errorf("expected zero value, got %d", val)
	}
}

func TestCircuitBreaker_QueryErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	fail(cb, 5, NewStatusError(errors.New("bad request"), 400))
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after non-availability errors, got %s", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("expected 0 failures, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_CancelledCallsIgnored(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = ExecuteVal(ctx, cb, func(_ context.Context) (int, error) {
		return 0, errUnavailable
	})
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after caller cancellation, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	fail(cb, 2, errUnavailable)
	if cb.Failures() != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", cb.Failures())
	}

	_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 1, nil })
	if cb.Failures() != 0 {
		t.Errorf("expected 0 consecutive failures after success, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }

	fail(cb, 2, errUnavailable)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open state after timeout, got %s", cb.State())
	}

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 1, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state after successful trial call, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailure_Reopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }

	fail(cb, 2, errUnavailable)

	later := now.Add(200 * time.Millisecond)
	cb.nowFunc = func() time.Time { return later }
	fail(cb, 1, errUnavailable)

	if cb.State() != CircuitOpen {
		t.Errorf("expected open state after half-open failure, got %s", cb.State())
	}
	if cb.Failures() != 3 {
		t.Errorf("expected 3 total failures, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }
	fail(cb, 2, errUnavailable)

	later := now.Add(200 * time.Millisecond)
	cb.nowFunc = func() time.Time { return later }

	started := make(chan struct{})
	release := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		trialDone <- err
	}()
	<-started

	var wg sync.WaitGroup
	var rejected sync.Map
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
				t.Error("only the trial call may reach the backend while half-open")
				return 0, nil
			})
			if errors.Is(err, ErrCircuitOpen) {
				rejected.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	rejected.Range(func(_, _ any) bool { count++; return true })
	if count != 5 {
		t.Errorf("expected 5 rejected callers during the trial call, got %d", count)
	}

	close(release)
	if err := <-trialDone; err != nil {
		t.Fatalf("unexpected trial call error: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state after successful trial call, got %s", cb.State())
	}
}

func TestCircuitBreaker_CancelledTrialFreesSlot(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }
	fail(cb, 1, errUnavailable)
	cb.nowFunc = func() time.Time { return now.Add(time.Second) }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after abandoned trial call, got %s", cb.State())
	}

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 1, nil })
	if err != nil {
		t.Fatalf("expected a new trial call to be admitted, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []struct{ from, to CircuitState }
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, struct{ from, to CircuitState }{from, to})
		},
	})

	fail(cb, 2, errUnavailable)
	cb.Reset()

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].from != CircuitClosed || transitions[0].to != CircuitOpen {
		t.Errorf("expected closed→open, got %s→%s", transitions[0].from, transitions[0].to)
	}
	if transitions[1].to != CircuitClosed {
		t.Errorf("expected reset to close, got %s", transitions[1].to)
	}
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip:       func(err error) bool { return err.Error() == "tripworthy" },
	})

	fail(cb, 5, errors.New("non-tripworthy"))
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
	fail(cb, 2, errors.New("tripworthy"))
	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
				if i%2 == 0 {
					return 0, errUnavailable
				}
				return i, nil
			})
		}()
	}
	wg.Wait()
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
