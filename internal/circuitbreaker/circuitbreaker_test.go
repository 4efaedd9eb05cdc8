package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestBreaker(failures, successes int, timeout time.Duration) (*CircuitBreaker, *clock.TestClock) {
	clk := clock.NewTestClock(testStart)
	return New(Config{
		Name:             "test-node",
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          timeout,
		Clock:            clk,
	}), clk
}

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		cb := New(DefaultConfig())
		if cb.State() != StateClosed {
			t.Errorf("expected initial state to be Closed, got %v", cb.State())
		}
	})

	t.Run("invalid config values corrected", func(t *testing.T) {
		cb := New(Config{FailureThreshold: 0, SuccessThreshold: -1})
		if cb.config.FailureThreshold != 5 {
			t.Errorf("expected default FailureThreshold 5, got %d", cb.config.FailureThreshold)
		}
		if cb.config.SuccessThreshold != 2 {
			t.Errorf("expected default SuccessThreshold 2, got %d", cb.config.SuccessThreshold)
		}
		if cb.config.Timeout != 30*time.Second {
			t.Errorf("expected default Timeout 30s, got %v", cb.config.Timeout)
		}
		if cb.config.Clock == nil {
			t.Error("expected a default clock")
		}
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, expected %q", tt.state, got, tt.expected)
		}
	}
}

func TestOpenAndRecover(t *testing.T) {
	cb, clk := newTestBreaker(2, 2, time.Minute)

	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clk.SetTime(testStart.Add(59 * time.Second))
	assert.Equal(t, StateOpen, cb.State(), "still open before timeout")

	clk.SetTime(testStart.Add(time.Minute))
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State(), "one success is below threshold")
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(1, 2, time.Minute)

	cb.RecordFailure()
	clk.SetTime(testStart.Add(2 * time.Minute))
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, testStart.Add(2*time.Minute), cb.Stats().LastFailureTime)
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	stats := cb.Stats()
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 1, stats.ConsecutiveSuccesses)
	assert.Equal(t, StateClosed, stats.State)
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(2, 1, time.Hour)

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()

	stats := cb.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.ConsecutiveFailures)
	assert.Zero(t, stats.ConsecutiveSuccesses)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	errDial := errors.New("dial tcp: connection refused")
	errRejected := errors.New("nonce too low")

	t.Run("fails fast when open", func(t *testing.T) {
		cb, _ := newTestBreaker(1, 1, time.Hour)
		cb.RecordFailure()

		called := false
		err := cb.Execute(ctx, func(context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrOpen)
		assert.False(t, called)
	})

	t.Run("counts transport failures", func(t *testing.T) {
		cb, _ := newTestBreaker(2, 1, time.Hour)
		for i := 0; i < 2; i++ {
			err := cb.Execute(ctx, func(context.Context) error { return errDial })
			assert.ErrorIs(t, err, errDial)
		}
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("ignores errors the classifier rejects", func(t *testing.T) {
		clk := clock.NewTestClock(testStart)
		cb := New(Config{
			FailureThreshold: 1,
			Clock:            clk,
			IsFailure:        func(err error) bool { return errors.Is(err, errDial) },
		})

		err := cb.Execute(ctx, func(context.Context) error { return errRejected })
		assert.ErrorIs(t, err, errRejected)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("caller cancellation is not a failure", func(t *testing.T) {
		cb, _ := newTestBreaker(1, 1, time.Hour)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := cb.Execute(cctx, func(ctx context.Context) error { return ctx.Err() })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestOnStateChange(t *testing.T) {
	changes := make(chan [2]State, 4)

	cb := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		OnStateChange: func(from, to State) {
			changes <- [2]State{from, to}
		},
	})

	cb.RecordFailure()

	select {
	case change := <-changes:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, change)
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}
}

func TestConcurrentAccess(t *testing.T) {
	cb := New(Config{
		FailureThreshold: 100,
		SuccessThreshold: 10,
		Timeout:          30 * time.Second,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cb.RecordFailure()
				cb.Allow()
				cb.Stats()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = cb.Execute(context.Background(), func(context.Context) error { return nil })
				cb.State()
			}
		}()
	}
	wg.Wait()
}
