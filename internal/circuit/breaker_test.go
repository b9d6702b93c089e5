package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/core"
)

func testBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Now()
	b := New(&Config{
		Name:             "spec_b",
		FailureThreshold: threshold,
		Window:           time.Minute,
		Cooldown:         cooldown,
		OnStateChange:    func(string, State, State) {},
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker) error {
	if err := b.Allow(); err != nil {
		return err
	}
	b.Done(false)
	return nil
}

func succeed(b *Breaker) error {
	if err := b.Allow(); err != nil {
		return err
	}
	b.Done(true)
	return nil
}

func TestTripsAfterThreshold(t *testing.T) {
	b, _ := testBreaker(3, 500*time.Millisecond)

	require.NoError(t, fail(b))
	require.NoError(t, fail(b))
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, fail(b))
	assert.Equal(t, StateOpen, b.State())

	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestOpenFailsFastThenHalfOpenAfterCooldown(t *testing.T) {
	b, now := testBreaker(3, 500*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, fail(b))
	}
	assert.ErrorIs(t, b.Allow(), ErrOpen)
	assert.Greater(t, b.RetryAfter(), time.Duration(0))

	*now = now.Add(500 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	b, now := testBreaker(3, 500*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, fail(b))
	}
	*now = now.Add(time.Second)

	require.NoError(t, b.Allow(), "first trial permitted")
	assert.ErrorIs(t, b.Allow(), ErrTrialInFlight, "second concurrent trial rejected")

	b.Done(true)
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, succeed(b))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(3, 500*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, fail(b))
	}
	*now = now.Add(time.Second)

	require.NoError(t, b.Allow())
	b.Done(false)
	assert.Equal(t, StateOpen, b.State())

	// Cooldown restarts from the reopen.
	*now = now.Add(499 * time.Millisecond)
	assert.Equal(t, StateOpen, b.State())
	*now = now.Add(time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestNoDirectOpenToClosed(t *testing.T) {
	b, now := testBreaker(1, time.Second)

	require.NoError(t, fail(b))
	require.Equal(t, StateOpen, b.State())

	// However long we wait, the next observable state is half-open.
	*now = now.Add(time.Hour)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestClosedSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(3, time.Second)

	require.NoError(t, fail(b))
	require.NoError(t, fail(b))
	require.NoError(t, succeed(b))
	require.NoError(t, fail(b))
	require.NoError(t, fail(b))
	assert.Equal(t, StateClosed, b.State(), "success clears the failure streak")

	require.NoError(t, fail(b))
	assert.Equal(t, StateOpen, b.State())
}

func TestFailureWindowExpires(t *testing.T) {
	b, now := testBreaker(3, time.Second)

	require.NoError(t, fail(b))
	require.NoError(t, fail(b))

	*now = now.Add(2 * time.Minute)
	require.NoError(t, fail(b))
	assert.Equal(t, StateClosed, b.State(), "stale failures outside the window do not count")
}

func TestManagerPerToolIsolation(t *testing.T) {
	m := NewManager(&Config{FailureThreshold: 1, Cooldown: time.Minute})

	require.NoError(t, fail(m.Get("tool-a")))
	assert.Equal(t, StateOpen, m.Get("tool-a").State())
	assert.Equal(t, StateClosed, m.Get("tool-b").State())

	states := m.States()
	assert.Equal(t, StateOpen, states["tool-a"])
	assert.Equal(t, StateClosed, states["tool-b"])

	m.Remove("tool-a")
	assert.Equal(t, StateClosed, m.Get("tool-a").State(), "fresh breaker after removal")
}

// --- retry ---

func TestRetryOnlyOnTransient(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, 0)
	p.rand = func() float64 { return 0 }

	calls := 0
	err := p.Do(context.Background(), true, func(context.Context) error {
		calls++
		return core.E(core.KindBadRequest, "malformed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors are never retried")

	calls = 0
	err = p.Do(context.Background(), true, func(context.Context) error {
		calls++
		return core.Transient(core.KindUpstreamError, "flaky", errors.New("boom"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrySucceedsMidway(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, 0)
	p.rand = func() float64 { return 0 }

	calls := 0
	err := p.Do(context.Background(), true, func(context.Context) error {
		calls++
		if calls < 2 {
			return core.Transient(core.KindTimeout, "slow", context.DeadlineExceeded)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNonIdempotentNeverRetries(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, 0)

	calls := 0
	err := p.Do(context.Background(), false, func(context.Context) error {
		calls++
		return core.Transient(core.KindUpstreamError, "flaky", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryAbandonedNearDeadline(t *testing.T) {
	p := NewRetryPolicy(5, 200*time.Millisecond, 50*time.Millisecond)
	p.rand = func() float64 { return 0 }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := p.Do(ctx, true, func(context.Context) error {
		calls++
		return core.Transient(core.KindUpstreamError, "flaky", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "backoff would land past deadline - min latency")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "abandoned without waiting out the deadline")
}

func TestCancelledCallNeverRetries(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, true, func(context.Context) error {
		calls++
		cancel()
		return core.Wrap(core.KindUpstreamError, "interrupted", context.Canceled)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
