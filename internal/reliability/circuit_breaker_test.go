package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stateRecorder struct {
	changes chan string
}

func (r *stateRecorder) OnStateChange(name string, from, to State, reason string) {
	r.changes <- name + ":" + from.String() + "->" + to.String()
}

var errUnavailable = errors.New("unavailable")

func fail(cb *CircuitBreaker, err error) error {
	return cb.Execute(context.Background(), func() error { return err })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.GetState())
		assert.Equal(t, "default", cb.Name())
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("search"))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, fail(cb, errUnavailable), errUnavailable)
		}
		assert.Equal(t, StateOpen, cb.GetState())

		err := succeed(cb)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, "search", cbErr.Name)
		assert.Equal(t, 3, cbErr.Failures)
	})

	t.Run("a success resets the failure run", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		fail(cb, errUnavailable)
		require.NoError(t, succeed(cb))
		fail(cb, errUnavailable)
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("ignores errors the predicate rejects", func(t *testing.T) {
		parseErr := errors.New("parse error")
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithFailurePredicate(func(err error) bool { return errors.Is(err, errUnavailable) }),
		)

		assert.ErrorIs(t, fail(cb, parseErr), parseErr)
		assert.Equal(t, StateClosed, cb.GetState())

		fail(cb, errUnavailable)
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("half-open probe closes the circuit", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Minute),
			WithClock(clock.Now),
		)

		fail(cb, errUnavailable)
		assert.ErrorIs(t, succeed(cb), ErrCircuitOpen)

		clock.Advance(time.Minute)
		require.NoError(t, succeed(cb))
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("half-open probe failure reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Minute),
			WithClock(clock.Now),
		)

		fail(cb, errUnavailable)
		clock.Advance(time.Minute)
		fail(cb, errUnavailable)
		assert.Equal(t, StateOpen, cb.GetState())
		assert.ErrorIs(t, succeed(cb), ErrCircuitOpen)
	})

	t.Run("limits concurrent probes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Second),
			WithClock(clock.Now),
		)
		fail(cb, errUnavailable)
		clock.Advance(time.Second)

		probing := make(chan struct{})
		release := make(chan struct{})
		go cb.Execute(context.Background(), func() error {
			close(probing)
			<-release
			return nil
		})
		<-probing

		err := succeed(cb)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)
		close(release)
	})

	t.Run("notifies listeners", func(t *testing.T) {
		recorder := &stateRecorder{changes: make(chan string, 2)}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithName("bridge"))
		cb.AddListener(recorder)

		fail(cb, errUnavailable)
		assert.Equal(t, "bridge:closed->open", <-recorder.changes)

		cb.Reset()
		assert.Equal(t, "bridge:open->closed", <-recorder.changes)
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("does not run on a cancelled context", func(t *testing.T) {
		cb := NewCircuitBreaker()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		ran := false
		err := cb.Execute(ctx, func() error { ran = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ran)
	})
}
