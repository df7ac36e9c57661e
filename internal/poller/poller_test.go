package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1), d: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward and fires due tickers. Like time.Ticker, ticks
// are dropped when the receiver is behind.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		t.mu.Lock()
		for !t.stopped && !t.next.After(c.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.d)
		}
		t.mu.Unlock()
	}
}

func (c *fakeClock) waitTicker(t *testing.T) *fakeTicker {
	t.Helper()
	var tk *fakeTicker
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.tickers) == 0 {
			return false
		}
		tk = c.tickers[0]
		return true
	}, time.Second, time.Millisecond)
	return tk
}

type fakeTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	d       time.Duration
	next    time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type step struct {
	obs Observation
	err error
}

// scriptSource replays steps and records when each query happened.
type scriptSource struct {
	clock   *fakeClock
	mu      sync.Mutex
	steps   []step
	times   []time.Time
	queried chan struct{}
}

func newScript(clock *fakeClock, steps ...step) *scriptSource {
	return &scriptSource{clock: clock, steps: steps, queried: make(chan struct{}, 64)}
}

func (s *scriptSource) Status(context.Context) (Observation, error) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.queried <- struct{}{}
	}()
	s.times = append(s.times, s.clock.Now())
	if len(s.steps) == 0 {
		return Observation{Status: StatusGenerating}, nil
	}
	st := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return st.obs, st.err
}

func (s *scriptSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.times)
}

func (s *scriptSource) waitQuery(t *testing.T) {
	t.Helper()
	select {
	case <-s.queried:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a status query")
	}
}

type runResult struct {
	out Outcome
	err error
}

func start(ctx context.Context, p *Poller, inFlight bool) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		out, err := p.Run(ctx, inFlight)
		ch <- runResult{out, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return runResult{}
	}
}

var generating = step{obs: Observation{Status: StatusGenerating}}

func TestRun_GeneratingGeneratingCompleted(t *testing.T) {
	clk := newFakeClock()
	result := json.RawMessage(`{"totalPlays":3}`)
	src := newScript(clk, generating, generating, step{obs: Observation{Status: StatusCompleted, Result: result}})

	var emitted []Outcome
	p := New(src, Options{Clock: clk})
	ch := start(context.Background(), p, true)
	tk := clk.waitTicker(t)
	assert.Equal(t, Polling, p.State())

	for i := 0; i < 3; i++ {
		clk.Advance(DefaultInterval)
		src.waitQuery(t)
	}
	r := await(t, ch)
	require.NoError(t, r.err)
	emitted = append(emitted, r.out)

	require.Len(t, emitted, 1)
	assert.True(t, r.out.Completed)
	assert.JSONEq(t, string(result), string(r.out.Result))
	assert.Equal(t, Done, p.State())

	require.Equal(t, 3, src.calls())
	for i := 1; i < len(src.times); i++ {
		assert.Equal(t, DefaultInterval, src.times[i].Sub(src.times[i-1]))
	}

	assert.True(t, tk.isStopped())
	clk.Advance(10 * DefaultInterval)
	assert.Equal(t, 3, src.calls(), "no queries after done")
}

func TestRun_GeneratingFailed(t *testing.T) {
	clk := newFakeClock()
	src := newScript(clk, generating, step{obs: Observation{Status: StatusFailed, Error: "Failed to generate wrapped"}})

	p := New(src, Options{Clock: clk})
	ch := start(context.Background(), p, true)
	clk.waitTicker(t)

	for i := 0; i < 2; i++ {
		clk.Advance(DefaultInterval)
		src.waitQuery(t)
	}
	r := await(t, ch)
	require.NoError(t, r.err)
	assert.False(t, r.out.Completed)
	assert.Equal(t, "Failed to generate wrapped", r.out.Message)
	assert.Equal(t, Done, p.State())

	clk.Advance(5 * DefaultInterval)
	assert.Equal(t, 2, src.calls())
}

func TestRun_FailedWithoutMessageUsesFallback(t *testing.T) {
	clk := newFakeClock()
	src := newScript(clk, step{obs: Observation{Status: StatusFailed}})

	r := await(t, start(context.Background(), New(src, Options{Clock: clk}), false))
	require.NoError(t, r.err)
	assert.Equal(t, FallbackMessage, r.out.Message)
}

func TestRun_TransientErrorsKeepPolling(t *testing.T) {
	clk := newFakeClock()
	boom := errors.New("connection reset")
	src := newScript(clk,
		step{err: boom},
		step{obs: Observation{Status: "weird"}},
		step{err: boom},
		step{obs: Observation{Status: StatusCompleted, Result: json.RawMessage(`{}`)}},
	)

	var polls int
	var mu sync.Mutex
	p := New(src, Options{Clock: clk, OnPoll: func(Observation, error) {
		mu.Lock()
		polls++
		mu.Unlock()
	}})
	ch := start(context.Background(), p, true)
	clk.waitTicker(t)

	for i := 0; i < 4; i++ {
		clk.Advance(DefaultInterval)
		src.waitQuery(t)
	}
	r := await(t, ch)
	require.NoError(t, r.err)
	assert.True(t, r.out.Completed)
	mu.Lock()
	assert.Equal(t, 4, polls)
	mu.Unlock()
}

func TestRun_CancelStopsTicker(t *testing.T) {
	clk := newFakeClock()
	src := newScript(clk)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(src, Options{Clock: clk})
	ch := start(ctx, p, true)
	tk := clk.waitTicker(t)

	clk.Advance(DefaultInterval)
	src.waitQuery(t)
	cancel()

	r := await(t, ch)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.True(t, tk.isStopped())
	assert.NotEqual(t, Done, p.State())

	clk.Advance(10 * DefaultInterval)
	assert.Equal(t, 1, src.calls())
}

func TestRun_MaxDuration(t *testing.T) {
	clk := newFakeClock()
	src := newScript(clk)

	p := New(src, Options{Clock: clk, MaxDuration: 5 * time.Second})
	ch := start(context.Background(), p, true)
	clk.waitTicker(t)

	clk.Advance(2 * time.Second)
	src.waitQuery(t)
	clk.Advance(2 * time.Second)
	src.waitQuery(t)
	clk.Advance(2 * time.Second)

	r := await(t, ch)
	assert.ErrorIs(t, r.err, ErrPollTimeout)
	assert.Equal(t, 2, src.calls())
}

func TestRun_NotInFlight(t *testing.T) {
	t.Run("never dispatched", func(t *testing.T) {
		clk := newFakeClock()
		src := newScript(clk, step{obs: Observation{Status: StatusNotStarted}})
		p := New(src, Options{Clock: clk})

		r := await(t, start(context.Background(), p, false))
		assert.ErrorIs(t, r.err, ErrNotInFlight)
		assert.Equal(t, Idle, p.State())
		assert.Equal(t, 1, src.calls())
	})

	t.Run("already completed", func(t *testing.T) {
		clk := newFakeClock()
		src := newScript(clk, step{obs: Observation{Status: StatusCompleted, Result: json.RawMessage(`{"a":1}`)}})
		p := New(src, Options{Clock: clk})

		r := await(t, start(context.Background(), p, false))
		require.NoError(t, r.err)
		assert.True(t, r.out.Completed)
		assert.Equal(t, Done, p.State())
	})

	t.Run("observed generating enters polling", func(t *testing.T) {
		clk := newFakeClock()
		src := newScript(clk, generating, step{obs: Observation{Status: StatusCompleted, Result: json.RawMessage(`{}`)}})
		p := New(src, Options{Clock: clk})

		ch := start(context.Background(), p, false)
		src.waitQuery(t)
		clk.waitTicker(t)
		assert.Equal(t, Polling, p.State())

		clk.Advance(DefaultInterval)
		src.waitQuery(t)
		r := await(t, ch)
		require.NoError(t, r.err)
		assert.Equal(t, 2, src.calls())
	})

	t.Run("failed first query is retried on the next tick", func(t *testing.T) {
		clk := newFakeClock()
		src := newScript(clk,
			step{err: errors.New("connection refused")},
			generating,
			step{obs: Observation{Status: StatusCompleted, Result: json.RawMessage(`{}`)}},
		)
		p := New(src, Options{Clock: clk})

		ch := start(context.Background(), p, false)
		src.waitQuery(t)
		clk.waitTicker(t)

		clk.Advance(DefaultInterval)
		src.waitQuery(t)
		clk.Advance(DefaultInterval)
		src.waitQuery(t)

		r := await(t, ch)
		require.NoError(t, r.err)
		assert.True(t, r.out.Completed)
		assert.Equal(t, 3, src.calls())
	})

	t.Run("failed first query then never dispatched", func(t *testing.T) {
		clk := newFakeClock()
		src := newScript(clk,
			step{err: errors.New("connection refused")},
			step{obs: Observation{Status: StatusNotStarted}},
		)
		p := New(src, Options{Clock: clk})

		ch := start(context.Background(), p, false)
		src.waitQuery(t)
		clk.waitTicker(t)

		clk.Advance(DefaultInterval)
		src.waitQuery(t)

		r := await(t, ch)
		assert.ErrorIs(t, r.err, ErrNotInFlight)
		assert.Equal(t, Idle, p.State())
	})
}
