// Package poller follows a report generation from the client side: it queries
// the job status on a fixed cadence until the job reaches a terminal state.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxDuration = 10 * time.Minute

	// FallbackMessage is emitted for a failed job that carries no message.
	FallbackMessage = "Failed to generate wrapped"
)

var (
	ErrPollTimeout = errors.New("polling timed out before the report finished")
	// ErrNotInFlight means no generation was running and none had finished.
	ErrNotInFlight = errors.New("no report generation in flight")
)

type State int

const (
	Idle State = iota
	Polling
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Done:
		return "done"
	}
	return "unknown"
}

// Job statuses as reported by the status endpoint.
const (
	StatusNotStarted = "not_started"
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Observation is one status read. A job that was never dispatched is reported
// as StatusNotStarted.
type Observation struct {
	Status string
	Result json.RawMessage
	Error  string
}

// Source performs a single status query.
type Source interface {
	Status(ctx context.Context) (Observation, error)
}

// Outcome is what a finished poll emits.
type Outcome struct {
	Completed bool
	Result    json.RawMessage // set when Completed
	Message   string          // set when failed
}

type Options struct {
	Interval    time.Duration
	MaxDuration time.Duration
	Clock       Clock
	// OnPoll is called after every query, including failed ones.
	OnPoll func(Observation, error)
}

type Poller struct {
	src  Source
	opts Options

	mu    sync.Mutex
	state State
}

func New(src Source, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	return &Poller{src: src, opts: opts}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run follows the job until it is done. With inFlight set the caller knows a
// generation is running and the first query happens on the first tick;
// otherwise Run queries once right away and only keeps polling if the job is
// generating. A failed query, including that first one, is retried on the
// next tick. Cancelling ctx stops the ticker and returns ctx.Err().
func (p *Poller) Run(ctx context.Context, inFlight bool) (Outcome, error) {
	start := p.opts.Clock.Now()
	if !inFlight {
		obs, err := p.query(ctx)
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if err == nil {
			out, done, err := p.observe(obs, false)
			if done || err != nil {
				return out, err
			}
			inFlight = true
		}
	}

	p.setState(Polling)
	ticker := p.opts.Clock.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.setState(Idle)
			return Outcome{}, ctx.Err()
		case <-ticker.C():
		}

		if p.opts.Clock.Now().Sub(start) >= p.opts.MaxDuration {
			p.setState(Idle)
			return Outcome{}, ErrPollTimeout
		}

		obs, err := p.query(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.setState(Idle)
				return Outcome{}, ctx.Err()
			}
			continue
		}
		out, done, err := p.observe(obs, inFlight)
		if done || err != nil {
			return out, err
		}
		inFlight = true
	}
}

// observe settles a successful query. Until a generating status has been seen
// (or the caller vouched for one), any non-terminal status ends the run.
func (p *Poller) observe(obs Observation, inFlight bool) (Outcome, bool, error) {
	if out, done := terminal(obs); done {
		p.setState(Done)
		return out, true, nil
	}
	if !inFlight && obs.Status != StatusGenerating {
		p.setState(Idle)
		return Outcome{}, false, ErrNotInFlight
	}
	return Outcome{}, false, nil
}

func (p *Poller) query(ctx context.Context) (Observation, error) {
	obs, err := p.src.Status(ctx)
	if p.opts.OnPoll != nil {
		p.opts.OnPoll(obs, err)
	}
	return obs, err
}

func terminal(obs Observation) (Outcome, bool) {
	switch obs.Status {
	case StatusCompleted:
		return Outcome{Completed: true, Result: obs.Result}, true
	case StatusFailed:
		msg := obs.Error
		if msg == "" {
			msg = FallbackMessage
		}
		return Outcome{Message: msg}, true
	}
	return Outcome{}, false
}
