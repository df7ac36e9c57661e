package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/logging"
	"plexwrapped/internal/metrics"

	"github.com/rs/zerolog"
)

// DefaultFailureMessage is recorded when a generator fails without a user-safe message.
const DefaultFailureMessage = "Failed to generate wrapped"

var ErrWorkerClosed = errors.New("worker is shutting down")

// Generator produces the report for one key. Errors carrying an apperr code of
// CodeGenerationFailed expose their message to the user; all others are logged
// and replaced by DefaultFailureMessage.
type Generator interface {
	Generate(ctx context.Context, key Key) (json.RawMessage, error)
}

type terminalWriter interface {
	Complete(ctx context.Context, key Key, attemptID string, result json.RawMessage) error
	Fail(ctx context.Context, key Key, attemptID, message string) error
}

// Task is the handle of one running attempt.
type Task struct {
	Key       Key
	AttemptID string

	done   chan struct{}
	status Status
}

// Done is closed once the attempt's terminal state has been written (or the
// write was given up on).
func (t *Task) Done() <-chan struct{} { return t.done }

// Status is the terminal status recorded for the attempt; valid after Done.
func (t *Task) Status() Status { return t.status }

// Worker runs generators on their own goroutines and is the only writer of
// terminal job states.
type Worker struct {
	gen   Generator
	store terminalWriter
	log   zerolog.Logger

	// WriteTimeout bounds each terminal write.
	WriteTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[string]*Task
}

func NewWorker(gen Generator, store terminalWriter) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		gen:          gen,
		store:        store,
		log:          logging.With().Str("component", "jobs.worker").Logger(),
		WriteTimeout: 10 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		tasks:        map[string]*Task{},
	}
}

// Start runs the generator for attemptID and returns without waiting for it.
func (w *Worker) Start(key Key, attemptID string) (*Task, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}

	t := &Task{Key: key, AttemptID: attemptID, done: make(chan struct{})}
	w.tasks[attemptID] = t
	w.wg.Add(1)
	metrics.GenerationsInFlight.Inc()

	go w.run(t)
	return t, nil
}

// Closed reports whether Shutdown has been called.
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Task returns the running task for attemptID, if any.
func (w *Worker) Task(attemptID string) (*Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[attemptID]
	return t, ok
}

// Shutdown stops accepting work and waits for running attempts. When ctx expires
// first, running generators are cancelled and Shutdown keeps waiting, for at most
// the terminal write budget, until their attempts are recorded as failed.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
	}

	drain := time.NewTimer(w.drainTimeout())
	defer drain.Stop()
	select {
	case <-done:
	case <-drain.C:
		w.log.Error().Msg("cancelled generations did not record their failure in time")
	}
	return ctx.Err()
}

// drainTimeout covers every terminal write attempt plus the backoff between them.
func (w *Worker) drainTimeout() time.Duration {
	var backoff time.Duration
	for attempt := 1; attempt < terminalWriteAttempts; attempt++ {
		backoff += writeBackoff(attempt)
	}
	return time.Duration(terminalWriteAttempts)*w.WriteTimeout + backoff + time.Second
}

func (w *Worker) run(t *Task) {
	start := time.Now()
	var (
		result json.RawMessage
		err    error
	)

	// every exit path, including a panicking generator, resolves the attempt
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("generator panic: %v", p)
			w.log.Error().
				Str("key", t.Key.String()).
				Str("attempt_id", t.AttemptID).
				Str("stack", string(debug.Stack())).
				Msg("generator panicked")
		}
		w.finish(t, result, err, time.Since(start))
	}()

	result, err = w.gen.Generate(w.ctx, t.Key)
	if err == nil && len(result) == 0 {
		err = errors.New("generator returned an empty result")
	}
}

func (w *Worker) finish(t *Task, result json.RawMessage, genErr error, elapsed time.Duration) {
	defer func() {
		w.mu.Lock()
		delete(w.tasks, t.AttemptID)
		w.mu.Unlock()

		metrics.GenerationsInFlight.Dec()
		close(t.done)
		w.wg.Done()
	}()

	l := w.log.With().Str("key", t.Key.String()).Str("attempt_id", t.AttemptID).Logger()

	status := StatusCompleted
	write := func(ctx context.Context) error {
		return w.store.Complete(ctx, t.Key, t.AttemptID, result)
	}
	if genErr != nil {
		status = StatusFailed
		msg := FailureMessage(genErr)
		l.Error().Err(genErr).Str("message", msg).Msg("report generation failed")
		write = func(ctx context.Context) error {
			return w.store.Fail(ctx, t.Key, t.AttemptID, msg)
		}
	}
	metrics.GenerationDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())

	err := w.writeTerminal(write)
	switch {
	case err == nil:
		t.status = status
		l.Info().Str("status", string(status)).Dur("elapsed", elapsed).Msg("report generation finished")
	case errors.Is(err, ErrSuperseded):
		// the sweep got there first; the stored state stays as it is
		t.status = StatusFailed
		l.Warn().Msg("attempt superseded before its terminal write")
	default:
		t.status = StatusFailed
		metrics.TerminalWriteErrors.Inc()
		l.Error().Err(err).Msg("terminal write failed; the staleness sweep will resolve the job")
	}
}

// writeTerminal retries transient store errors with a short backoff.
func (w *Worker) writeTerminal(write func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < terminalWriteAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(writeBackoff(attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.WriteTimeout)
		err = write(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrSuperseded) {
			return err
		}
	}
	return err
}

const terminalWriteAttempts = 3

func writeBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 200 * time.Millisecond
}

// FailureMessage is the user-safe message recorded for a generator error.
func FailureMessage(err error) string {
	if apperr.CodeOf(err) == apperr.CodeGenerationFailed {
		return apperr.PublicMessage(err)
	}
	return DefaultFailureMessage
}
