package jobs

import (
	"context"
	"errors"

	"plexwrapped/internal/apperr"
	"plexwrapped/internal/logging"
	"plexwrapped/internal/metrics"

	"github.com/google/uuid"
)

type Outcome int

const (
	// Accepted means a new attempt was started.
	Accepted Outcome = iota + 1
	// AlreadyInFlight means an attempt for the key is generating; nothing was started.
	AlreadyInFlight
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyInFlight:
		return "already_in_flight"
	default:
		return "unknown"
	}
}

type beginner interface {
	Begin(ctx context.Context, key Key, attemptID string) (bool, error)
	Fail(ctx context.Context, key Key, attemptID, message string) error
}

type starter interface {
	Start(key Key, attemptID string) (*Task, error)
	Closed() bool
}

type Dispatcher struct {
	store  beginner
	worker starter
	newID  func() string
}

func NewDispatcher(store beginner, worker starter) *Dispatcher {
	return &Dispatcher{store: store, worker: worker, newID: uuid.NewString}
}

// Dispatch starts a generation attempt for key unless one is already generating.
// It returns before the report is produced; completion is only observable
// through the store.
func (d *Dispatcher) Dispatch(ctx context.Context, key Key) (Outcome, error) {
	if err := key.Validate(); err != nil {
		return 0, apperr.Wrap(err, apperr.CodeValidation, "invalid subject or period")
	}
	if d.worker.Closed() {
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		return 0, apperr.Wrap(ErrWorkerClosed, apperr.CodeDispatchFailed, apperr.DefaultMessage(apperr.CodeDispatchFailed))
	}

	attemptID := d.newID()
	won, err := d.store.Begin(ctx, key, attemptID)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		return 0, apperr.Wrap(err, apperr.CodeDispatchFailed, apperr.DefaultMessage(apperr.CodeDispatchFailed))
	}
	if !won {
		metrics.DispatchTotal.WithLabelValues(AlreadyInFlight.String()).Inc()
		return AlreadyInFlight, nil
	}

	if _, err := d.worker.Start(key, attemptID); err != nil {
		// shutdown raced the claim: resolve the row we own so it is not left generating
		if ferr := d.store.Fail(context.WithoutCancel(ctx), key, attemptID, "Report generation was interrupted"); ferr != nil && !errors.Is(ferr, ErrSuperseded) {
			logging.Ctx(ctx).Error().Err(ferr).Str("key", key.String()).Msg("could not release claimed job")
		}
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		return 0, apperr.Wrap(err, apperr.CodeDispatchFailed, apperr.DefaultMessage(apperr.CodeDispatchFailed))
	}

	metrics.DispatchTotal.WithLabelValues(Accepted.String()).Inc()
	logging.Ctx(ctx).Info().Str("key", key.String()).Str("attempt_id", attemptID).Msg("report generation dispatched")
	return Accepted, nil
}
