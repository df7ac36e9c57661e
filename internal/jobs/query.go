package jobs

import (
	"context"
	"errors"
)

type reader interface {
	Get(ctx context.Context, key Key) (Snapshot, error)
	ListPeriod(ctx context.Context, period string) ([]Snapshot, error)
}

// Query is the read-only side of the job store used by status endpoints.
type Query struct {
	store reader
}

func NewQuery(store reader) *Query {
	return &Query{store: store}
}

// Status returns the latest attempt for key, or ErrNotFound if none was ever dispatched.
func (q *Query) Status(ctx context.Context, key Key) (Snapshot, error) {
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}
	return q.store.Get(ctx, key)
}

var errInvalidPeriod = errors.New("invalid period")

func (q *Query) ListPeriod(ctx context.Context, period string) ([]Snapshot, error) {
	if !periodRe.MatchString(period) {
		return nil, errInvalidPeriod
	}
	return q.store.ListPeriod(ctx, period)
}

// IsInvalidInput reports whether err came from key or period validation.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidKey) || errors.Is(err, errInvalidPeriod)
}
