package jobs

import (
	"context"
	"fmt"
	"time"

	"plexwrapped/internal/logging"
	"plexwrapped/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StaleFailureMessage is recorded on jobs failed by the sweep.
const StaleFailureMessage = "Report generation timed out"

type staleFailer interface {
	FailStale(ctx context.Context, maxAge time.Duration, message string) (int64, error)
}

// Sweeper fails jobs stuck in generating, e.g. because the process running them died.
type Sweeper struct {
	store      staleFailer
	staleAfter time.Duration
	schedule   string
	log        zerolog.Logger
}

func NewSweeper(store staleFailer, staleAfter time.Duration, schedule string) (*Sweeper, error) {
	if staleAfter <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive, got %s", staleAfter)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		schedule:   schedule,
		log:        logging.With().Str("component", "jobs.sweeper").Logger(),
	}, nil
}

// SweepOnce fails every job generating for longer than the threshold.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.FailStale(ctx, s.staleAfter, StaleFailureMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StaleJobsSwept.Add(float64(n))
		s.log.Warn().Int64("count", n).Dur("stale_after", s.staleAfter).Msg("failed stale generating jobs")
	}
	return n, nil
}

// Serve runs the sweep on its cron schedule until ctx is cancelled.
func (s *Sweeper) Serve(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("stale job sweep failed")
		}
	}); err != nil {
		return err
	}

	s.log.Info().Str("schedule", s.schedule).Dur("stale_after", s.staleAfter).Msg("sweeper started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Sweeper) String() string { return "jobs-sweeper" }
