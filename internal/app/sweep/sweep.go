// Package sweep periodically removes participant rows nobody pings anymore.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/metrics"
)

const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 2 * time.Minute
)

type Sweeper struct {
	store      core.CallStore
	staleAfter time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
	timeout    time.Duration

	cron *cron.Cron
}

func New(store core.CallStore, staleAfter time.Duration, m *metrics.Metrics) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		metrics:    m,
		now:        time.Now,
		timeout:    30 * time.Second,
		cron: cron.New(
			cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
}

// Run deletes rows of ended calls and rows silent for longer than staleAfter.
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.staleAfter)
	n, err := s.store.SweepParticipants(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep participants: %w", err)
	}
	s.metrics.Swept(n)
	if n > 0 {
		log.Info().Str("module", "sweep").Int64("deleted", n).Time("cutoff", cutoff).Msg("stale participants removed")
	}
	return n, nil
}

// Start schedules Run; it fails only on an unparsable schedule.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			log.Error().Err(err).Str("module", "sweep").Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	log.Info().Str("module", "sweep").Str("schedule", schedule).Dur("stale_after", s.staleAfter).Msg("sweeper started")
	return nil
}

// Stop waits for a running sweep or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
