/*
scheduler.go - Lapse sweeper

PURPOSE:
  Periodically finds allocations whose validity window ended since the
  previous pass and tells subscribers that the owning wallets' balances
  dropped. Nothing is deleted: lapsed allocations are already hidden by
  the wallet index; the sweep exists only so that notifications fire
  without waiting for the next charge.

DESIGN:
  - Runs inside the process errgroup; Run returns when ctx is cancelled
  - Each pass covers (last, now]; the first pass starts one interval back
  - A failed pass keeps its window, so the next pass covers it again

CONFIGURATION:
  - Interval: how often to sweep (engine.sweep_interval, default 1m)

USAGE:
  sweeper := NewLapseSweeper(svc, time.Minute, log)
  g.Go(func() error { return sweeper.Run(ctx) })

SEE ALSO:
  - handlers.go: POST /api/admin/sweep (manual pass)
  - accounting/service.go: SweepLapsed
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper is the part of the service the sweeper drives.
type Sweeper interface {
	SweepLapsed(ctx context.Context, from, to time.Time) (int, error)
}

// LapseSweeper handles automated lapse notifications.
type LapseSweeper struct {
	svc      Sweeper
	Interval time.Duration
	clock    func() time.Time
	log      zerolog.Logger

	mu   sync.Mutex
	last time.Time
}

func NewLapseSweeper(svc Sweeper, interval time.Duration, log zerolog.Logger) *LapseSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &LapseSweeper{
		svc:      svc,
		Interval: interval,
		clock:    time.Now,
		log:      log.With().Str("component", "lapse_sweeper").Logger(),
	}
}

// WithClock replaces the time source (tests).
func (s *LapseSweeper) WithClock(clock func() time.Time) *LapseSweeper {
	s.clock = clock
	return s
}

// Run sweeps on every tick until ctx is done.
func (s *LapseSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.Interval).Msg("lapse sweeper started")

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.log.Info().Msg("lapse sweeper stopped")
			return nil
		}
	}
}

func (s *LapseSweeper) sweep(ctx context.Context) {
	if _, err := s.RunNow(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("lapse sweep failed")
	}
}

// RunNow performs one pass over (last, now] and returns the number of
// wallets notified.
func (s *LapseSweeper) RunNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	from := s.last
	if from.IsZero() {
		from = now.Add(-s.Interval)
	}
	if !from.Before(now) {
		return 0, nil
	}

	n, err := s.svc.SweepLapsed(ctx, from, now)
	if err != nil {
		return 0, err
	}
	s.last = now
	return n, nil
}

// NextRunTime returns when the next scheduled pass will occur.
func (s *LapseSweeper) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.IsZero() {
		return s.clock()
	}
	return s.last.Add(s.Interval)
}
