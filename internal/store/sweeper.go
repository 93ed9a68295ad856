package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sweeper prunes price history older than the retention window on a
// fixed interval. A zero retention disables it.
type Sweeper struct {
	store     HistoryStore
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewSweeper builds a sweeper over the given store.
func NewSweeper(st HistoryStore, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     st,
		retention: retention,
		interval:  interval,
		log:       log.With().Str("module", "sweeper").Logger(),
		now:       time.Now,
	}
}

// Run blocks, sweeping every interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.retention <= 0 {
		s.log.Info().Msg("retention disabled, sweeper idle")
		<-ctx.Done()
		return
	}

	s.log.Info().
		Dur("retention", s.retention).
		Dur("interval", s.interval).
		Msg("retention sweeper running")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.retention).Unix()

	deleted, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Int64("cutoff", cutoff).Msg("retention sweep failed")
		return
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Int64("cutoff", cutoff).Msg("pruned price history")
	}
}
