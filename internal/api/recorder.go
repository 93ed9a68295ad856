package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricequorum/pricequorum/internal/metrics"
	"github.com/pricequorum/pricequorum/internal/oracle"
	"github.com/pricequorum/pricequorum/internal/store"
)

// SourceObserver fans one adapter fetch outcome into the in-memory
// tracker (the fast /health path), the metrics registry and the
// durable per-source health row. The durable upsert runs off the
// request path; losing one observation to a store hiccup is
// acceptable, slowing consensus down is not.
type SourceObserver struct {
	tracker *oracle.HealthTracker
	store   store.HistoryStore
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewSourceObserver wires the three sinks.
func NewSourceObserver(tracker *oracle.HealthTracker, st store.HistoryStore, m *metrics.Registry) *SourceObserver {
	return &SourceObserver{
		tracker: tracker,
		store:   st,
		metrics: m,
		log:     log.With().Str("module", "health").Logger(),
	}
}

// Record implements oracle.HealthRecorder.
func (o *SourceObserver) Record(source oracle.OracleKind, ok bool) {
	o.tracker.Record(source, ok)
	o.metrics.RecordSourceFetch(string(source), ok)

	obs := store.HealthObservation{
		Source:     string(source),
		Healthy:    ok,
		ObservedAt: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := o.store.UpsertHealth(ctx, obs); err != nil {
			o.log.Warn().Err(err).Str("source", string(source)).Msg("health upsert failed")
		}
	}()
}

var _ oracle.HealthRecorder = (*SourceObserver)(nil)
