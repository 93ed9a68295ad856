package oracle

import (
	"sync"
	"time"
)

// SourceHealth is the in-memory liveness record for one oracle source.
type SourceHealth struct {
	Healthy    bool      `json:"healthy"`
	LastUpdate time.Time `json:"last_update"`
	ErrorCount uint32    `json:"error_count"`
}

// HealthTracker keeps per-source success/failure state updated on
// every adapter fetch. It is the fast path behind the health surface;
// durable cumulative totals live in the history store.
type HealthTracker struct {
	mu     sync.RWMutex
	status map[OracleKind]SourceHealth
	now    func() time.Time
}

// NewHealthTracker returns an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		status: make(map[OracleKind]SourceHealth),
		now:    time.Now,
	}
}

// Record notes one fetch outcome. Success marks the source healthy,
// stamps the update time and clears the error streak; failure marks it
// unhealthy and extends the streak, leaving the last success time as is.
func (t *HealthTracker) Record(source OracleKind, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.status[source]
	if ok {
		h.Healthy = true
		h.LastUpdate = t.now()
		h.ErrorCount = 0
	} else {
		h.Healthy = false
		h.ErrorCount++
	}
	t.status[source] = h
}

// Status returns the record for one source.
func (t *HealthTracker) Status(source OracleKind) (SourceHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.status[source]
	return h, ok
}

// Snapshot copies the full health map.
func (t *HealthTracker) Snapshot() map[OracleKind]SourceHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[OracleKind]SourceHealth, len(t.status))
	for k, v := range t.status {
		out[k] = v
	}
	return out
}
