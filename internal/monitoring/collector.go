package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
	"github.com/osint-labs/viraltrace/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Trace session metrics (within lookback window).
	TraceTotal     int     `json:"trace_total"`
	TraceComplete  int     `json:"trace_complete"`
	TraceExhausted int     `json:"trace_exhausted"`
	TraceCycle     int     `json:"trace_cycle"`
	TraceNoResult  int     `json:"trace_no_result"`
	TraceCancelled int     `json:"trace_cancelled"`
	TraceRunning   int     `json:"trace_running"`
	ExhaustionRate float64 `json:"exhaustion_rate"`

	// Budget metrics aggregated over the same sessions.
	BudgetAllocated int     `json:"budget_allocated"`
	BudgetConsumed  int     `json:"budget_consumed"`
	AvgConsumed     float64 `json:"avg_consumed"`

	// Fetch cache metrics from the audit trail.
	CacheHits    int     `json:"cache_hits"`
	CacheMisses  int     `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`

	// Failed fetch queue depth.
	DLQDepth int `json:"dlq_depth"`

	// Per-platform circuit breaker states.
	Circuits map[string]string `json:"circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BudgetStats abstracts the budget manager methods needed by the collector.
type BudgetStats interface {
	Trail() []model.AuditEntry
	CircuitStates() map[model.Platform]string
}

// Collector gathers metrics from the store and the budget manager.
type Collector struct {
	store   store.Store
	budgets BudgetStats
}

// NewCollector creates a new metrics collector. budgets may be nil when no
// in-process budget manager is available.
func NewCollector(st store.Store, budgets BudgetStats) *Collector {
	return &Collector{store: st, budgets: budgets}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	sessions, err := c.store.ListSessions(ctx, store.SessionFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sessions")
	}

	snap.TraceTotal = len(sessions)
	for _, s := range sessions {
		switch s.Status {
		case model.StatusComplete:
			snap.TraceComplete++
		case model.StatusBudgetExhausted:
			snap.TraceExhausted++
		case model.StatusCycleDetected:
			snap.TraceCycle++
		case model.StatusNoResult:
			snap.TraceNoResult++
		case model.StatusCancelled:
			snap.TraceCancelled++
		case model.StatusRunning:
			snap.TraceRunning++
		}
		snap.BudgetAllocated += s.BudgetAllocated
		snap.BudgetConsumed += s.BudgetConsumed
	}

	finished := snap.TraceTotal - snap.TraceRunning
	if finished > 0 {
		snap.ExhaustionRate = float64(snap.TraceExhausted) / float64(finished)
	}
	if snap.TraceTotal > 0 {
		snap.AvgConsumed = float64(snap.BudgetConsumed) / float64(snap.TraceTotal)
	}

	// Cache and circuit metrics come from the in-process budget manager.
	if c.budgets != nil {
		for _, entry := range c.budgets.Trail() {
			if entry.Timestamp.Before(cutoff) {
				continue
			}
			if entry.CacheHit {
				snap.CacheHits++
			} else {
				snap.CacheMisses++
			}
		}
		if total := snap.CacheHits + snap.CacheMisses; total > 0 {
			snap.CacheHitRate = float64(snap.CacheHits) / float64(total)
		}

		states := c.budgets.CircuitStates()
		if len(states) > 0 {
			snap.Circuits = make(map[string]string, len(states))
			for platform, state := range states {
				snap.Circuits[string(platform)] = state
			}
		}
	}

	// Failed fetch backlog.
	parked, err := c.store.ListFailedFetches(ctx, resilience.FailedFetchFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failed fetches")
	}
	snap.DLQDepth = len(parked)

	return snap, nil
}
