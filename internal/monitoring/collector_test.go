package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
	"github.com/osint-labs/viraltrace/internal/store"
)

// mockStore implements store.Store for testing.
type mockStore struct {
	sessions []model.TraceSession
	parked   []resilience.FailedFetch
	listErr  error
}

func (m *mockStore) ListSessions(_ context.Context, filter store.SessionFilter) ([]model.TraceSession, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var filtered []model.TraceSession
	for _, s := range m.sessions {
		if !filter.CreatedAfter.IsZero() && s.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		filtered = append(filtered, s)
	}
	return filtered, nil
}

func (m *mockStore) ListFailedFetches(context.Context, resilience.FailedFetchFilter) ([]resilience.FailedFetch, error) {
	return m.parked, nil
}

// Unused store methods, present to satisfy the interface.
func (m *mockStore) SaveSession(context.Context, *model.TraceSession) error { return nil }
func (m *mockStore) GetSession(context.Context, string) (*model.TraceSession, error) {
	return nil, nil
}
func (m *mockStore) SaveCandidates(context.Context, string, []model.OriginCandidate) error {
	return nil
}
func (m *mockStore) GetCandidates(context.Context, string) ([]model.OriginCandidate, error) {
	return nil, nil
}
func (m *mockStore) SaveEvidence(context.Context, *model.EvidenceRecord) error { return nil }
func (m *mockStore) GetEvidence(context.Context, string) (*model.EvidenceRecord, error) {
	return nil, nil
}
func (m *mockStore) EnqueueFailedFetch(context.Context, resilience.FailedFetch) error { return nil }
func (m *mockStore) DeleteFailedFetch(context.Context, string) error                  { return nil }
func (m *mockStore) Migrate(context.Context) error                                    { return nil }
func (m *mockStore) Close() error                                                     { return nil }

// mockBudget implements BudgetStats for testing.
type mockBudget struct {
	trail    []model.AuditEntry
	circuits map[model.Platform]string
}

func (m *mockBudget) Trail() []model.AuditEntry                { return m.trail }
func (m *mockBudget) CircuitStates() map[model.Platform]string { return m.circuits }

func TestCollector_EmptyStore(t *testing.T) {
	st := &mockStore{}
	c := NewCollector(st, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.TraceTotal)
	assert.Equal(t, 0.0, snap.ExhaustionRate)
	assert.Equal(t, 0, snap.DLQDepth)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_SessionMetrics(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		sessions: []model.TraceSession{
			{SessionID: "1", Status: model.StatusComplete, CreatedAt: now.Add(-1 * time.Hour), BudgetAllocated: 5, BudgetConsumed: 4},
			{SessionID: "2", Status: model.StatusComplete, CreatedAt: now.Add(-2 * time.Hour), BudgetAllocated: 30, BudgetConsumed: 12},
			{SessionID: "3", Status: model.StatusBudgetExhausted, CreatedAt: now.Add(-3 * time.Hour), BudgetAllocated: 5, BudgetConsumed: 5},
			{SessionID: "4", Status: model.StatusRunning, CreatedAt: now.Add(-30 * time.Minute), BudgetAllocated: 30, BudgetConsumed: 3},
			// Outside the lookback window, filtered out.
			{SessionID: "5", Status: model.StatusBudgetExhausted, CreatedAt: now.Add(-48 * time.Hour), BudgetAllocated: 5, BudgetConsumed: 5},
		},
		parked: []resilience.FailedFetch{{ID: "f1"}, {ID: "f2"}, {ID: "f3"}},
	}

	c := NewCollector(st, nil)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.TraceTotal)
	assert.Equal(t, 2, snap.TraceComplete)
	assert.Equal(t, 1, snap.TraceExhausted)
	assert.Equal(t, 1, snap.TraceRunning)
	assert.InDelta(t, 1.0/3.0, snap.ExhaustionRate, 0.001) // 1 exhausted / 3 finished
	assert.Equal(t, 70, snap.BudgetAllocated)
	assert.Equal(t, 24, snap.BudgetConsumed)
	assert.InDelta(t, 6.0, snap.AvgConsumed, 0.001)
	assert.Equal(t, 3, snap.DLQDepth)
}

func TestCollector_BudgetStats(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{}
	b := &mockBudget{
		trail: []model.AuditEntry{
			{ID: "a1", Timestamp: now.Add(-1 * time.Hour), CacheHit: false},
			{ID: "a2", Timestamp: now.Add(-1 * time.Hour), CacheHit: false},
			{ID: "a3", Timestamp: now.Add(-30 * time.Minute), CacheHit: true},
			{ID: "a4", Timestamp: now.Add(-10 * time.Minute), CacheHit: true},
			// Outside window.
			{ID: "a5", Timestamp: now.Add(-72 * time.Hour), CacheHit: true},
		},
		circuits: map[model.Platform]string{
			model.PlatformTwitter: "open",
			model.PlatformReddit:  "closed",
		},
	}

	c := NewCollector(st, b)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.CacheHits)
	assert.Equal(t, 2, snap.CacheMisses)
	assert.InDelta(t, 0.5, snap.CacheHitRate, 0.001)
	assert.Equal(t, "open", snap.Circuits["twitter"])
	assert.Equal(t, "closed", snap.Circuits["reddit"])
}

func TestCollector_NilBudgets(t *testing.T) {
	st := &mockStore{}
	c := NewCollector(st, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.CacheHits)
	assert.Nil(t, snap.Circuits)
}

func TestCollector_ExhaustionRateZeroFinished(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		sessions: []model.TraceSession{
			{SessionID: "1", Status: model.StatusRunning, CreatedAt: now.Add(-1 * time.Hour)},
			{SessionID: "2", Status: model.StatusRunning, CreatedAt: now.Add(-2 * time.Hour)},
		},
	}

	c := NewCollector(st, nil)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	// Nothing finished yet, so the rate stays at 0.
	assert.Equal(t, 0.0, snap.ExhaustionRate)
}
