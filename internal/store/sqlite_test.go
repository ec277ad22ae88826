package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "viraltrace.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func testSession(id string, status model.SessionStatus) *model.TraceSession {
	s := model.NewSession(id,
		model.TraceInput{Kind: model.InputHashtag, Value: "#storm"},
		model.AlgorithmHybrid, 30)
	s.AddItem(model.ContentItem{
		ID:             "item-1",
		Platform:       model.PlatformTwitter,
		AuthorHandle:   "alice",
		Text:           "breaking news",
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RawPayloadHash: "deadbeef",
	})
	s.AddEdge(model.PropagationEdge{
		FromID: "item-2", ToID: "item-1",
		Relation: model.RelationExplicitReshare, Weight: 1.0,
	})
	s.BudgetConsumed = 7
	if status.Terminal() {
		s.Finalize(status)
	}
	return s
}

func TestSQLite_SessionRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sess := testSession("s-1", model.StatusComplete)
	sess.Timeline = &model.TimelineMetrics{SpanSeconds: 3600}
	require.NoError(t, st.SaveSession(ctx, sess))

	got, err := st.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.Equal(t, model.AlgorithmHybrid, got.Algorithm)
	assert.Equal(t, "#storm", got.Input.Value)
	assert.Equal(t, 7, got.BudgetConsumed)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "item-1", got.Items[0].ID)
	require.Len(t, got.Edges, 1)
	assert.Equal(t, model.RelationExplicitReshare, got.Edges[0].Relation)
	require.NotNil(t, got.Timeline)
	assert.Equal(t, 3600.0, got.Timeline.SpanSeconds)
}

func TestSQLite_SaveSessionUpserts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sess := testSession("s-2", model.StatusRunning)
	require.NoError(t, st.SaveSession(ctx, sess))

	require.NoError(t, sess.Finalize(model.StatusBudgetExhausted))
	sess.BudgetConsumed = 30
	require.NoError(t, st.SaveSession(ctx, sess))

	got, err := st.GetSession(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBudgetExhausted, got.Status)
	assert.Equal(t, 30, got.BudgetConsumed)
}

func TestSQLite_GetSessionNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListSessionsByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveSession(ctx, testSession("s-a", model.StatusComplete)))
	require.NoError(t, st.SaveSession(ctx, testSession("s-b", model.StatusCycleDetected)))
	require.NoError(t, st.SaveSession(ctx, testSession("s-c", model.StatusComplete)))

	complete, err := st.ListSessions(ctx, SessionFilter{Status: model.StatusComplete})
	require.NoError(t, err)
	assert.Len(t, complete, 2)

	all, err := st.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := st.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestSQLite_CandidatesRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSession(ctx, testSession("s-cand", model.StatusComplete)))

	cands := []model.OriginCandidate{
		{ContentID: "item-1", Rank: 0, ClusterID: "cl-1", Confidence: model.ConfidenceScore{
			Value:          0.82,
			Factors:        map[string]float64{model.FactorChronoGap: 0.3, model.FactorStructural: 0.32, model.FactorCorroboration: 0.2},
			WeightsVersion: "v1",
		}},
		{ContentID: "item-9", Rank: 1, Confidence: model.ConfidenceScore{Value: 0.4, WeightsVersion: "v1"}},
	}
	require.NoError(t, st.SaveCandidates(ctx, "s-cand", cands))

	got, err := st.GetCandidates(ctx, "s-cand")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "item-1", got[0].ContentID)
	assert.Equal(t, 0.82, got[0].Confidence.Value)
	assert.Equal(t, "cl-1", got[0].ClusterID)
	assert.Empty(t, got[1].ClusterID)

	// Re-saving replaces, not appends.
	require.NoError(t, st.SaveCandidates(ctx, "s-cand", cands[:1]))
	got, err = st.GetCandidates(ctx, "s-cand")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLite_EvidenceRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveSession(ctx, testSession("s-ev", model.StatusComplete)))

	record := &model.EvidenceRecord{
		RecordID:    "rec-1",
		SessionID:   "s-ev",
		GeneratedAt: time.Now().UTC(),
		Snapshots: []model.SnapshotEntry{
			{ContentID: "item-1", PayloadHash: "deadbeef", ChainHash: "abc123"},
		},
		SessionStatus:          model.StatusComplete,
		ExportFormatsAvailable: []string{"json"},
	}
	require.NoError(t, st.SaveEvidence(ctx, record))

	got, err := st.GetEvidence(ctx, "s-ev")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.RecordID)
	require.Len(t, got.Snapshots, 1)
	assert.Equal(t, "abc123", got.Snapshots[0].ChainHash)

	_, err = st.GetEvidence(ctx, "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_FailedFetchQueue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := resilience.FailedFetch{
		ID:           "ff-1",
		SessionID:    "s-1",
		Platform:     model.PlatformReddit,
		Ref:          "t3_abc",
		Error:        "503 service unavailable",
		ErrorType:    "transient",
		MaxRetries:   3,
		NextRetryAt:  time.Now().Add(-time.Minute), // already eligible
		CreatedAt:    time.Now().UTC(),
		LastFailedAt: time.Now().UTC(),
	}
	require.NoError(t, st.EnqueueFailedFetch(ctx, entry))

	// Not yet eligible entries stay hidden.
	future := entry
	future.ID = "ff-2"
	future.NextRetryAt = time.Now().Add(time.Hour)
	require.NoError(t, st.EnqueueFailedFetch(ctx, future))

	entries, err := st.ListFailedFetches(ctx, resilience.FailedFetchFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ff-1", entries[0].ID)
	assert.Equal(t, model.PlatformReddit, entries[0].Platform)
	assert.True(t, entries[0].CanRetry())

	require.NoError(t, st.DeleteFailedFetch(ctx, "ff-1"))
	assert.ErrorIs(t, st.DeleteFailedFetch(ctx, "ff-1"), ErrNotFound)
}
