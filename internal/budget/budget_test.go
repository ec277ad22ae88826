package budget

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
	"github.com/osint-labs/viraltrace/pkg/simscore"
)

// fakeFetcher serves canned items and counts backend calls.
type fakeFetcher struct {
	items    map[string]model.ContentItem
	searches map[string][]model.ContentItem
	calls    atomic.Int64
}

func (f *fakeFetcher) Fetch(_ context.Context, _ model.Platform, ref string) (*model.ContentItem, error) {
	f.calls.Add(1)
	item, ok := f.items[ref]
	if !ok {
		return nil, fmt.Errorf("no such item %s", ref)
	}
	return &item, nil
}

func (f *fakeFetcher) Search(_ context.Context, _ model.Platform, query string, limit int) ([]model.ContentItem, error) {
	f.calls.Add(1)
	items := f.searches[query]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestManager(f *fakeFetcher) *Manager {
	return NewManager(DefaultConfig(), f, simscore.NewLexical()).WithRetry(fastRetry())
}

func item(id string) model.ContentItem {
	return model.ContentItem{
		ID:             id,
		Platform:       model.PlatformTwitter,
		AuthorHandle:   "@a",
		CreatedAt:      time.Now().UTC(),
		RawPayloadHash: "hash-" + id,
	}
}

func TestFetchItem_ChargesOneUnit(t *testing.T) {
	f := &fakeFetcher{items: map[string]model.ContentItem{"tw-1": item("tw-1")}}
	sb := newTestManager(f).Session("s1", 5)

	got, err := sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-1")
	require.NoError(t, err)
	assert.Equal(t, "tw-1", got.ID)
	assert.Equal(t, 1, sb.Consumed())
	assert.Equal(t, 4, sb.Remaining())
}

func TestFetchItem_CacheHitIsFree(t *testing.T) {
	f := &fakeFetcher{items: map[string]model.ContentItem{"tw-1": item("tw-1")}}
	sb := newTestManager(f).Session("s1", 5)

	_, err := sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-1")
	require.NoError(t, err)
	_, err = sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-1")
	require.NoError(t, err)

	assert.Equal(t, 1, sb.Consumed(), "second fetch must not decrement budget")
	assert.Equal(t, int64(1), f.calls.Load(), "second fetch must not hit the backend")

	audit := sb.Audit()
	require.Len(t, audit, 2)
	assert.False(t, audit[0].CacheHit)
	assert.True(t, audit[1].CacheHit)
	assert.Zero(t, audit[1].Cost)
}

func TestFetch_StampsRetrievalTime(t *testing.T) {
	f := &fakeFetcher{
		items:    map[string]model.ContentItem{"tw-1": item("tw-1")},
		searches: map[string][]model.ContentItem{"#q": {item("tw-2"), item("tw-3")}},
	}
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	sb := newTestManager(f).WithNow(func() time.Time { return now }).Session("s1", 10)

	got, err := sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-1")
	require.NoError(t, err)
	assert.Equal(t, now, got.FetchedAt)
	assert.NotEqual(t, got.CreatedAt, got.FetchedAt, "retrieval time is not the post time")

	items, err := sb.Search(context.Background(), model.PlatformTwitter, "#q", 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, now, it.FetchedAt)
	}
}

func TestFetchItem_DeniedAtCap(t *testing.T) {
	f := &fakeFetcher{items: map[string]model.ContentItem{
		"tw-1": item("tw-1"), "tw-2": item("tw-2"), "tw-3": item("tw-3"),
	}}
	sb := newTestManager(f).Session("s1", 2)

	_, err := sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-1")
	require.NoError(t, err)
	_, err = sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-2")
	require.NoError(t, err)

	_, err = sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-3")
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, 2, sb.Consumed(), "denied acquisition must not consume")
}

func TestFetchItem_WindowQuotaDenies(t *testing.T) {
	f := &fakeFetcher{items: map[string]model.ContentItem{
		"tw-1": item("tw-1"), "tw-2": item("tw-2"),
	}}
	cfg := DefaultConfig()
	cfg.WindowQuota = 1
	mgr := NewManager(cfg, f, simscore.NewLexical()).WithRetry(fastRetry())
	sb := mgr.Session("s1", 10)

	_, err := sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-1")
	require.NoError(t, err)
	_, err = sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-2")
	assert.ErrorIs(t, err, ErrDenied)
}

func TestFetchItem_WindowPrunesOldGrants(t *testing.T) {
	f := &fakeFetcher{items: map[string]model.ContentItem{
		"tw-1": item("tw-1"), "tw-2": item("tw-2"),
	}}
	cfg := DefaultConfig()
	cfg.WindowQuota = 1
	cfg.WindowDays = 1

	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(cfg, f, simscore.NewLexical()).WithRetry(fastRetry())
	mgr.WithNow(func() time.Time { return clock })

	sb := mgr.Session("s1", 10)
	_, err := sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-1")
	require.NoError(t, err)

	// Advance past the window: the old grant no longer counts.
	clock = clock.Add(25 * time.Hour)
	_, err = sb.FetchItem(context.Background(), model.PlatformTwitter, "tw-2")
	assert.NoError(t, err)
}

func TestSearch_ChargesPerItem(t *testing.T) {
	f := &fakeFetcher{searches: map[string][]model.ContentItem{
		"#storm": {item("tw-1"), item("tw-2"), item("tw-3")},
	}}
	sb := newTestManager(f).Session("s1", 10)

	items, err := sb.Search(context.Background(), model.PlatformTwitter, "#storm", 20)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 3, sb.Consumed())
}

func TestSearch_ClampedToRemaining(t *testing.T) {
	f := &fakeFetcher{searches: map[string][]model.ContentItem{
		"#storm": {item("tw-1"), item("tw-2"), item("tw-3"), item("tw-4")},
	}}
	sb := newTestManager(f).Session("s1", 2)

	items, err := sb.Search(context.Background(), model.PlatformTwitter, "#storm", 20)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, sb.Consumed())
}

func TestSearch_CacheKeyNormalization(t *testing.T) {
	f := &fakeFetcher{searches: map[string][]model.ContentItem{
		"#storm": {item("tw-1")},
	}}
	sb := newTestManager(f).Session("s1", 10)

	_, err := sb.Search(context.Background(), model.PlatformTwitter, "#storm", 5)
	require.NoError(t, err)

	// Different case and padding, same normalized key: cache hit, no charge.
	items, err := sb.Search(context.Background(), model.PlatformTwitter, "  #STORM ", 5)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, sb.Consumed())
	assert.Equal(t, int64(1), f.calls.Load())
}

func TestFetchBatch_BudgetInvariantHolds(t *testing.T) {
	items := make(map[string]model.ContentItem)
	refs := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("tw-%d", i)
		items[id] = item(id)
		refs = append(refs, id)
	}
	f := &fakeFetcher{items: items}
	sb := newTestManager(f).Session("s1", 4)

	got, err := sb.FetchBatch(context.Background(), model.PlatformTwitter, refs)
	assert.ErrorIs(t, err, ErrDenied)
	assert.LessOrEqual(t, len(got), 4)
	assert.LessOrEqual(t, sb.Consumed(), 4, "consumed must never exceed allocated")
}

func TestSimilarity_NotMetered(t *testing.T) {
	f := &fakeFetcher{}
	sb := newTestManager(f).Session("s1", 1)

	score, err := sb.Similarity(context.Background(), "wildfire spreading fast tonight", "wildfire spreading fast tonight")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Zero(t, sb.Consumed())
}

func TestCacheKey_Folds(t *testing.T) {
	assert.Equal(t,
		CacheKey(model.PlatformTwitter, "#Storm"),
		CacheKey(model.PlatformTwitter, " #storm "),
	)
	assert.NotEqual(t,
		CacheKey(model.PlatformTwitter, "#storm"),
		CacheKey(model.PlatformReddit, "#storm"),
	)
}

// transientFetcher always fails with a retryable upstream error.
type transientFetcher struct {
	calls atomic.Int64
}

func (f *transientFetcher) Fetch(_ context.Context, _ model.Platform, _ string) (*model.ContentItem, error) {
	f.calls.Add(1)
	return nil, resilience.NewTransientError(fmt.Errorf("upstream 503"), 503)
}

func (f *transientFetcher) Search(_ context.Context, _ model.Platform, _ string, _ int) ([]model.ContentItem, error) {
	f.calls.Add(1)
	return nil, resilience.NewTransientError(fmt.Errorf("upstream 503"), 503)
}

func TestFetchItem_OpenCircuitSpendsNothing(t *testing.T) {
	f := &transientFetcher{}
	mgr := NewManager(DefaultConfig(), f, simscore.NewLexical()).
		WithRetry(fastRetry()).
		WithCircuit(resilience.CircuitConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	sb := mgr.Session("s1", 10)

	_, err := sb.FetchItem(context.Background(), model.PlatformTwitter, "x1")
	require.Error(t, err)
	assert.Equal(t, 1, sb.Consumed(), "the failed grant is consumed")
	assert.Equal(t, int64(2), f.calls.Load(), "one retry before giving up")

	_, err = sb.FetchItem(context.Background(), model.PlatformTwitter, "x2")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 1, sb.Consumed(), "rejected calls must not consume budget")
	assert.Equal(t, int64(2), f.calls.Load(), "rejected calls never reach the backend")

	assert.Equal(t, "open", mgr.CircuitStates()[model.PlatformTwitter])
}

func TestCircuits_IsolatedPerPlatform(t *testing.T) {
	f := &transientFetcher{}
	mgr := NewManager(DefaultConfig(), f, simscore.NewLexical()).
		WithRetry(fastRetry()).
		WithCircuit(resilience.CircuitConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	sb := mgr.Session("s1", 10)

	_, err := sb.FetchItem(context.Background(), model.PlatformTwitter, "x1")
	require.Error(t, err)

	_, err = sb.FetchItem(context.Background(), model.PlatformReddit, "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, resilience.ErrCircuitOpen, "reddit circuit starts closed")
}
