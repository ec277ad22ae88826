package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osint-labs/viraltrace/internal/budget"
	"github.com/osint-labs/viraltrace/internal/confidence"
	"github.com/osint-labs/viraltrace/internal/evidence"
	"github.com/osint-labs/viraltrace/internal/graph"
	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/monitoring"
	"github.com/osint-labs/viraltrace/internal/resilience"
	"github.com/osint-labs/viraltrace/internal/store"
	"github.com/osint-labs/viraltrace/internal/trace"
	"github.com/osint-labs/viraltrace/pkg/simscore"
	"github.com/osint-labs/viraltrace/pkg/socialapi"
)

// stubFetcher serves a canned reshare chain without network access.
type stubFetcher struct {
	items map[string]model.ContentItem
}

func (f *stubFetcher) Fetch(_ context.Context, _ model.Platform, ref string) (*model.ContentItem, error) {
	if it, ok := f.items[ref]; ok {
		return &it, nil
	}
	return nil, socialapi.ErrNotFound
}

func (f *stubFetcher) Search(context.Context, model.Platform, string, int) ([]model.ContentItem, error) {
	return nil, nil
}

func stubItem(id, parent string, at time.Time) model.ContentItem {
	return model.ContentItem{
		ID:             id,
		Platform:       model.PlatformTwitter,
		AuthorHandle:   "author_" + id,
		Text:           "spreading fast",
		CreatedAt:      at,
		ParentRef:      parent,
		RawPayloadHash: socialapi.HashPayload([]byte(id)),
	}
}

// newServerEnv builds a router over a throwaway sqlite store and an
// engine backed by the stub fetcher.
func newServerEnv(t *testing.T, seedURL string) (http.Handler, *trace.Engine, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &stubFetcher{items: map[string]model.ContentItem{
		seedURL: stubItem("d", "c", at.Add(3*time.Hour)),
		"c":     stubItem("c", "b", at.Add(2*time.Hour)),
		"b":     stubItem("b", "a", at.Add(time.Hour)),
		"a":     stubItem("a", "", at),
	}}

	mgr := budget.NewManager(budget.DefaultConfig(), fetcher, simscore.NewLexical()).
		WithRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	analyzer := graph.NewAnalyzer(graph.DefaultConfig(), simscore.NewLexical().Score)
	scorer := confidence.NewScorer(confidence.DefaultWeights())
	engine := trace.NewEngine(trace.DefaultConfig(), mgr, analyzer, scorer, trace.WithPersister(st))

	router := buildRouter(engine, st, monitoring.NewCollector(st, mgr), []string{"*"})
	return router, engine, st
}

func TestRouter_Health(t *testing.T) {
	router, _, _ := newServerEnv(t, "https://twitter.com/u/status/d")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_PostTrace_InvalidJSON(t *testing.T) {
	router, _, _ := newServerEnv(t, "https://twitter.com/u/status/d")

	req := httptest.NewRequest(http.MethodPost, "/traces", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestRouter_PostTrace_UnclassifiableInput(t *testing.T) {
	router, _, _ := newServerEnv(t, "https://twitter.com/u/status/d")

	body, _ := json.Marshal(map[string]any{"input": "not a url or handle"})
	req := httptest.NewRequest(http.MethodPost, "/traces", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_TraceLifecycle(t *testing.T) {
	seed := "https://twitter.com/u/status/d"
	router, engine, _ := newServerEnv(t, seed)

	body, _ := json.Marshal(map[string]any{
		"input":     seed,
		"algorithm": "chronological",
	})
	req := httptest.NewRequest(http.MethodPost, "/traces", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	id := accepted["session_id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "running", accepted["status"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := engine.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusComplete, res.Session.Status)

	// The finished session is served from the engine.
	req = httptest.NewRequest(http.MethodGet, "/traces/"+id, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"complete"`)
	assert.Contains(t, rr.Body.String(), `"a"`)

	// Evidence was persisted by the engine and is exportable.
	req = httptest.NewRequest(http.MethodGet, "/traces/"+id+"/evidence", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var record model.EvidenceRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &record))
	assert.Equal(t, id, record.SessionID)
	assert.Len(t, record.Snapshots, 4)
	assert.NoError(t, evidence.Verify(&record))
}

func TestRouter_GetTrace_Unknown(t *testing.T) {
	router, _, _ := newServerEnv(t, "https://twitter.com/u/status/d")

	req := httptest.NewRequest(http.MethodGet, "/traces/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "session not found")
}

func TestRouter_GetEvidence_Unknown(t *testing.T) {
	router, _, _ := newServerEnv(t, "https://twitter.com/u/status/d")

	req := httptest.NewRequest(http.MethodGet, "/traces/nope/evidence", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_DeleteTrace_Unknown(t *testing.T) {
	router, _, _ := newServerEnv(t, "https://twitter.com/u/status/d")

	req := httptest.NewRequest(http.MethodDelete, "/traces/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_Status(t *testing.T) {
	router, _, _ := newServerEnv(t, "https://twitter.com/u/status/d")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestRouter_Status_BadLookback(t *testing.T) {
	router, _, _ := newServerEnv(t, "https://twitter.com/u/status/d")

	req := httptest.NewRequest(http.MethodGet, "/status?lookback=zero", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
