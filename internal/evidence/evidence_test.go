package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/pkg/socialapi"
)

func finishedSession(t *testing.T, ids ...string) *model.TraceSession {
	t.Helper()
	s := model.NewSession("sess-1",
		model.TraceInput{Kind: model.InputHashtag, Value: "#storm"},
		model.AlgorithmNetwork, 10)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetched := at.Add(24 * time.Hour)
	for i, id := range ids {
		s.AddItem(model.ContentItem{
			ID:             id,
			Platform:       model.PlatformTwitter,
			CreatedAt:      at.Add(time.Duration(i) * time.Minute),
			FetchedAt:      fetched.Add(time.Duration(i) * time.Second),
			RawPayloadHash: socialapi.HashPayload([]byte(id)),
		})
	}
	require.NoError(t, s.Finalize(model.StatusComplete))
	return s
}

func TestPackage_ChainsInFetchOrder(t *testing.T) {
	s := finishedSession(t, "a", "b", "c")

	record, err := Package(s, nil, nil)
	require.NoError(t, err)
	require.Len(t, record.Snapshots, 3)

	assert.Equal(t, genesisHash, record.Snapshots[0].PrevHash)
	for i := 1; i < len(record.Snapshots); i++ {
		assert.Equal(t, record.Snapshots[i-1].ChainHash, record.Snapshots[i].PrevHash)
	}
	for i, snap := range record.Snapshots {
		item, ok := s.Item(snap.ContentID)
		require.True(t, ok)
		assert.Equal(t, item.FetchedAt, snap.FetchedAt, "snapshot %d carries the retrieval time", i)
		assert.NotEqual(t, item.CreatedAt, snap.FetchedAt)
	}
	assert.NoError(t, Verify(record))
	assert.Equal(t, []string{"json"}, record.ExportFormatsAvailable)
}

func TestPackage_OrderSensitive(t *testing.T) {
	forward := finishedSession(t, "a", "b", "c")
	reversed := finishedSession(t, "c", "b", "a")

	r1, err := Package(forward, nil, nil)
	require.NoError(t, err)
	r2, err := Package(reversed, nil, nil)
	require.NoError(t, err)

	last1 := r1.Snapshots[len(r1.Snapshots)-1].ChainHash
	last2 := r2.Snapshots[len(r2.Snapshots)-1].ChainHash
	assert.NotEqual(t, last1, last2, "fetch order must change the chain")
}

func TestPackage_RejectsRunningSession(t *testing.T) {
	s := model.NewSession("sess-2",
		model.TraceInput{Kind: model.InputHashtag, Value: "#x"},
		model.AlgorithmNetwork, 10)
	_, err := Package(s, nil, nil)
	assert.Error(t, err)
}

func TestPackage_TopCandidateBreakdown(t *testing.T) {
	s := finishedSession(t, "a")
	cands := []model.OriginCandidate{{
		ContentID: "a",
		Confidence: model.ConfidenceScore{
			Value:          0.7,
			Factors:        map[string]float64{model.FactorChronoGap: 0.7},
			WeightsVersion: "v1",
		},
	}}

	record, err := Package(s, cands, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.7, record.ConfidenceBreakdown.Value)
	assert.Equal(t, "v1", record.ConfidenceBreakdown.WeightsVersion)
}

func TestVerify_DetectsTampering(t *testing.T) {
	s := finishedSession(t, "a", "b", "c")
	record, err := Package(s, nil, nil)
	require.NoError(t, err)

	record.Snapshots[1].PayloadHash = socialapi.HashPayload([]byte("forged"))
	assert.Error(t, Verify(record))

	// Swapping entries breaks the prev-hash links too.
	record, err = Package(s, nil, nil)
	require.NoError(t, err)
	record.Snapshots[0], record.Snapshots[2] = record.Snapshots[2], record.Snapshots[0]
	assert.Error(t, Verify(record))
}

func TestExportJSON_RoundTrips(t *testing.T) {
	s := finishedSession(t, "a", "b")
	record, err := Package(s, nil, []model.AuditEntry{{ID: "audit-1", Cost: 1}})
	require.NoError(t, err)

	data, err := ExportJSON(record)
	require.NoError(t, err)
	assert.Contains(t, string(data), record.RecordID)
	assert.Contains(t, string(data), "audit-1")
}
