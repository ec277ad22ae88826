package confidence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osint-labs/viraltrace/internal/model"
)

func TestDefaultWeights_Valid(t *testing.T) {
	w := DefaultWeights()
	require.NoError(t, w.Validate())
	assert.Equal(t, "v1", w.Version)
	assert.InDelta(t, 1.0, w.ChronologicalGap+w.Structural+w.Corroboration, 1e-9)
}

func TestLoadWeights_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	body := "version: v2\nchronological_gap: 0.5\nstructural: 0.25\ncorroboration: 0.25\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	w, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", w.Version)
	assert.Equal(t, 0.5, w.ChronologicalGap)
}

func TestLoadWeights_RejectsBadSum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	body := "version: v2\nchronological_gap: 0.9\nstructural: 0.9\ncorroboration: 0.9\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadWeights(path)
	assert.Error(t, err)
}

func TestLoadWeights_EmptyPathDefaults(t *testing.T) {
	w, err := LoadWeights("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWeights(), w)
}

func TestScore_ValueInRange(t *testing.T) {
	s := NewScorer(DefaultWeights())
	score := s.Score(Signals{
		Gap:           100 * time.Hour,
		Centrality:    1.0,
		HasStructure:  true,
		Corroboration: 1.0,
	})
	assert.GreaterOrEqual(t, score.Value, 0.0)
	assert.LessOrEqual(t, score.Value, 1.0)
	assert.Equal(t, "v1", score.WeightsVersion)
}

func TestScore_FactorsSumToValue(t *testing.T) {
	s := NewScorer(DefaultWeights())
	score := s.Score(Signals{
		Gap:           2 * time.Hour,
		Centrality:    0.75,
		HasStructure:  true,
		Corroboration: 1.0,
	})
	sum := 0.0
	for _, c := range score.Factors {
		sum += c
	}
	assert.InDelta(t, score.Value, sum, 1e-9)
}

func TestScore_ChainOnlyRedistributesStructural(t *testing.T) {
	s := NewScorer(DefaultWeights())
	score := s.Score(Signals{
		Gap:           6 * time.Hour, // normalizes to exactly 0.5
		Corroboration: 1.0,
	})

	assert.NotContains(t, score.Factors, model.FactorStructural)
	// 0.35 structural redistributed proportionally across 0.35 and 0.30.
	wantGap := 0.35 + 0.35*(0.35/0.65)
	wantCorr := 0.30 + 0.35*(0.30/0.65)
	assert.InDelta(t, wantGap*0.5, score.Factors[model.FactorChronoGap], 1e-9)
	assert.InDelta(t, wantCorr*1.0, score.Factors[model.FactorCorroboration], 1e-9)
}

func TestScore_GapSaturates(t *testing.T) {
	s := NewScorer(DefaultWeights())
	small := s.Score(Signals{Gap: time.Minute, HasStructure: true})
	big := s.Score(Signals{Gap: 1000 * time.Hour, HasStructure: true})

	assert.Greater(t, big.Value, small.Value)
	assert.Less(t, big.Factors[model.FactorChronoGap], 0.35,
		"gap contribution must stay below its weight")
}

func TestScore_ZeroGapZeroContribution(t *testing.T) {
	s := NewScorer(DefaultWeights())
	score := s.Score(Signals{Gap: 0, HasStructure: true})
	assert.Zero(t, score.Factors[model.FactorChronoGap])
}

func TestScore_ProvisionalDiscount(t *testing.T) {
	s := NewScorer(DefaultWeights())
	sig := Signals{Gap: time.Hour, Centrality: 0.8, HasStructure: true, Corroboration: 1.0}

	full := s.Score(sig)
	sig.Provisional = true
	partial := s.Score(sig)

	assert.True(t, partial.Provisional)
	assert.InDelta(t, full.Value*0.85, partial.Value, 1e-9)
}

func TestScore_SingletonPenalty(t *testing.T) {
	s := NewScorer(DefaultWeights())
	sig := Signals{Gap: time.Hour, HasStructure: true, Centrality: 0.5}

	base := s.Score(sig)
	sig.Singleton = true
	penalized := s.Score(sig)

	assert.InDelta(t, base.Value*0.5, penalized.Value, 1e-9)
}

func TestScore_ClampsOutOfRangeSignals(t *testing.T) {
	s := NewScorer(DefaultWeights())
	score := s.Score(Signals{
		Gap:           time.Hour,
		Centrality:    3.0,
		HasStructure:  true,
		Corroboration: -1.0,
	})
	assert.LessOrEqual(t, score.Factors[model.FactorStructural], 0.35+1e-9)
	assert.Zero(t, score.Factors[model.FactorCorroboration])
}
