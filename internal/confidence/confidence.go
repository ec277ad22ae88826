// Package confidence fuses trace signals into a single explainable score
// for each origin candidate. Fusion is a weighted sum over normalized
// signals; the weight table is versioned so scores from different runs
// can be compared honestly.
package confidence

import (
	"math"
	"time"

	"github.com/osint-labs/viraltrace/internal/model"
)

// Signals carries the normalized inputs for one candidate. The engine is
// responsible for computing these from the session; the scorer never looks
// at raw items.
type Signals struct {
	// Gap is the time between the candidate and the next-earliest item in
	// its chain or cluster. Larger gaps mean the candidate stands clearly
	// apart in time.
	Gap time.Duration
	// Centrality is the candidate's in-degree percentile within its
	// cluster, in [0,1]. Zero when no network structure was analyzed.
	Centrality float64
	// HasStructure reports whether a network traversal contributed edges.
	// When false the structural weight is redistributed across the other
	// factors rather than silently scoring zero.
	HasStructure bool
	// Corroboration is the fraction of independent methods that agreed on
	// this candidate, in [0,1].
	Corroboration float64
	// Singleton marks a candidate whose cluster has a single member.
	Singleton bool
	// Provisional marks a session that ended early (budget exhausted or
	// cancelled), so the score is based on partial evidence.
	Provisional bool
}

// Scorer computes confidence scores from a fixed weight table.
type Scorer struct {
	weights Weights

	// gapSaturation controls how quickly the chronological gap signal
	// approaches 1.0. A gap equal to the saturation constant scores 0.5.
	gapSaturation time.Duration

	provisionalMultiplier float64
	singletonPenalty      float64
}

// Option customizes a Scorer.
type Option func(*Scorer)

// WithGapSaturation overrides the gap normalization constant.
func WithGapSaturation(d time.Duration) Option {
	return func(s *Scorer) { s.gapSaturation = d }
}

// WithProvisionalMultiplier overrides the discount applied to sessions
// that ended before exhausting their trace.
func WithProvisionalMultiplier(m float64) Option {
	return func(s *Scorer) { s.provisionalMultiplier = m }
}

// WithSingletonPenalty overrides the multiplier applied to singleton
// cluster candidates.
func WithSingletonPenalty(p float64) Option {
	return func(s *Scorer) { s.singletonPenalty = p }
}

// NewScorer builds a scorer over the given weight table.
func NewScorer(w Weights, opts ...Option) *Scorer {
	s := &Scorer{
		weights:               w,
		gapSaturation:         6 * time.Hour,
		provisionalMultiplier: 0.85,
		singletonPenalty:      0.5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score fuses the signals into a confidence score. The factor map holds
// per-factor contributions after weight redistribution, so summing the map
// reproduces the pre-multiplier value.
func (s *Scorer) Score(sig Signals) model.ConfidenceScore {
	wGap, wStruct, wCorr := s.effectiveWeights(sig.HasStructure)

	gap := normalizeGap(sig.Gap, s.gapSaturation)
	centrality := clamp01(sig.Centrality)
	corroboration := clamp01(sig.Corroboration)

	factors := map[string]float64{
		model.FactorChronoGap:     wGap * gap,
		model.FactorCorroboration: wCorr * corroboration,
	}
	if sig.HasStructure {
		factors[model.FactorStructural] = wStruct * centrality
	}

	value := 0.0
	for _, c := range factors {
		value += c
	}
	if sig.Singleton {
		value *= s.singletonPenalty
	}
	if sig.Provisional {
		value *= s.provisionalMultiplier
	}

	return model.ConfidenceScore{
		Value:          clamp01(value),
		Factors:        factors,
		Provisional:    sig.Provisional,
		WeightsVersion: s.weights.Version,
	}
}

// effectiveWeights redistributes the structural weight proportionally
// across the remaining factors when no network structure exists, keeping
// the effective weights summing to 1.
func (s *Scorer) effectiveWeights(hasStructure bool) (gap, structural, corroboration float64) {
	w := s.weights
	if hasStructure {
		return w.ChronologicalGap, w.Structural, w.Corroboration
	}
	rest := w.ChronologicalGap + w.Corroboration
	if rest <= 0 {
		return 0.5, 0, 0.5
	}
	gap = w.ChronologicalGap + w.Structural*(w.ChronologicalGap/rest)
	corroboration = w.Corroboration + w.Structural*(w.Corroboration/rest)
	return gap, 0, corroboration
}

// normalizeGap maps a time gap onto [0,1) with saturation, so an extreme
// gap cannot dominate the fused score.
func normalizeGap(gap, saturation time.Duration) float64 {
	if gap <= 0 {
		return 0
	}
	g := gap.Seconds()
	return g / (g + saturation.Seconds())
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
