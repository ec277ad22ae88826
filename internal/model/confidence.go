package model

// Factor names used in confidence breakdowns.
const (
	FactorChronoGap     = "chronological_gap"
	FactorStructural    = "structural"
	FactorCorroboration = "corroboration"
)

// ConfidenceScore is the fused, explainable confidence in an origin
// candidate. Factors holds the per-factor contribution (weight times the
// normalized signal), so the sum of contributions equals Value before the
// provisional multiplier is applied.
type ConfidenceScore struct {
	Value          float64            `json:"value"` // in [0,1]
	Factors        map[string]float64 `json:"factors"`
	Provisional    bool               `json:"provisional,omitempty"` // budget ran out or session cancelled
	WeightsVersion string             `json:"weights_version"`
}

// OriginCandidate is one item judged as a possible first occurrence.
// Rank 0 is the top pick for the session.
type OriginCandidate struct {
	ContentID  string          `json:"content_id"`
	Confidence ConfidenceScore `json:"confidence"`
	Rank       int             `json:"rank"`
	ClusterID  string          `json:"cluster_id,omitempty"`
}
