// Package graph builds a propagation graph over a batch of content items
// and ranks candidate origin nodes when explicit parent links are absent
// or broken.
package graph

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/osint-labs/viraltrace/internal/model"
)

// ScoreFunc scores similarity between two texts in [0,1]. The engine wires
// the budget manager's similarity suspension point here.
type ScoreFunc func(ctx context.Context, a, b string) (float64, error)

// Config tunes edge inference and clustering.
type Config struct {
	PairWindow          time.Duration // max Δcreated_at for a similarity comparison
	SimilarityThreshold float64       // min score for an inferred edge
	MaxAmplifiers       int           // amplifiers listed per cluster
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PairWindow:          72 * time.Hour,
		SimilarityThreshold: 0.8,
		MaxAmplifiers:       5,
	}
}

// Amplifier is a structurally central node within a cluster.
type Amplifier struct {
	ContentID    string `json:"content_id"`
	AuthorHandle string `json:"author_handle"`
	InDegree     int    `json:"in_degree"`
}

// Cluster is one viral cluster: a connected component of items linked by
// explicit reshares or inferred similarity.
type Cluster struct {
	ID                string      `json:"id"`
	ItemIDs           []string    `json:"item_ids"`
	OriginID          string      `json:"origin_id"`
	OriginCentralityP float64     `json:"origin_centrality_percentile"`
	Size              int         `json:"size"`
	AvgEngagement     float64     `json:"avg_engagement"`
	Singleton         bool        `json:"singleton"`
	Amplifiers        []Amplifier `json:"amplifiers,omitempty"`
}

// Analyzer partitions items into viral clusters and picks a candidate
// origin per cluster.
type Analyzer struct {
	cfg   Config
	score ScoreFunc
}

// NewAnalyzer creates an analyzer using the given similarity function.
func NewAnalyzer(cfg Config, score ScoreFunc) *Analyzer {
	if cfg.PairWindow <= 0 {
		cfg.PairWindow = 72 * time.Hour
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.8
	}
	if cfg.MaxAmplifiers <= 0 {
		cfg.MaxAmplifiers = 5
	}
	return &Analyzer{cfg: cfg, score: score}
}

// InferEdges compares every item pair whose timestamps fall within the
// pair window and whose authors differ, adding an inferred_similarity edge
// to the session when the score clears the threshold. Edges point from the
// derived (later) item to its probable source, so in-degree measures how
// much of the spread leads back to a node. A failed scoring call is
// absorbed as a gap, not a session failure.
func (a *Analyzer) InferEdges(ctx context.Context, session *model.TraceSession) error {
	items := session.Items
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			x, y := items[i], items[j]
			if x.AuthorHandle == y.AuthorHandle {
				continue
			}
			gap := x.CreatedAt.Sub(y.CreatedAt)
			if gap < 0 {
				gap = -gap
			}
			if gap > a.cfg.PairWindow {
				continue
			}

			score, err := a.score(ctx, x.Text, y.Text)
			if err != nil {
				zap.L().Warn("similarity scoring failed",
					zap.String("from", x.ID),
					zap.String("to", y.ID),
					zap.Error(err),
				)
				continue
			}
			if score < a.cfg.SimilarityThreshold {
				continue
			}

			from, to := x, y // from = later item, to = earlier source
			if from.CreatedAt.Before(to.CreatedAt) {
				from, to = to, from
			}
			session.AddEdge(model.PropagationEdge{
				FromID:   from.ID,
				ToID:     to.ID,
				Relation: model.RelationInferredSimilarity,
				Weight:   score,
			})
		}
	}
	return nil
}

// LinkExplicit adds explicit_reshare edges for every item whose parent is
// also in the session. Direction follows the reshare reference: the
// resharing item points at its platform-asserted source.
func (a *Analyzer) LinkExplicit(session *model.TraceSession) {
	for _, it := range session.Items {
		if it.ParentRef == "" {
			continue
		}
		if _, ok := session.Item(it.ParentRef); !ok {
			continue
		}
		session.AddEdge(model.PropagationEdge{
			FromID:   it.ID,
			ToID:     it.ParentRef,
			Relation: model.RelationExplicitReshare,
			Weight:   1.0,
		})
	}
}

// Clusters partitions the session's items into connected components over
// all edges and computes a candidate origin per component. Components are
// returned ranked by size times average engagement, descending.
// Disconnected graphs are expected; singletons are flagged so the
// confidence scorer can penalize the missing corroborating structure.
func (a *Analyzer) Clusters(session *model.TraceSession) []Cluster {
	if len(session.Items) == 0 {
		return nil
	}

	parent := make(map[string]string, len(session.Items))
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(x, y string) {
		rx, ry := find(x), find(y)
		if rx != ry {
			parent[rx] = ry
		}
	}

	for _, it := range session.Items {
		parent[it.ID] = it.ID
	}
	for _, e := range session.Edges {
		if _, ok := parent[e.FromID]; !ok {
			continue
		}
		if _, ok := parent[e.ToID]; !ok {
			continue
		}
		union(e.FromID, e.ToID)
	}

	groups := make(map[string][]model.ContentItem)
	for _, it := range session.Items {
		root := find(it.ID)
		groups[root] = append(groups[root], it)
	}

	inDegree := make(map[string]int, len(session.Items))
	for _, e := range session.Edges {
		inDegree[e.ToID]++
	}

	clusters := make([]Cluster, 0, len(groups))
	for _, members := range groups {
		clusters = append(clusters, a.buildCluster(members, inDegree))
	}

	sort.Slice(clusters, func(i, j int) bool {
		ri := float64(clusters[i].Size) * clusters[i].AvgEngagement
		rj := float64(clusters[j].Size) * clusters[j].AvgEngagement
		if ri != rj {
			return ri > rj
		}
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].OriginID < clusters[j].OriginID // deterministic order
	})
	return clusters
}

// buildCluster picks the cluster origin: the earliest-timestamp node among
// the top quartile by in-degree centrality. A low-engagement early post
// may be noise rather than the true seed, so structure outranks raw
// chronology here.
func (a *Analyzer) buildCluster(members []model.ContentItem, inDegree map[string]int) Cluster {
	ids := make([]string, 0, len(members))
	totalEngagement := 0
	for _, m := range members {
		ids = append(ids, m.ID)
		totalEngagement += m.Engagement.Total()
	}
	sort.Strings(ids)

	cluster := Cluster{
		ID:            uuid.New().String(),
		ItemIDs:       ids,
		Size:          len(members),
		AvgEngagement: float64(totalEngagement) / float64(len(members)),
		Singleton:     len(members) < 2,
	}

	if cluster.Singleton {
		cluster.OriginID = members[0].ID
		return cluster
	}

	// Sort by in-degree descending, id ascending for determinism.
	byCentrality := make([]model.ContentItem, len(members))
	copy(byCentrality, members)
	sort.Slice(byCentrality, func(i, j int) bool {
		di, dj := inDegree[byCentrality[i].ID], inDegree[byCentrality[j].ID]
		if di != dj {
			return di > dj
		}
		return byCentrality[i].ID < byCentrality[j].ID
	})

	quartile := int(math.Ceil(float64(len(members)) / 4))
	topQuartile := byCentrality[:quartile]

	origin := topQuartile[0]
	for _, m := range topQuartile[1:] {
		if m.CreatedAt.Before(origin.CreatedAt) ||
			(m.CreatedAt.Equal(origin.CreatedAt) && m.ID < origin.ID) {
			origin = m
		}
	}
	cluster.OriginID = origin.ID
	cluster.OriginCentralityP = centralityPercentile(origin.ID, byCentrality, inDegree)

	limit := a.cfg.MaxAmplifiers
	if limit > len(byCentrality) {
		limit = len(byCentrality)
	}
	for _, m := range byCentrality[:limit] {
		cluster.Amplifiers = append(cluster.Amplifiers, Amplifier{
			ContentID:    m.ID,
			AuthorHandle: m.AuthorHandle,
			InDegree:     inDegree[m.ID],
		})
	}
	return cluster
}

// centralityPercentile returns the fraction of cluster members whose
// in-degree is strictly below the candidate's.
func centralityPercentile(id string, members []model.ContentItem, inDegree map[string]int) float64 {
	mine := inDegree[id]
	below := 0
	for _, m := range members {
		if inDegree[m.ID] < mine {
			below++
		}
	}
	return float64(below) / float64(len(members))
}
