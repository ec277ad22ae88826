package model

import "time"

// Platform identifies the social platform an item was fetched from.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformReddit    Platform = "reddit"
	PlatformTelegram  Platform = "telegram"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
)

// Engagement holds the interaction counts reported by the platform.
type Engagement struct {
	Amplifications int `json:"amplifications"` // reshares/retweets/crossposts
	Reactions      int `json:"reactions"`
	Replies        int `json:"replies"`
}

// Total returns the sum of all engagement counts.
func (e Engagement) Total() int {
	return e.Amplifications + e.Reactions + e.Replies
}

// ContentItem is one normalized piece of social-media content. Items are
// immutable once fetched; the raw platform response is hashed into
// RawPayloadHash but never parsed by the engine.
type ContentItem struct {
	ID             string     `json:"id"` // platform-scoped, opaque
	Platform       Platform   `json:"platform"`
	AuthorHandle   string     `json:"author_handle"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"created_at"` // always UTC
	FetchedAt      time.Time  `json:"fetched_at"` // stamped by the budget layer at fetch time
	Engagement     Engagement `json:"engagement"`
	ParentRef      string     `json:"parent_ref,omitempty"` // platform-asserted reshare source
	RawPayloadHash string     `json:"raw_payload_hash"`     // hex SHA-256 of the raw fetch body
}

// EdgeRelation describes how two items are linked in the propagation graph.
type EdgeRelation string

const (
	RelationExplicitReshare    EdgeRelation = "explicit_reshare"
	RelationInferredSimilarity EdgeRelation = "inferred_similarity"
	RelationMention            EdgeRelation = "mention"
)

// PropagationEdge is a directed link between two content items. Multiple
// edges between the same pair are allowed only when the relation differs.
type PropagationEdge struct {
	FromID   string       `json:"from_id"`
	ToID     string       `json:"to_id"`
	Relation EdgeRelation `json:"relation"`
	Weight   float64      `json:"weight"` // similarity score, or 1.0 for explicit links
}
