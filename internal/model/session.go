package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SessionStatus represents the current state of a trace session.
type SessionStatus string

const (
	StatusRunning         SessionStatus = "running"
	StatusComplete        SessionStatus = "complete"
	StatusBudgetExhausted SessionStatus = "incomplete_budget_exhausted"
	StatusCycleDetected   SessionStatus = "cycle_detected"
	StatusNoResult        SessionStatus = "no_result"
	StatusCancelled       SessionStatus = "cancelled"
)

// Terminal returns true if the status is a final state.
func (s SessionStatus) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Algorithm selects the tracing strategy for a session.
type Algorithm string

const (
	AlgorithmChronological Algorithm = "chronological"
	AlgorithmNetwork       Algorithm = "network"
	AlgorithmHybrid        Algorithm = "hybrid"
)

// InputKind tags what kind of query started a session.
type InputKind string

const (
	InputURL     InputKind = "url"
	InputHandle  InputKind = "handle"
	InputHashtag InputKind = "hashtag"
)

// TraceInput is the tagged user query that starts a session.
type TraceInput struct {
	Kind  InputKind `json:"kind"`
	Value string    `json:"value"`
}

var handleRe = regexp.MustCompile(`^@[A-Za-z0-9_.]{1,30}$`)

// DetectInput classifies a raw query string as a URL, handle, or hashtag.
// Empty or unclassifiable input returns an error before any budget is spent.
func DetectInput(raw string) (TraceInput, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return TraceInput{}, eris.New("model: empty trace input")
	case strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://"):
		return TraceInput{Kind: InputURL, Value: raw}, nil
	case strings.HasPrefix(raw, "#") && len(raw) > 1 && !strings.ContainsAny(raw[1:], " \t#"):
		return TraceInput{Kind: InputHashtag, Value: raw}, nil
	case handleRe.MatchString(raw):
		return TraceInput{Kind: InputHandle, Value: raw}, nil
	default:
		return TraceInput{}, eris.Errorf("model: unrecognized trace input %q", raw)
	}
}

// TraceSession accumulates everything observed during one trace. It is
// populated incrementally by the tracer/analyzer and handed read-only to
// the evidence packager after finalization.
type TraceSession struct {
	SessionID       string            `json:"session_id"`
	Input           TraceInput        `json:"input"`
	Algorithm       Algorithm         `json:"algorithm"`
	BudgetAllocated int               `json:"budget_allocated"`
	BudgetConsumed  int               `json:"budget_consumed"`
	Status          SessionStatus     `json:"status"`
	Items           []ContentItem     `json:"items"` // fetch order, no duplicate ids
	Edges           []PropagationEdge `json:"edges"` // append order
	Timeline        *TimelineMetrics  `json:"timeline,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`

	seen map[string]struct{}
}

// NewSession creates a running session for the given input.
func NewSession(id string, input TraceInput, algo Algorithm, budget int) *TraceSession {
	now := time.Now().UTC()
	return &TraceSession{
		SessionID:       id,
		Input:           input,
		Algorithm:       algo,
		BudgetAllocated: budget,
		Status:          StatusRunning,
		CreatedAt:       now,
		UpdatedAt:       now,
		seen:            make(map[string]struct{}),
	}
}

// Visited reports whether an item id has already been added to the session.
func (s *TraceSession) Visited(id string) bool {
	if s.seen == nil {
		s.rebuildSeen()
	}
	_, ok := s.seen[id]
	return ok
}

// AddItem appends an item in fetch order. Duplicate ids are ignored so the
// item set invariant holds even when chronological and network paths
// overlap. Returns true if the item was added.
func (s *TraceSession) AddItem(item ContentItem) bool {
	if s.Visited(item.ID) {
		return false
	}
	s.seen[item.ID] = struct{}{}
	s.Items = append(s.Items, item)
	s.UpdatedAt = time.Now().UTC()
	return true
}

// AddEdge appends an edge unless an edge with the same endpoints and
// relation already exists.
func (s *TraceSession) AddEdge(edge PropagationEdge) bool {
	for _, e := range s.Edges {
		if e.FromID == edge.FromID && e.ToID == edge.ToID && e.Relation == edge.Relation {
			return false
		}
	}
	s.Edges = append(s.Edges, edge)
	s.UpdatedAt = time.Now().UTC()
	return true
}

// Item returns the item with the given id, if present.
func (s *TraceSession) Item(id string) (ContentItem, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return ContentItem{}, false
}

// Finalize transitions the session to a terminal status. A session
// transitions exactly once; a second call is an error and leaves the
// first status in place.
func (s *TraceSession) Finalize(status SessionStatus) error {
	if !status.Terminal() {
		return eris.Errorf("model: %q is not a terminal status", status)
	}
	if s.Status.Terminal() {
		return eris.Errorf("model: session %s already finalized as %q", s.SessionID, s.Status)
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *TraceSession) rebuildSeen() {
	s.seen = make(map[string]struct{}, len(s.Items))
	for _, it := range s.Items {
		s.seen[it.ID] = struct{}{}
	}
}

// TimelineMetrics summarizes the temporal shape of a finished trace.
type TimelineMetrics struct {
	SpanSeconds      float64 `json:"span_seconds"`
	PostsPerHour     float64 `json:"posts_per_hour"`
	PeakGapSeconds   float64 `json:"peak_gap_seconds"`
	MedianGapSeconds float64 `json:"median_gap_seconds"`
}
