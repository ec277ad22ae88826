package store

import (
	"context"
	"errors"
	"time"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
)

// ErrNotFound is returned when a session, candidate set, or evidence
// record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status       model.SessionStatus `json:"status,omitempty"`
	CreatedAfter time.Time           `json:"created_after,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
	Offset       int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for trace sessions and their
// evidence.
type Store interface {
	// Sessions
	SaveSession(ctx context.Context, s *model.TraceSession) error
	GetSession(ctx context.Context, sessionID string) (*model.TraceSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.TraceSession, error)

	// Origin candidates
	SaveCandidates(ctx context.Context, sessionID string, cands []model.OriginCandidate) error
	GetCandidates(ctx context.Context, sessionID string) ([]model.OriginCandidate, error)

	// Evidence records
	SaveEvidence(ctx context.Context, record *model.EvidenceRecord) error
	GetEvidence(ctx context.Context, sessionID string) (*model.EvidenceRecord, error)

	// Failed fetch queue
	EnqueueFailedFetch(ctx context.Context, entry resilience.FailedFetch) error
	ListFailedFetches(ctx context.Context, filter resilience.FailedFetchFilter) ([]resilience.FailedFetch, error)
	DeleteFailedFetch(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
