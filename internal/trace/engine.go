// Package trace orchestrates origin-tracing sessions: it resolves the
// input, runs the chronological walk and/or network expansion under the
// session budget, fuses confidence for each origin candidate, and owns
// the session lifecycle.
package trace

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/osint-labs/viraltrace/internal/budget"
	"github.com/osint-labs/viraltrace/internal/confidence"
	"github.com/osint-labs/viraltrace/internal/evidence"
	"github.com/osint-labs/viraltrace/internal/graph"
	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
)

var (
	// ErrSessionNotFound is returned for session ids the engine never issued.
	ErrSessionNotFound = errors.New("trace: session not found")
	// ErrSessionRunning is returned when a result is requested before the
	// session reaches a terminal status.
	ErrSessionRunning = errors.New("trace: session still running")
)

// Config tunes the engine.
type Config struct {
	MaxHops          int // chronological walk hop cap
	BatchSize        int // items requested per network search
	ChronologicalCap int // default budget for chronological sessions
	NetworkCap       int // default budget for network and hybrid sessions
	DefaultPlatform  model.Platform
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxHops:          10,
		BatchSize:        20,
		ChronologicalCap: 5,
		NetworkCap:       30,
		DefaultPlatform:  model.PlatformTwitter,
	}
}

// Request describes one trace to run.
type Request struct {
	Input     model.TraceInput
	Platform  model.Platform  // optional; inferred from URL inputs
	Algorithm model.Algorithm // defaults to hybrid
	Budget    int             // optional; defaults per algorithm
}

// Result is the terminal outcome of a session.
type Result struct {
	Session    *model.TraceSession
	Candidates []model.OriginCandidate
	Clusters   []graph.Cluster
	Audit      []model.AuditEntry
}

// Persister receives finished sessions for durable storage. The engine
// tolerates a nil persister and logs (but does not fail on) save errors.
type Persister interface {
	SaveSession(ctx context.Context, s *model.TraceSession) error
	SaveCandidates(ctx context.Context, sessionID string, cands []model.OriginCandidate) error
}

// FailureQueue parks fetches that exhausted their retries so a later
// re-trace can replay just the gaps. Persisters may optionally
// implement it.
type FailureQueue interface {
	EnqueueFailedFetch(ctx context.Context, entry resilience.FailedFetch) error
}

// EvidenceSink stores the tamper-evident record of a finished session.
// Persisters may optionally implement it.
type EvidenceSink interface {
	SaveEvidence(ctx context.Context, record *model.EvidenceRecord) error
}

// Engine runs trace sessions over a shared budget manager.
type Engine struct {
	cfg      Config
	budgets  *budget.Manager
	analyzer *graph.Analyzer
	scorer   *confidence.Scorer
	persist  Persister

	mu       sync.Mutex
	sessions map[string]*running
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPersister wires durable session storage.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persist = p }
}

// NewEngine wires the engine's collaborators together.
func NewEngine(cfg Config, budgets *budget.Manager, analyzer *graph.Analyzer, scorer *confidence.Scorer, opts ...Option) *Engine {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.ChronologicalCap <= 0 {
		cfg.ChronologicalCap = 5
	}
	if cfg.NetworkCap <= 0 {
		cfg.NetworkCap = 30
	}
	if cfg.DefaultPlatform == "" {
		cfg.DefaultPlatform = model.PlatformTwitter
	}
	e := &Engine{
		cfg:      cfg,
		budgets:  budgets,
		analyzer: analyzer,
		scorer:   scorer,
		sessions: make(map[string]*running),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// normalize fills request defaults and rejects invalid combinations
// before a single budget unit is spent.
func (e *Engine) normalize(req *Request) error {
	if req.Algorithm == "" {
		req.Algorithm = model.AlgorithmHybrid
	}
	switch req.Algorithm {
	case model.AlgorithmChronological, model.AlgorithmNetwork, model.AlgorithmHybrid:
	default:
		return eris.Errorf("trace: unknown algorithm %q", req.Algorithm)
	}
	if req.Algorithm == model.AlgorithmChronological && req.Input.Kind != model.InputURL {
		return eris.New("trace: chronological tracing needs a content url")
	}

	if req.Input.Kind == model.InputURL {
		p, ok := platformForURL(req.Input.Value)
		if ok {
			req.Platform = p
		} else if req.Platform == "" {
			return eris.Errorf("trace: cannot infer platform from %q", req.Input.Value)
		}
	} else if req.Platform == "" {
		req.Platform = e.cfg.DefaultPlatform
	}

	if req.Budget <= 0 {
		if req.Algorithm == model.AlgorithmChronological {
			req.Budget = e.cfg.ChronologicalCap
		} else {
			req.Budget = e.cfg.NetworkCap
		}
	}
	return nil
}

// Trace runs a session synchronously and returns its terminal result.
func (e *Engine) Trace(ctx context.Context, req Request) (*Result, error) {
	if err := e.normalize(&req); err != nil {
		return nil, err
	}
	session := model.NewSession(uuid.New().String(), req.Input, req.Algorithm, req.Budget)
	sb := e.budgets.Session(session.SessionID, req.Budget)
	res := e.execute(ctx, session, sb, req.Platform)
	e.save(ctx, res)
	return res, nil
}

// StartTrace launches a session in the background and returns its id.
// The session outlives the caller's context; use Cancel to stop it.
func (e *Engine) StartTrace(ctx context.Context, req Request) (string, error) {
	if err := e.normalize(&req); err != nil {
		return "", err
	}
	session := model.NewSession(uuid.New().String(), req.Input, req.Algorithm, req.Budget)
	sb := e.budgets.Session(session.SessionID, req.Budget)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &running{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.sessions[session.SessionID] = r
	e.mu.Unlock()

	go func() {
		defer cancel()
		res := e.execute(runCtx, session, sb, req.Platform)
		// The save must outlive a Cancel call.
		e.save(context.WithoutCancel(runCtx), res)
		e.mu.Lock()
		r.result = res
		e.mu.Unlock()
		close(r.done)
	}()
	return session.SessionID, nil
}

// Result returns the terminal result of a background session, or
// ErrSessionRunning while it is still in flight.
func (e *Engine) Result(sessionID string) (*Result, error) {
	e.mu.Lock()
	r, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	select {
	case <-r.done:
	default:
		return nil, ErrSessionRunning
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.result, nil
}

// Wait blocks until the session finishes or ctx expires.
func (e *Engine) Wait(ctx context.Context, sessionID string) (*Result, error) {
	e.mu.Lock()
	r, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.result, nil
}

// Cancel interrupts a background session. The session finalizes as
// cancelled with whatever it fetched so far.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	r, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// execute runs the algorithm, finalizes the session, and assembles the
// result. It never returns an error: every failure mode maps to a
// terminal session status.
func (e *Engine) execute(ctx context.Context, session *model.TraceSession, sb *budget.SessionBudget, platform model.Platform) *Result {
	var status model.SessionStatus
	chainRan, netRan := false, false

	switch session.Algorithm {
	case model.AlgorithmChronological:
		chainRan = true
		status = e.walkChain(ctx, sb, session, platform, session.Input.Value)

	case model.AlgorithmNetwork:
		netRan = true
		status = e.networkFromInput(ctx, sb, session, platform)

	case model.AlgorithmHybrid:
		if session.Input.Kind == model.InputURL {
			chainRan = true
			status = e.walkChain(ctx, sb, session, platform, session.Input.Value)
			// A cycle terminates the chain walk, not the trace: the
			// network pass still gets a chance to corroborate an origin
			// from the items fetched so far.
			canExpand := status == model.StatusComplete || status == model.StatusCycleDetected
			if canExpand && sb.Remaining() > 0 {
				if query := hybridQuery(session); query != "" {
					netRan = true
					before := len(session.Items)
					net := e.runNetwork(ctx, sb, session, platform, query)
					status = networkVerdict(status, net, len(session.Items) > before)
				}
			}
		} else {
			netRan = true
			status = e.networkFromInput(ctx, sb, session, platform)
		}
	}

	if ctx.Err() != nil {
		status = model.StatusCancelled
	}
	if len(session.Items) == 0 {
		status = model.StatusNoResult
	}

	session.BudgetConsumed = sb.Consumed()
	session.Timeline = computeTimeline(session.Items)
	if err := session.Finalize(status); err != nil {
		zap.L().Error("session finalize", zap.Error(err))
	}

	res := &Result{
		Session: session,
		Audit:   sb.Audit(),
	}
	if netRan {
		res.Clusters = e.analyzer.Clusters(session)
	}
	res.Candidates = e.buildCandidates(session, res.Clusters, chainRan && netRan)

	zap.L().Info("session finished",
		zap.String("session_id", session.SessionID),
		zap.String("status", string(status)),
		zap.Int("items", len(session.Items)),
		zap.Int("budget_consumed", session.BudgetConsumed),
		zap.Int("candidates", len(res.Candidates)),
	)
	return res
}

// networkFromInput resolves the search query for a network pass. URL
// inputs walk the reshare chain first to find a seed worth searching
// around; a cycle in that chain does not abort the search.
func (e *Engine) networkFromInput(ctx context.Context, sb *budget.SessionBudget, session *model.TraceSession, platform model.Platform) model.SessionStatus {
	query := session.Input.Value
	var chainStatus model.SessionStatus
	if session.Input.Kind == model.InputURL {
		chainStatus = e.walkChain(ctx, sb, session, platform, session.Input.Value)
		if chainStatus != model.StatusComplete && chainStatus != model.StatusCycleDetected {
			return chainStatus
		}
		query = hybridQuery(session)
		if query == "" {
			return chainStatus
		}
	}
	before := len(session.Items)
	net := e.runNetwork(ctx, sb, session, platform, query)
	if chainStatus == "" {
		return net
	}
	return networkVerdict(chainStatus, net, len(session.Items) > before)
}

// hybridQuery derives a network search query from the earliest fetched
// item, preferring its hashtag over its author.
func hybridQuery(session *model.TraceSession) string {
	origin, ok := earliestItem(session.Items)
	if !ok {
		return ""
	}
	return deriveQuery(origin)
}

// networkVerdict folds a follow-up network status into the chain walk's.
// An exhausted or cancelled expansion overrides a clean chain; a cycle
// verdict stands unless the network pass actually grew the session.
func networkVerdict(chain, network model.SessionStatus, grew bool) model.SessionStatus {
	if network != model.StatusComplete && network != model.StatusNoResult {
		return network
	}
	if chain == model.StatusCycleDetected && !grew {
		return chain
	}
	return model.StatusComplete
}

// buildCandidates fuses confidence for each origin candidate. With
// network structure the candidates are the per-cluster origins; a pure
// chain yields a single candidate, the earliest item.
func (e *Engine) buildCandidates(session *model.TraceSession, clusters []graph.Cluster, corroborated bool) []model.OriginCandidate {
	if len(session.Items) == 0 {
		return nil
	}
	provisional := session.Status == model.StatusBudgetExhausted ||
		session.Status == model.StatusCancelled

	chainOrigin, _ := earliestItem(session.Items)

	var cands []model.OriginCandidate
	if len(clusters) == 0 {
		gap := gapToNext(chainOrigin, session.Items)
		cands = append(cands, model.OriginCandidate{
			ContentID: chainOrigin.ID,
			Confidence: e.scorer.Score(confidence.Signals{
				Gap:         gap,
				Provisional: provisional,
			}),
		})
	} else {
		for _, c := range clusters {
			origin, ok := session.Item(c.OriginID)
			if !ok {
				continue
			}
			members := make([]model.ContentItem, 0, len(c.ItemIDs))
			for _, id := range c.ItemIDs {
				if it, found := session.Item(id); found {
					members = append(members, it)
				}
			}
			corr := 0.0
			if corroborated && c.OriginID == chainOrigin.ID {
				corr = 1.0
			}
			cands = append(cands, model.OriginCandidate{
				ContentID: c.OriginID,
				ClusterID: c.ID,
				Confidence: e.scorer.Score(confidence.Signals{
					Gap:           gapToNext(origin, members),
					Centrality:    c.OriginCentralityP,
					HasStructure:  !c.Singleton,
					Corroboration: corr,
					Singleton:     c.Singleton,
					Provisional:   provisional,
				}),
			})
		}
	}

	// Candidates keep the cluster ranking (size times average engagement).
	// Confidence explains each candidate but does not reorder them: a
	// small cluster with a crisp gap must not outrank the dominant spread.
	for i := range cands {
		cands[i].Rank = i
	}
	return cands
}

// parkFailedFetch records an unreachable ref for a later replay when the
// persister supports it. Only transient failures are worth parking.
func (e *Engine) parkFailedFetch(ctx context.Context, sessionID string, platform model.Platform, ref string, cause error) {
	q, ok := e.persist.(FailureQueue)
	if !ok || !resilience.IsTransient(cause) {
		return
	}
	now := time.Now().UTC()
	entry := resilience.FailedFetch{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Platform:     platform,
		Ref:          ref,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		MaxRetries:   3,
		NextRetryAt:  now.Add(15 * time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := q.EnqueueFailedFetch(ctx, entry); err != nil {
		zap.L().Error("park failed fetch", zap.String("ref", ref), zap.Error(err))
	}
}

func (e *Engine) save(ctx context.Context, res *Result) {
	if e.persist == nil {
		return
	}
	if err := e.persist.SaveSession(ctx, res.Session); err != nil {
		zap.L().Error("persist session",
			zap.String("session_id", res.Session.SessionID),
			zap.Error(err),
		)
		return
	}
	if err := e.persist.SaveCandidates(ctx, res.Session.SessionID, res.Candidates); err != nil {
		zap.L().Error("persist candidates",
			zap.String("session_id", res.Session.SessionID),
			zap.Error(err),
		)
	}

	// Stores that keep evidence records get one per finished session.
	sink, ok := e.persist.(EvidenceSink)
	if !ok {
		return
	}
	record, err := evidence.Package(res.Session, res.Candidates, res.Audit)
	if err != nil {
		zap.L().Warn("package evidence",
			zap.String("session_id", res.Session.SessionID),
			zap.Error(err),
		)
		return
	}
	if err := sink.SaveEvidence(ctx, record); err != nil {
		zap.L().Error("persist evidence",
			zap.String("session_id", res.Session.SessionID),
			zap.Error(err),
		)
	}
}

// earliestItem returns the item with the lowest CreatedAt, ties broken by
// lowest id.
func earliestItem(items []model.ContentItem) (model.ContentItem, bool) {
	if len(items) == 0 {
		return model.ContentItem{}, false
	}
	origin := items[0]
	for _, it := range items[1:] {
		if it.CreatedAt.Before(origin.CreatedAt) ||
			(it.CreatedAt.Equal(origin.CreatedAt) && it.ID < origin.ID) {
			origin = it
		}
	}
	return origin, true
}

// gapToNext returns the time between the origin and the next-earliest
// item in the set, or zero when the origin stands alone.
func gapToNext(origin model.ContentItem, items []model.ContentItem) time.Duration {
	var best time.Duration
	found := false
	for _, it := range items {
		if it.ID == origin.ID {
			continue
		}
		d := it.CreatedAt.Sub(origin.CreatedAt)
		if d < 0 {
			continue
		}
		if !found || d < best {
			best, found = d, true
		}
	}
	return best
}
