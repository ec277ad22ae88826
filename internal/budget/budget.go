// Package budget meters every external fetch the engine performs. A
// process holds one Manager; each trace session gets a SessionBudget view
// with its own hard cap. The Manager is the only component in the engine
// holding cross-session mutable state.
package budget

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/resilience"
	"github.com/osint-labs/viraltrace/pkg/simscore"
	"github.com/osint-labs/viraltrace/pkg/socialapi"
)

// ErrDenied signals that an acquisition would exceed the session cap or
// the platform's rolling-window quota. It is a control-flow signal, not a
// failure: callers stop gracefully and finalize with a partial result.
var ErrDenied = errors.New("budget: acquisition denied")

// Config tunes the manager.
type Config struct {
	WindowDays         int // rolling-window length per platform
	WindowQuota        int // grants allowed per platform per window
	FetchConcurrency   int // in-flight fetches during a batch
	CacheTTL           time.Duration
	AuditTrailCapacity int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowDays:         30,
		WindowQuota:        10000,
		FetchConcurrency:   4,
		CacheTTL:           24 * time.Hour,
		AuditTrailCapacity: 10000,
	}
}

type cacheEntry struct {
	items    []model.ContentItem
	storedAt time.Time
}

// Manager owns the rolling-window counters, the idempotent fetch cache,
// and the process-wide audit trail. All state behind one mutex.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	fetcher socialapi.Fetcher
	scorer  simscore.Scorer
	retry   resilience.RetryConfig

	grants   map[model.Platform][]time.Time
	cache    map[string]cacheEntry
	trail    []model.AuditEntry
	circuits map[model.Platform]*resilience.Circuit
	circuit  resilience.CircuitConfig

	now func() time.Time // injectable for testing
}

// NewManager creates a budget manager over the given fetch adapter and
// similarity scorer.
func NewManager(cfg Config, fetcher socialapi.Fetcher, scorer simscore.Scorer) *Manager {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	if cfg.WindowQuota <= 0 {
		cfg.WindowQuota = 10000
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.AuditTrailCapacity <= 0 {
		cfg.AuditTrailCapacity = 10000
	}
	circuitCfg := resilience.DefaultCircuitConfig()
	circuitCfg.ShouldTrip = resilience.IsTransient
	return &Manager{
		cfg:      cfg,
		fetcher:  fetcher,
		scorer:   scorer,
		retry:    resilience.DefaultRetryConfig(),
		grants:   make(map[model.Platform][]time.Time),
		cache:    make(map[string]cacheEntry),
		circuits: make(map[model.Platform]*resilience.Circuit),
		circuit:  circuitCfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow sets a fixed clock for testing.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithRetry overrides the retry policy (tests use millisecond backoffs).
func (m *Manager) WithRetry(cfg resilience.RetryConfig) *Manager {
	m.retry = cfg
	return m
}

// WithCircuit overrides the per-platform circuit breaker policy. Only
// transient failures trip a circuit regardless of the ShouldTrip given
// here unless it is non-nil.
func (m *Manager) WithCircuit(cfg resilience.CircuitConfig) *Manager {
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = resilience.IsTransient
	}
	m.circuit = cfg
	return m
}

// platformCircuit returns the circuit guarding one platform, creating it
// on first use.
func (m *Manager) platformCircuit(platform model.Platform) *resilience.Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[platform]
	if !ok {
		cfg := m.circuit
		cfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("platform circuit transition",
				zap.String("platform", string(platform)),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		c = resilience.NewCircuit(cfg)
		m.circuits[platform] = c
	}
	return c
}

// CircuitStates reports the breaker state per platform seen so far.
func (m *Manager) CircuitStates() map[model.Platform]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.Platform]string, len(m.circuits))
	for p, c := range m.circuits {
		out[p] = c.State().String()
	}
	return out
}

var foldCaser = cases.Fold()

// CacheKey normalizes (platform, query) so case and whitespace variants of
// the same query hit the same cache entry.
func CacheKey(platform model.Platform, query string) string {
	return string(platform) + "\x00" + foldCaser.String(strings.TrimSpace(query))
}

// Session creates a per-session budget view with the given hard cap.
func (m *Manager) Session(sessionID string, cap int) *SessionBudget {
	return &SessionBudget{mgr: m, sessionID: sessionID, cap: cap}
}

// lookupCache returns a cached result if present and fresh. Caller must
// not hold m.mu.
func (m *Manager) lookupCache(key string) ([]model.ContentItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[key]
	if !ok || m.now().Sub(entry.storedAt) > m.cfg.CacheTTL {
		return nil, false
	}
	return entry.items, true
}

func (m *Manager) storeCache(key string, items []model.ContentItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = cacheEntry{items: items, storedAt: m.now()}
}

// windowAllows reports whether cost more grants fit in the platform's
// rolling window, pruning expired grants as a side effect. Caller holds m.mu.
func (m *Manager) windowAllows(platform model.Platform, cost int) bool {
	cutoff := m.now().Add(-time.Duration(m.cfg.WindowDays) * 24 * time.Hour)
	kept := m.grants[platform][:0]
	for _, t := range m.grants[platform] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.grants[platform] = kept
	return len(kept)+cost <= m.cfg.WindowQuota
}

func (m *Manager) recordAudit(entry model.AuditEntry) {
	if len(m.trail) >= m.cfg.AuditTrailCapacity {
		m.trail = m.trail[1:]
	}
	m.trail = append(m.trail, entry)
}

// Trail returns a copy of the process-wide audit trail.
func (m *Manager) Trail() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEntry, len(m.trail))
	copy(out, m.trail)
	return out
}

// SessionBudget is one session's metered view of the manager. Safe for the
// concurrent use FetchBatch makes of it.
type SessionBudget struct {
	mgr       *Manager
	sessionID string

	mu       sync.Mutex
	cap      int
	consumed int
	audit    []model.AuditEntry
}

// Consumed returns the units spent so far.
func (sb *SessionBudget) Consumed() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.consumed
}

// Remaining returns the units left under the session cap.
func (sb *SessionBudget) Remaining() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.cap - sb.consumed
}

// Audit returns this session's audit entries in grant order.
func (sb *SessionBudget) Audit() []model.AuditEntry {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]model.AuditEntry, len(sb.audit))
	copy(out, sb.audit)
	return out
}

// acquire reserves cost units against both the session cap and the
// platform window, recording an audit entry on grant. Returns ErrDenied
// without side effects when either limit would be exceeded.
func (sb *SessionBudget) acquire(platform model.Platform, queryKey string, cost int) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.consumed+cost > sb.cap {
		return ErrDenied
	}

	sb.mgr.mu.Lock()
	defer sb.mgr.mu.Unlock()
	if !sb.mgr.windowAllows(platform, cost) {
		return ErrDenied
	}

	now := sb.mgr.now()
	for i := 0; i < cost; i++ {
		sb.mgr.grants[platform] = append(sb.mgr.grants[platform], now)
	}
	sb.consumed += cost

	entry := model.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: now,
		Platform:  platform,
		QueryKey:  queryKey,
		Cost:      cost,
		Remaining: sb.cap - sb.consumed,
	}
	sb.audit = append(sb.audit, entry)
	sb.mgr.recordAudit(entry)
	return nil
}

// recordHit logs a zero-cost audit entry for a cache hit so the evidence
// packager still sees the access in fetch order.
func (sb *SessionBudget) recordHit(platform model.Platform, queryKey string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	entry := model.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: sb.mgr.now(),
		Platform:  platform,
		QueryKey:  queryKey,
		Remaining: sb.cap - sb.consumed,
		CacheHit:  true,
	}
	sb.audit = append(sb.audit, entry)

	sb.mgr.mu.Lock()
	sb.mgr.recordAudit(entry)
	sb.mgr.mu.Unlock()
}

// FetchItem retrieves one content item, charging a single unit unless the
// idempotent cache already holds the result. A repeated timeout set
// charges only once; NotFound after retries still consumed the grant.
func (sb *SessionBudget) FetchItem(ctx context.Context, platform model.Platform, ref string) (*model.ContentItem, error) {
	key := CacheKey(platform, ref)
	if items, ok := sb.mgr.lookupCache(key); ok && len(items) == 1 {
		sb.recordHit(platform, key)
		item := items[0]
		return &item, nil
	}

	// The circuit check precedes acquisition: a platform known to be down
	// must not burn budget units.
	item, err := resilience.CircuitVal(ctx, sb.mgr.platformCircuit(platform), func(ctx context.Context) (*model.ContentItem, error) {
		if err := sb.acquire(platform, key, 1); err != nil {
			return nil, err
		}
		retry := sb.mgr.retry
		retry.OnRetry = resilience.RetryLogger(string(platform), "fetch")
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ContentItem, error) {
			return sb.mgr.fetcher.Fetch(ctx, platform, ref)
		})
	})
	if err != nil {
		return nil, err
	}

	// The snapshot time rides on the item so the evidence chain records
	// when the content was actually retrieved. Cache replays keep the
	// original stamp.
	item.FetchedAt = sb.mgr.now()
	sb.mgr.storeCache(key, []model.ContentItem{*item})
	return item, nil
}

// Search retrieves up to limit items for a hashtag/keyword query. The
// charge is one unit per item returned (minimum one for the call itself),
// and limit is first clamped to the remaining budget.
func (sb *SessionBudget) Search(ctx context.Context, platform model.Platform, query string, limit int) ([]model.ContentItem, error) {
	key := CacheKey(platform, query)
	if items, ok := sb.mgr.lookupCache(key); ok {
		sb.recordHit(platform, key)
		return items, nil
	}

	if remaining := sb.Remaining(); limit > remaining {
		limit = remaining
	}
	if limit <= 0 {
		return nil, ErrDenied
	}

	items, err := resilience.CircuitVal(ctx, sb.mgr.platformCircuit(platform), func(ctx context.Context) ([]model.ContentItem, error) {
		retry := sb.mgr.retry
		retry.OnRetry = resilience.RetryLogger(string(platform), "search")
		return resilience.DoVal(ctx, retry, func(ctx context.Context) ([]model.ContentItem, error) {
			return sb.mgr.fetcher.Search(ctx, platform, query, limit)
		})
	})
	if err != nil {
		return nil, err
	}

	cost := len(items)
	if cost == 0 {
		cost = 1
	}
	if err := sb.acquire(platform, key, cost); err != nil {
		return nil, err
	}

	fetchedAt := sb.mgr.now()
	for i := range items {
		items[i].FetchedAt = fetchedAt
	}
	sb.mgr.storeCache(key, items)
	return items, nil
}

// FetchBatch fetches independent refs with bounded parallelism. The
// concurrency cap overlaps network latency only; consumption is identical
// to sequential fetches. Items that come back NotFound are absorbed as
// gaps; a budget denial stops the batch and returns what was fetched.
func (sb *SessionBudget) FetchBatch(ctx context.Context, platform model.Platform, refs []string) ([]model.ContentItem, error) {
	results := make([]*model.ContentItem, len(refs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sb.mgr.cfg.FetchConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			item, err := sb.FetchItem(ctx, platform, ref)
			switch {
			case errors.Is(err, socialapi.ErrNotFound):
				zap.L().Debug("batch fetch gap", zap.String("ref", ref))
				return nil
			case errors.Is(err, ErrDenied):
				return err
			case err != nil:
				zap.L().Warn("batch fetch failed", zap.String("ref", ref), zap.Error(err))
				return nil
			}
			results[i] = item
			return nil
		})
	}
	err := g.Wait()

	items := make([]model.ContentItem, 0, len(refs))
	for _, r := range results {
		if r != nil {
			items = append(items, *r)
		}
	}
	if err != nil && !errors.Is(err, ErrDenied) {
		return items, err
	}
	return items, err
}

// Similarity scores two texts through the configured scorer. Similarity
// calls are suspension points but are not metered: only platform fetches
// consume budget units.
func (sb *SessionBudget) Similarity(ctx context.Context, a, b string) (float64, error) {
	retry := sb.mgr.retry
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (float64, error) {
		return sb.mgr.scorer.Score(ctx, a, b)
	})
}
