package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/osint-labs/viraltrace/internal/budget"
	"github.com/osint-labs/viraltrace/internal/confidence"
	"github.com/osint-labs/viraltrace/internal/graph"
	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/store"
	"github.com/osint-labs/viraltrace/internal/trace"
	"github.com/osint-labs/viraltrace/pkg/simscore"
	"github.com/osint-labs/viraltrace/pkg/socialapi"
)

// engineEnv holds the initialized store, budget manager, and engine
// needed by the trace/serve commands.
type engineEnv struct {
	Store   store.Store
	Budgets *budget.Manager
	Engine  *trace.Engine
}

// Close releases resources held by the engine environment.
func (ee *engineEnv) Close() {
	if ee.Store != nil {
		_ = ee.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "viraltrace.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine sets up the store, the platform fetch adapter, the budget
// manager, and the trace engine. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	fetcher := socialapi.NewClient(cfg.Platform.APIKey,
		socialapi.WithBaseURL(cfg.Platform.BaseURL),
		socialapi.WithTimeout(time.Duration(cfg.Platform.TimeoutSecs)*time.Second),
		socialapi.WithRateLimit(cfg.Platform.RequestsPerSec, 1),
	)

	// An external similarity service is optional; the lexical scorer is
	// the offline fallback.
	var scorer simscore.Scorer = simscore.NewLexical()
	if cfg.Similarity.BaseURL != "" {
		scorer = simscore.NewClient(cfg.Similarity.APIKey,
			simscore.WithBaseURL(cfg.Similarity.BaseURL),
		)
	}

	budgets := budget.NewManager(budget.Config{
		WindowDays:         cfg.Budget.WindowDays,
		WindowQuota:        cfg.Budget.WindowQuota,
		FetchConcurrency:   cfg.Budget.FetchConcurrency,
		CacheTTL:           time.Duration(cfg.Budget.CacheTTLHours) * time.Hour,
		AuditTrailCapacity: cfg.Budget.AuditTrailCapacity,
	}, fetcher, scorer)

	analyzer := graph.NewAnalyzer(graph.Config{
		PairWindow:          time.Duration(cfg.Network.PairWindowHours) * time.Hour,
		SimilarityThreshold: cfg.Network.SimilarityThreshold,
	}, scorer.Score)

	weights, err := confidence.LoadWeights(cfg.Confidence.WeightsPath)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load confidence weights")
	}
	conf := confidence.NewScorer(weights,
		confidence.WithProvisionalMultiplier(cfg.Confidence.ProvisionalMultiplier),
		confidence.WithSingletonPenalty(cfg.Confidence.SingletonPenalty),
	)

	engine := trace.NewEngine(trace.Config{
		MaxHops:          cfg.Trace.MaxHops,
		BatchSize:        cfg.Network.BatchSize,
		ChronologicalCap: cfg.Budget.ChronologicalCap,
		NetworkCap:       cfg.Budget.NetworkCap,
		DefaultPlatform:  model.PlatformTwitter,
	}, budgets, analyzer, conf, trace.WithPersister(st))

	return &engineEnv{
		Store:   st,
		Budgets: budgets,
		Engine:  engine,
	}, nil
}
