package trace

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/osint-labs/viraltrace/internal/budget"
	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/pkg/socialapi"
)

// walkChain follows explicit parent references backward from the seed,
// fetching one item per hop. It stops at the chain head, at the hop cap,
// on a budget denial, or on a revisited id. The returned status is the
// terminal status the walk argues for; the caller decides whether a
// network pass still runs first.
func (e *Engine) walkChain(ctx context.Context, sb *budget.SessionBudget, session *model.TraceSession, platform model.Platform, ref string) model.SessionStatus {
	seed, err := sb.FetchItem(ctx, platform, ref)
	if err != nil {
		switch {
		case errors.Is(err, budget.ErrDenied):
			return model.StatusBudgetExhausted
		case errors.Is(err, socialapi.ErrNotFound):
			return model.StatusNoResult
		case ctx.Err() != nil:
			return model.StatusCancelled
		default:
			zap.L().Warn("seed fetch failed",
				zap.String("session_id", session.SessionID),
				zap.String("ref", ref),
				zap.Error(err),
			)
			return model.StatusNoResult
		}
	}
	// A cancel during the fetch must not discard the item: the budget unit
	// is already spent, so the session keeps what it paid for.
	session.AddItem(*seed)
	if ctx.Err() != nil {
		return model.StatusCancelled
	}

	current := seed
	for hop := 0; current.ParentRef != "" && hop < e.cfg.MaxHops; hop++ {
		if session.Visited(current.ParentRef) {
			zap.L().Warn("reshare chain cycle",
				zap.String("session_id", session.SessionID),
				zap.String("at", current.ID),
				zap.String("revisits", current.ParentRef),
			)
			return model.StatusCycleDetected
		}

		parent, err := sb.FetchItem(ctx, platform, current.ParentRef)
		if err != nil {
			switch {
			case errors.Is(err, budget.ErrDenied):
				return model.StatusBudgetExhausted
			case errors.Is(err, socialapi.ErrNotFound):
				// Deleted or private parent: the chain ends here, the trace
				// itself is still complete.
				zap.L().Debug("chain parent missing",
					zap.String("session_id", session.SessionID),
					zap.String("ref", current.ParentRef),
				)
				return model.StatusComplete
			case ctx.Err() != nil:
				return model.StatusCancelled
			default:
				zap.L().Warn("chain hop failed",
					zap.String("session_id", session.SessionID),
					zap.String("ref", current.ParentRef),
					zap.Error(err),
				)
				e.parkFailedFetch(ctx, session.SessionID, platform, current.ParentRef, err)
				return model.StatusComplete
			}
		}

		session.AddItem(*parent)
		session.AddEdge(model.PropagationEdge{
			FromID:   current.ID,
			ToID:     parent.ID,
			Relation: model.RelationExplicitReshare,
			Weight:   1.0,
		})
		if ctx.Err() != nil {
			return model.StatusCancelled
		}
		current = parent
	}
	return model.StatusComplete
}

// runNetwork searches for related items, fans their fetches through the
// session budget, and builds the propagation graph over everything the
// session holds so far.
func (e *Engine) runNetwork(ctx context.Context, sb *budget.SessionBudget, session *model.TraceSession, platform model.Platform, query string) model.SessionStatus {
	items, err := sb.Search(ctx, platform, query, e.cfg.BatchSize)
	switch {
	case errors.Is(err, budget.ErrDenied):
		return model.StatusBudgetExhausted
	case ctx.Err() != nil:
		return model.StatusCancelled
	case err != nil:
		zap.L().Warn("network search failed",
			zap.String("session_id", session.SessionID),
			zap.String("query", query),
			zap.Error(err),
		)
		if len(session.Items) == 0 {
			return model.StatusNoResult
		}
		return model.StatusComplete
	}
	for _, it := range items {
		session.AddItem(it)
	}
	if len(session.Items) == 0 {
		return model.StatusNoResult
	}

	// Search results often reshare a source the search itself missed.
	// Backfill those parents so their explicit links make it into the
	// graph; the batch overlaps the fetches without spending extra units.
	status := model.StatusComplete
	if refs := missingParentRefs(session, items); len(refs) > 0 {
		parents, err := sb.FetchBatch(ctx, platform, refs)
		for _, p := range parents {
			session.AddItem(p)
		}
		switch {
		case errors.Is(err, budget.ErrDenied):
			status = model.StatusBudgetExhausted
		case ctx.Err() != nil:
			return model.StatusCancelled
		case err != nil:
			zap.L().Warn("parent backfill failed",
				zap.String("session_id", session.SessionID),
				zap.Error(err),
			)
		}
	}

	e.analyzer.LinkExplicit(session)
	if err := e.analyzer.InferEdges(ctx, session); err != nil {
		return model.StatusCancelled
	}
	return status
}

// missingParentRefs lists parent refs of search results the session does
// not hold yet, deduplicated in result order.
func missingParentRefs(session *model.TraceSession, items []model.ContentItem) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, it := range items {
		ref := it.ParentRef
		if ref == "" || seen[ref] || session.Visited(ref) {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}

var platformHosts = map[string]model.Platform{
	"twitter.com":   model.PlatformTwitter,
	"x.com":         model.PlatformTwitter,
	"reddit.com":    model.PlatformReddit,
	"t.me":          model.PlatformTelegram,
	"telegram.me":   model.PlatformTelegram,
	"instagram.com": model.PlatformInstagram,
	"youtube.com":   model.PlatformYouTube,
	"youtu.be":      model.PlatformYouTube,
}

// platformForURL maps a content URL's host to its platform.
func platformForURL(raw string) (model.Platform, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	p, ok := platformHosts[host]
	return p, ok
}

// deriveQuery picks a search query for network expansion around a seed:
// the first hashtag in the text, or failing that the author handle.
func deriveQuery(seed model.ContentItem) string {
	for _, tok := range strings.Fields(seed.Text) {
		if len(tok) > 1 && strings.HasPrefix(tok, "#") {
			return strings.TrimRight(tok, ".,!?:;")
		}
	}
	if seed.AuthorHandle != "" {
		return "@" + strings.TrimPrefix(seed.AuthorHandle, "@")
	}
	return ""
}
