// Package socialapi provides the content fetch adapter consumed by the
// tracing engine. Platform responses are normalized into model.ContentItem;
// platform-specific payload fields stay opaque and are only hashed.
package socialapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/osint-labs/viraltrace/internal/model"
)

// Sentinel errors callers must branch on. Both are non-fatal to a trace:
// NotFound is recorded as a gap, RateLimited is a stop signal.
var (
	ErrNotFound    = errors.New("socialapi: content not found")
	ErrRateLimited = errors.New("socialapi: rate limited by platform")
)

// Fetcher defines the content fetch operations the engine consumes.
// Implementations must be idempotent for the same ref within a caching
// window.
type Fetcher interface {
	// Fetch retrieves a single content item by platform-scoped ref
	// (an item id or a post URL).
	Fetch(ctx context.Context, platform model.Platform, ref string) (*model.ContentItem, error)
	// Search returns up to limit items matching a hashtag or keyword query,
	// newest first.
	Search(ctx context.Context, platform model.Platform, query string, limit int) ([]model.ContentItem, error)
}

// Option configures the HTTP client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit sets the client-side request pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) { c.http.Timeout = d }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a fetcher backed by the platform aggregation API.
func NewClient(apiKey string, opts ...Option) Fetcher {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.socialgraph.example.com/v1",
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wireItem is the platform API's content envelope. Fields beyond these are
// deliberately not modeled; the full body is hashed instead.
type wireItem struct {
	ID           string    `json:"id"`
	AuthorHandle string    `json:"author_handle"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
	Reshares     int       `json:"reshares"`
	Reactions    int       `json:"reactions"`
	Replies      int       `json:"replies"`
	ParentRef    string    `json:"parent_ref,omitempty"`
}

func (c *httpClient) Fetch(ctx context.Context, platform model.Platform, ref string) (*model.ContentItem, error) {
	endpoint := fmt.Sprintf("%s/%s/items/%s", c.baseURL, url.PathEscape(string(platform)), url.PathEscape(ref))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var wi wireItem
	if err := json.Unmarshal(body, &wi); err != nil {
		return nil, eris.Wrap(err, "socialapi: decode item")
	}

	item := normalize(platform, wi, body)
	return &item, nil
}

func (c *httpClient) Search(ctx context.Context, platform model.Platform, query string, limit int) ([]model.ContentItem, error) {
	endpoint := fmt.Sprintf("%s/%s/search?q=%s&limit=%s",
		c.baseURL, url.PathEscape(string(platform)), url.QueryEscape(query), strconv.Itoa(limit))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, eris.Wrap(err, "socialapi: decode search response")
	}

	items := make([]model.ContentItem, 0, len(envelope.Items))
	for _, raw := range envelope.Items {
		var wi wireItem
		if err := json.Unmarshal(raw, &wi); err != nil {
			return nil, eris.Wrap(err, "socialapi: decode search item")
		}
		items = append(items, normalize(platform, wi, raw))
	}
	return items, nil
}

func (c *httpClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "socialapi: rate limiter wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "socialapi: build request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "socialapi: request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "socialapi: read body")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, eris.Errorf("socialapi: unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

// normalize converts a wire item into the engine's immutable content item,
// hashing the raw payload for later evidence packaging.
func normalize(platform model.Platform, wi wireItem, raw []byte) model.ContentItem {
	return model.ContentItem{
		ID:           wi.ID,
		Platform:     platform,
		AuthorHandle: wi.AuthorHandle,
		Text:         wi.Text,
		CreatedAt:    wi.CreatedAt.UTC(),
		Engagement: model.Engagement{
			Amplifications: wi.Reshares,
			Reactions:      wi.Reactions,
			Replies:        wi.Replies,
		},
		ParentRef:      wi.ParentRef,
		RawPayloadHash: HashPayload(raw),
	}
}

// HashPayload returns the hex SHA-256 of a raw platform response body.
func HashPayload(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
