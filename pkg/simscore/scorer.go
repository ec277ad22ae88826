// Package simscore provides similarity scoring between two pieces of
// content. The HTTP client delegates to an external embedding service; the
// lexical scorer is a dependency-free fallback for deployments without one.
package simscore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Scorer scores textual similarity between two content items in [0,1].
type Scorer interface {
	Score(ctx context.Context, a, b string) (float64, error)
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

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a scorer backed by an external similarity service.
func NewClient(apiKey string, opts ...Option) Scorer {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.simscore.example.com/v1",
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Score(ctx context.Context, a, b string) (float64, error) {
	payload, err := json.Marshal(map[string]string{"text_a": a, "text_b": b})
	if err != nil {
		return 0, eris.Wrap(err, "simscore: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(payload))
	if err != nil {
		return 0, eris.Wrap(err, "simscore: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "simscore: request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, eris.Wrap(err, "simscore: read body")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, eris.Errorf("simscore: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, eris.Wrap(err, "simscore: decode response")
	}
	if out.Score < 0 || out.Score > 1 {
		return 0, eris.Errorf("simscore: score %f out of range", out.Score)
	}
	return out.Score, nil
}

// Lexical is a Jaccard similarity scorer over lower-cased word sets.
// Short stopwords are ignored so boilerplate ("the", "and") does not
// inflate scores between unrelated posts.
type Lexical struct{}

// NewLexical returns the built-in lexical scorer.
func NewLexical() Lexical { return Lexical{} }

func (Lexical) Score(_ context.Context, a, b string) (float64, error) {
	sa := termSet(a)
	sb := termSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0, nil
	}

	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union), nil
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) < 4 {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}
