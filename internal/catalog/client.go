// Package catalog wraps the external product catalog search API. The client
// owns its bearer-token session (no process-global token state) and
// normalizes the provider's loosely-shaped result records into the canonical
// types.CandidateMatch before anything else sees them.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"shelfaudit/internal/config"
	"shelfaudit/internal/types"
)

// Searcher is the contract the funnel depends on.
type Searcher interface {
	Search(ctx context.Context, query string, hints Hints) (*SearchResult, error)
}

// Hints carries the structured attributes behind a free-text query so the
// provider can weight fields if it supports that.
type Hints struct {
	Brand       string `json:"brand,omitempty"`
	ProductName string `json:"productName,omitempty"`
	Flavor      string `json:"flavor,omitempty"`
	Size        string `json:"size,omitempty"`
}

// SearchResult is the normalized response of one search call.
type SearchResult struct {
	Candidates    []types.CandidateMatch
	ResolvedQuery string
}

// Client is an HTTP catalog client with on-demand token refresh.
type Client struct {
	baseURL    string
	token      string
	maxResults int
	timeout    time.Duration
	httpClient *http.Client
	log        *zap.Logger

	mu          sync.Mutex
	bearer      string
	bearerUntil time.Time
}

// NewClient builds a client from config.
func NewClient(cfg config.CatalogConfig, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		maxResults: cfg.MaxResults,
		timeout:    config.Duration(cfg.Timeout),
		httpClient: &http.Client{},
		log:        log.Named("catalog"),
	}
}

// BuildQuery concatenates brand, product name, flavor and size when available,
// falling back to the brand alone.
func BuildQuery(d *types.Detection) (string, Hints) {
	hints := Hints{
		Brand:       d.Brand.Value,
		ProductName: d.ProductName.Value,
		Flavor:      d.Flavor.Value,
		Size:        d.Size.Value,
	}
	parts := make([]string, 0, 4)
	for _, p := range []string{d.Brand.Value, d.ProductName.Value, d.Flavor.Value, d.Size.Value} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	if len(parts) == 0 {
		return "", hints
	}
	return strings.Join(parts, " "), hints
}

type searchRequest struct {
	Query string `json:"query"`
	Hints Hints  `json:"hints"`
	Limit int    `json:"limit"`
	Fuzzy bool   `json:"fuzzy"`
}

type searchResponse struct {
	ResolvedQuery string            `json:"resolved_query"`
	Products      []providerProduct `json:"products"`
	Error         *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Search runs one fuzzy catalog query. The result set is capped at
// MaxResults and carries whatever ordering the provider chose.
func (c *Client) Search(ctx context.Context, query string, hints Hints) (*SearchResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("catalog base URL not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(searchRequest{
		Query: query,
		Hints: hints,
		Limit: c.maxResults,
		Fuzzy: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	resp, err := c.doAuthorized(ctx, body)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{ResolvedQuery: resp.ResolvedQuery}
	if result.ResolvedQuery == "" {
		result.ResolvedQuery = query
	}
	for _, p := range resp.Products {
		cand, ok := p.normalize()
		if !ok {
			continue
		}
		result.Candidates = append(result.Candidates, cand)
		if len(result.Candidates) >= c.maxResults {
			break
		}
	}
	c.log.Debug("catalog search",
		zap.String("query", query),
		zap.Int("candidates", len(result.Candidates)))
	return result, nil
}

// doAuthorized posts the search body with a valid bearer token, refreshing
// once on 401 before giving up.
func (c *Client) doAuthorized(ctx context.Context, body []byte) (*searchResponse, error) {
	for attempt := 0; attempt < 2; attempt++ {
		bearer, err := c.currentBearer(ctx, attempt > 0)
		if err != nil {
			return nil, fmt.Errorf("catalog auth failed: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+bearer)

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("catalog request failed: %w", err)
		}
		respBody, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog response: %w", err)
		}

		if httpResp.StatusCode == http.StatusUnauthorized {
			c.log.Warn("catalog token rejected, refreshing")
			continue
		}
		if httpResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("catalog returned status %d: %s", httpResp.StatusCode, string(respBody))
		}

		var resp searchResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse catalog response: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("catalog error: %s", resp.Error.Message)
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("catalog auth failed after refresh")
}

// currentBearer returns a usable session token, exchanging the configured API
// token for a fresh session when expired or when force is set.
func (c *Client) currentBearer(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.bearer != "" && time.Now().Before(c.bearerUntil) {
		return c.bearer, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/session", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session endpoint returned status %d", resp.StatusCode)
	}

	var session struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"` // seconds
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return "", fmt.Errorf("failed to parse session response: %w", err)
	}
	if session.Token == "" {
		return "", fmt.Errorf("session endpoint returned empty token")
	}

	ttl := time.Duration(session.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	// Refresh a little early so in-flight calls don't straddle expiry.
	c.bearer = session.Token
	c.bearerUntil = time.Now().Add(ttl - 30*time.Second)
	return c.bearer, nil
}
