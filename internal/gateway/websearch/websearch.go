// Package websearch rewrites a prompt with retrieved web context for
// network-augmented chat calls.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client calls an external search service that returns retrieved snippets
// for a query.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	Context string `json:"context"`
}

// Rewrite returns the prompt wrapped with retrieved web context so the
// model can answer from fresh information. The caller falls back to the
// raw prompt on error.
func (c *Client) Rewrite(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(searchRequest{Query: prompt})
	if err != nil {
		return "", fmt.Errorf("encode search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search service returned status %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}
	if sr.Context == "" {
		return prompt, nil
	}

	return fmt.Sprintf("Use the following web search results to answer the question.\n\n%s\n\nQuestion: %s", sr.Context, prompt), nil
}
