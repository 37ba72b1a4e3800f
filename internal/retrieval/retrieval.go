// Package retrieval consumes the vector-search collaborator. Retrieval
// failures are a degraded mode, not an error the exam flow surfaces: callers
// fall back to an empty passage list.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Retriever fetches scenario-specific reference passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, indexRef, query string) ([]string, error)
}

// Client calls an HTTP vector-search service.
type Client struct {
	baseURL string
	topK    int
	http    *http.Client
}

// NewClient creates a retrieval client for the given base URL.
func NewClient(baseURL string, topK int) *Client {
	return &Client{
		baseURL: baseURL,
		topK:    topK,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type retrieveRequest struct {
	Index string `json:"index"`
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type retrieveResponse struct {
	Passages []struct {
		Text string `json:"text"`
	} `json:"passages"`
}

// Retrieve returns the passages most relevant to the query from the named
// index.
func (c *Client) Retrieve(ctx context.Context, indexRef, query string) ([]string, error) {
	body, err := json.Marshal(retrieveRequest{Index: indexRef, Query: query, TopK: c.topK})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vector search: unexpected status %d", resp.StatusCode)
	}

	var result retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("vector search: decode response: %w", err)
	}

	var passages []string
	for _, p := range result.Passages {
		if p.Text != "" {
			passages = append(passages, p.Text)
		}
	}
	return passages, nil
}

// Noop is a Retriever that always returns no passages. Used when no
// vector-search endpoint is configured.
type Noop struct{}

// Retrieve implements Retriever.
func (Noop) Retrieve(context.Context, string, string) ([]string, error) {
	return nil, nil
}
