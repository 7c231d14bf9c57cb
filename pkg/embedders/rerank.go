package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deeptavern/deeptavern/pkg/httpclient"
)

// Reranker rescores retrieval candidates against a query. Callers fall back
// to the original order when a rerank call fails.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
	Close() error
}

// RerankResult references a document by its index in the request.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

type RerankClient struct {
	client  *httpclient.Client
	apiKey  string
	baseURL string
	model   string
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewRerankClient(cfg Config) (*RerankClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for rerank")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for rerank")
	}

	model := cfg.Model
	if model == "" {
		model = "BAAI/bge-reranker-v2-m3"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &RerankClient{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
		),
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   model,
	}, nil
}

func (r *RerankClient) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/rerank", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(reqBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response rerankResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("rerank API error: %s", response.Error.Message)
	}

	return response.Results, nil
}

func (r *RerankClient) Close() error { return nil }

var _ Reranker = (*RerankClient)(nil)
