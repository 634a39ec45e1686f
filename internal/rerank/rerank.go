// Package rerank reorders vector-retrieved candidates with a cross-encoder
// style reranking API. The default provider is "none" (ordering unchanged);
// "cohere" calls Cohere's rerank endpoint over a hand-rolled HTTP client, the
// same approach the rest of this codebase's lineage uses for small,
// single-purpose API calls rather than pulling in a dedicated SDK.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Candidate is one item eligible for reranking.
type Candidate struct {
	Index int
	Text  string
}

// Reranker reorders candidates by relevance to query and returns the top-K
// indices (into the original Candidate slice), most relevant first.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]int, error)
}

// Noop leaves ordering unchanged and returns the first topK indices,
// matching the documented fallback behavior on any rerank error.
type Noop struct{}

func (Noop) Rerank(_ context.Context, _ string, candidates []Candidate, topK int) ([]int, error) {
	return sliceTopK(candidates, topK), nil
}

func sliceTopK(candidates []Candidate, topK int) []int {
	if topK > len(candidates) {
		topK = len(candidates)
	}
	out := make([]int, topK)
	for i := 0; i < topK; i++ {
		out[i] = candidates[i].Index
	}
	return out
}

// Cohere calls Cohere's /v1/rerank endpoint.
type Cohere struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewCohere builds a Cohere reranker. httpClient may be nil, in which case
// http.DefaultClient is used.
func NewCohere(apiKey, model string, httpClient *http.Client) *Cohere {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Cohere{APIKey: apiKey, Model: model, BaseURL: "https://api.cohere.com", HTTPClient: httpClient}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank calls the Cohere endpoint; on any error the caller is expected to
// fall back to Noop per spec.md's retrieval step 4.
func (c *Cohere) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]int, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	docs := make([]string, len(candidates))
	for i, cand := range candidates {
		docs[i] = cand.Text
	}

	reqBody, err := json.Marshal(rerankRequest{Model: c.Model, Query: query, Documents: docs, TopN: topK})
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.BaseURL+"/v1/rerank", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank error: %s: %s", resp.Status, string(b))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	sort.Slice(parsed.Results, func(i, j int) bool {
		return parsed.Results[i].RelevanceScore > parsed.Results[j].RelevanceScore
	})

	if topK > len(parsed.Results) {
		topK = len(parsed.Results)
	}
	out := make([]int, topK)
	for i := 0; i < topK; i++ {
		out[i] = candidates[parsed.Results[i].Index].Index
	}
	return out, nil
}
