package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"docfinder/internal/config"
	"docfinder/internal/models"
)

const rerankTextChars = 500

// RerankDocument is one candidate presented to the reranker.
type RerankDocument struct {
	ID   int64
	Text string
}

// RerankScore is the relevance the reranker assigned to documents[Index].
type RerankScore struct {
	Index          int
	RelevanceScore float64
}

// Reranker reorders candidates by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []RerankDocument) ([]RerankScore, error)
}

// PassthroughReranker keeps the hybrid order with relevance 1.0.
type PassthroughReranker struct{}

func (PassthroughReranker) Rerank(_ context.Context, _ string, docs []RerankDocument) ([]RerankScore, error) {
	out := make([]RerankScore, len(docs))
	for i := range docs {
		out[i] = RerankScore{Index: i, RelevanceScore: 1.0}
	}
	return out, nil
}

// HTTPReranker calls a Cohere/Jina compatible POST {base_url}/rerank endpoint.
type HTTPReranker struct {
	client  *http.Client
	baseURL string
	model   string
	apiKey  string
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker builds a client from provider settings.
func NewHTTPReranker(p config.ProviderConfig, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPReranker{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		baseURL: strings.TrimRight(p.BaseURL, "/"),
		model:   p.Model,
		apiKey:  p.APIKey,
	}
}

type rerankRequest struct {
	Model           string   `json:"model,omitempty"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []RerankDocument) ([]RerankScore, error) {
	if len(docs) == 0 {
		return []RerankScore{}, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	body, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: texts,
		TopN:      len(docs),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rerank failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	out := make([]RerankScore, 0, len(decoded.Results))
	for _, res := range decoded.Results {
		out = append(out, RerankScore{Index: res.Index, RelevanceScore: res.RelevanceScore})
	}
	return out, nil
}

// RerankText builds the blob a reranker sees for one result.
func RerankText(r models.RankedResult) string {
	parts := []string{
		r.Document.FileName,
		r.Description,
		truncateRunes(r.Text, rerankTextChars),
		strings.Join(r.Tags, " "),
	}
	return strings.Join(parts, " ")
}

// applyRerank writes relevance scores onto results and reorders them by
// relevance. Every input result is kept: unscored results get 0 and ties keep
// the hybrid order.
func applyRerank(results []models.RankedResult, scores []RerankScore) []models.RankedResult {
	out := make([]models.RankedResult, len(results))
	copy(out, results)
	for i := range out {
		out[i].RelevanceScore = 0
	}
	seen := make(map[int]bool, len(scores))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(out) || seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		out[s.Index].RelevanceScore = clamp01(s.RelevanceScore)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelevanceScore > out[j].RelevanceScore
	})
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
