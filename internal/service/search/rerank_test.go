package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"docfinder/internal/config"
	"docfinder/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rankedIDs(results []models.RankedResult) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Document.ID
	}
	return ids
}

func sampleResults(n int) []models.RankedResult {
	out := make([]models.RankedResult, n)
	for i := range out {
		out[i] = models.RankedResult{Document: models.Document{ID: int64(i + 1)}, HybridScore: float64(n - i)}
	}
	return out
}

func TestApplyRerankPreservesSet(t *testing.T) {
	cases := map[string][]RerankScore{
		"full":         {{Index: 2, RelevanceScore: 0.9}, {Index: 0, RelevanceScore: 0.5}, {Index: 1, RelevanceScore: 0.7}, {Index: 3, RelevanceScore: 0.1}},
		"partial":      {{Index: 3, RelevanceScore: 0.8}},
		"duplicates":   {{Index: 1, RelevanceScore: 0.9}, {Index: 1, RelevanceScore: 0.2}},
		"out of range": {{Index: -1, RelevanceScore: 1}, {Index: 7, RelevanceScore: 1}},
		"empty":        nil,
	}
	for name, scores := range cases {
		t.Run(name, func(t *testing.T) {
			in := sampleResults(4)
			out := applyRerank(in, scores)
			assert.ElementsMatch(t, rankedIDs(in), rankedIDs(out))
			assert.Equal(t, []int64{1, 2, 3, 4}, rankedIDs(in), "input must not be reordered")
		})
	}
}

func TestApplyRerankOrdersByRelevanceStably(t *testing.T) {
	out := applyRerank(sampleResults(4), []RerankScore{
		{Index: 2, RelevanceScore: 0.9},
		{Index: 0, RelevanceScore: 0.5},
		{Index: 3, RelevanceScore: 0.5},
	})
	assert.Equal(t, []int64{3, 1, 4, 2}, rankedIDs(out))
	assert.Equal(t, 0.9, out[0].RelevanceScore)
	assert.Zero(t, out[3].RelevanceScore)
}

func TestPassthroughKeepsOrder(t *testing.T) {
	in := sampleResults(3)
	docs := []RerankDocument{{ID: 1}, {ID: 2}, {ID: 3}}
	scores, err := PassthroughReranker{}.Rerank(context.Background(), "q", docs)
	require.NoError(t, err)
	out := applyRerank(in, scores)
	assert.Equal(t, []int64{1, 2, 3}, rankedIDs(out))
	for _, r := range out {
		assert.Equal(t, 1.0, r.RelevanceScore)
	}
}

func TestHTTPRerankerRequestsFullCandidateSet(t *testing.T) {
	var got rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/rerank", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"index":1,"relevance_score":0.93},{"index":0,"relevance_score":0.12}]}`))
	}))
	defer srv.Close()

	rr := NewHTTPReranker(config.ProviderConfig{BaseURL: srv.URL + "/v2/", Model: "rerank-v3.5", APIKey: "secret"}, 0)
	scores, err := rr.Rerank(context.Background(), "invoice", []RerankDocument{{ID: 10, Text: "a"}, {ID: 11, Text: "b"}})
	require.NoError(t, err)

	assert.Equal(t, "invoice", got.Query)
	assert.Equal(t, []string{"a", "b"}, got.Documents)
	assert.Equal(t, 2, got.TopN)
	assert.Equal(t, "rerank-v3.5", got.Model)
	assert.Equal(t, []RerankScore{{Index: 1, RelevanceScore: 0.93}, {Index: 0, RelevanceScore: 0.12}}, scores)
}

func TestHTTPRerankerReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rr := NewHTTPReranker(config.ProviderConfig{BaseURL: srv.URL}, 0)
	_, err := rr.Rerank(context.Background(), "q", []RerankDocument{{ID: 1, Text: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestRerankTextCombinesFields(t *testing.T) {
	long := make([]rune, 600)
	for i := range long {
		long[i] = 'x'
	}
	text := RerankText(models.RankedResult{
		Document:    models.Document{FileName: "lease.pdf"},
		Description: "Office lease",
		Text:        string(long),
		Tags:        models.StringList{"contract", "lease"},
	})
	assert.Equal(t, "lease.pdf Office lease "+string(long[:500])+" contract lease", text)
}
