package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/provider"
	"docfinder/internal/service/documents"
)

const (
	FilenameBonus = 0.3
	TagBonus      = 0.2

	defaultCandidateLimit = 50
	snippetChars          = 240
)

// CandidateSource lists an owner's documents uploaded inside a time range.
type CandidateSource interface {
	Candidates(ctx context.Context, ownerID int64, tr *models.TimeRange) ([]documents.Candidate, error)
}

// Retriever scores candidates by vector similarity plus keyword bonuses.
type Retriever struct {
	source   CandidateSource
	embedder provider.Embedder
	limit    int
	log      *slog.Logger
}

// NewRetriever builds a retriever; limit caps the candidate list.
func NewRetriever(source CandidateSource, embedder provider.Embedder, limit int, logger *slog.Logger) *Retriever {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	return &Retriever{
		source:   source,
		embedder: embedder,
		limit:    limit,
		log:      logging.OrDefault(logger).With("component", "retriever"),
	}
}

// Retrieve returns the ranked candidates for query. An embedding failure
// degrades to keyword-only scoring; a storage failure is returned.
func (r *Retriever) Retrieve(ctx context.Context, query string, plan models.QueryPlan, ownerID int64) ([]models.RankedResult, error) {
	candidates, err := r.source.Candidates(ctx, ownerID, plan.TimeRange)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var queryVec []float32
	if r.embedder != nil {
		queryVec, err = r.embedder.Embed(ctx, query, provider.ModeQuery)
		if err != nil {
			r.log.Warn("query embedding failed; scoring without vectors", "error", err)
			queryVec = nil
		}
	}
	return Rank(candidates, queryVec, plan, r.limit), nil
}

// Rank applies the hard filters, scores and orders candidates, and caps the
// list at limit. Ties keep the input order.
func Rank(candidates []documents.Candidate, queryVec []float32, plan models.QueryPlan, limit int) []models.RankedResult {
	keywords := lowerAll(plan.Keywords)
	filterTypes := len(plan.DocumentTypes) > 0 && plan.Intent != models.IntentRetrieve
	types := lowerAll(plan.DocumentTypes)

	out := make([]models.RankedResult, 0, len(candidates))
	for _, c := range candidates {
		if !plan.TimeRange.Contains(c.Document.UploadedAt) {
			continue
		}
		if filterTypes && !matchesTypes(c, types) {
			continue
		}
		out = append(out, Score(c, queryVec, keywords))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].HybridScore > out[j].HybridScore
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Score computes the hybrid score of one candidate. keywords must be lower
// case.
func Score(c documents.Candidate, queryVec []float32, keywords []string) models.RankedResult {
	res := models.RankedResult{
		Document:         c.Document,
		Category:         c.Category,
		Tags:             c.Tags,
		Description:      c.Description,
		Snippet:          snippet(c.Text),
		Text:             c.Text,
		VectorSimilarity: CosineSimilarity(queryVec, c.Embedding),
	}
	if res.Tags == nil {
		res.Tags = models.StringList{}
	}
	name := strings.ToLower(c.Document.FileName)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(name, kw) {
			res.FilenameBonus = FilenameBonus
			break
		}
	}
	if tagsIntersect(c.Tags, keywords) {
		res.TagBonus = TagBonus
	}
	res.HybridScore = res.VectorSimilarity + res.FilenameBonus + res.TagBonus
	return res
}

// CosineSimilarity returns 1 - cosine distance, or 0 when either vector is
// missing, the dimensions differ, or a norm is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

func matchesTypes(c documents.Candidate, types []string) bool {
	category := strings.ToLower(string(c.Category))
	for _, t := range types {
		if t == category {
			return true
		}
	}
	return tagsIntersect(c.Tags, types)
}

func tagsIntersect(tags []string, terms []string) bool {
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		for _, term := range terms {
			if term != "" && tag == term {
				return true
			}
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, snippetChars)
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
