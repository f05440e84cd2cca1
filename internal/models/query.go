package models

import "time"

// Intent classifies what the user wants from a query.
type Intent string

const (
	IntentRetrieve  Intent = "retrieve"
	IntentFilter    Intent = "filter"
	IntentSummarize Intent = "summarize"
	IntentAnalyze   Intent = "analyze"
)

// ParseIntent returns the matching intent, or retrieve when unknown.
func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentFilter, IntentSummarize, IntentAnalyze:
		return Intent(s)
	default:
		return IntentRetrieve
	}
}

// TimeRange bounds upload time; either end may be open.
type TimeRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Empty reports whether neither bound is set.
func (r *TimeRange) Empty() bool {
	return r == nil || (r.Start == nil && r.End == nil)
}

// Contains reports whether t falls inside the range, inclusive.
func (r *TimeRange) Contains(t time.Time) bool {
	if r.Empty() {
		return true
	}
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}

// QueryPlan is the structured interpretation of a free-text query.
type QueryPlan struct {
	Intent        Intent     `json:"intent"`
	TimeRange     *TimeRange `json:"timeRange,omitempty"`
	DocumentTypes []string   `json:"documentTypes"`
	Entities      Entities   `json:"entities"`
	Keywords      []string   `json:"keywords"`
}

// RankedResult is one document with its component scores.
type RankedResult struct {
	Document         Document   `json:"document"`
	Category         Category   `json:"category,omitempty"`
	Tags             StringList `json:"tags"`
	Description      string     `json:"description,omitempty"`
	Snippet          string     `json:"snippet,omitempty"`
	VectorSimilarity float64    `json:"vector_similarity"`
	FilenameBonus    float64    `json:"filename_bonus"`
	TagBonus         float64    `json:"tag_bonus"`
	HybridScore      float64    `json:"hybrid_score"`
	RelevanceScore   float64    `json:"relevance_score"`

	// Text is the extracted text used for reranking and answers.
	Text string `json:"-"`
}

// Citation points an answer back to a source document.
type Citation struct {
	Filename string `json:"filename"`
	Excerpt  string `json:"excerpt"`
}

// ExtractedAnswer is the optional direct answer to a query.
type ExtractedAnswer struct {
	HasDirectAnswer bool       `json:"hasDirectAnswer"`
	Answer          string     `json:"answer,omitempty"`
	Citations       []Citation `json:"citations,omitempty"`
}

// SearchResponse is the envelope returned by the search API.
type SearchResponse struct {
	Results            []RankedResult   `json:"results"`
	Total              int              `json:"total"`
	QueryUnderstanding QueryPlan        `json:"query_understanding"`
	ExtractedAnswer    *ExtractedAnswer `json:"extractedAnswer"`
}

// SearchLog records one executed query.
type SearchLog struct {
	ID         int64     `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	Query      string    `json:"query"`
	Results    int       `json:"results"`
	SearchedAt time.Time `json:"searched_at"`
}

// Suggestions feeds the search box.
type Suggestions struct {
	Recent   []string `json:"recent"`
	Examples []string `json:"examples"`
}
