package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/provider"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultPlanCacheSize = 512

const understandingInstruction = `You are a search query parser for a business document storage system.
Parse the user's query and extract structured information.

Return a JSON object with:
- intent: "retrieve", "filter", "summarize", or "analyze"
- timeRange: {"start": "YYYY-MM-DD", "end": "YYYY-MM-DD"} only if dates are mentioned; resolve relative dates such as "last year" or "8 years ago" against today's date
- documentTypes: document types such as "invoice", "receipt", "photo", "contract", "financial statement", "tax document", "employee record", "menu", "SOP"
- entities: {"dates": [], "amounts": [], "names": [], "locations": []}
- keywords: the important search terms

Examples:
Query: "show me tax documents from 2016-2018"
Output: {"intent":"retrieve","timeRange":{"start":"2016-01-01","end":"2018-12-31"},"documentTypes":["tax document","financial statement"],"entities":{"dates":["2016","2017","2018"],"amounts":[],"names":[],"locations":[]},"keywords":["tax"]}

Query: "find before photo of Johnson property"
Output: {"intent":"retrieve","documentTypes":["photo","image"],"entities":{"dates":[],"amounts":[],"names":["Johnson"],"locations":["property"]},"keywords":["before","photo","Johnson","property"]}

Return ONLY the JSON object, no explanation.`

type rawPlan struct {
	Intent    string `json:"intent"`
	TimeRange *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"timeRange"`
	DocumentTypes []string        `json:"documentTypes"`
	Entities      models.Entities `json:"entities"`
	Keywords      []string        `json:"keywords"`
}

// Understanding turns free text into a QueryPlan.
type Understanding struct {
	gen   provider.Generator
	cache *lru.Cache[string, models.QueryPlan]
	log   *slog.Logger
	now   func() time.Time
}

// NewUnderstanding builds a parser over gen; plans are cached per query text and day.
func NewUnderstanding(gen provider.Generator, cacheSize int, logger *slog.Logger) *Understanding {
	if gen == nil {
		gen = provider.Unavailable()
	}
	if cacheSize <= 0 {
		cacheSize = defaultPlanCacheSize
	}
	cache, _ := lru.New[string, models.QueryPlan](cacheSize)
	return &Understanding{
		gen:   gen,
		cache: cache,
		log:   logging.OrDefault(logger).With("component", "query_understanding"),
		now:   time.Now,
	}
}

// Parse never fails: provider or parse errors produce FallbackPlan.
// Plans are cached per day since relative dates resolve against today.
func (u *Understanding) Parse(ctx context.Context, query string) models.QueryPlan {
	today := u.now().Format(dateLayout)
	key := today + "\x00" + query
	if plan, ok := u.cache.Get(key); ok {
		return plan
	}
	temp := float32(0.1)
	raw, err := provider.GenerateJSON[rawPlan](ctx, u.gen, provider.Request{
		System:      understandingInstruction,
		User:        fmt.Sprintf("Today is %s.\nQuery: %q", today, query),
		Temperature: &temp,
	})
	if err != nil {
		if !errors.Is(err, provider.ErrUnavailable) {
			u.log.Warn("query parse failed; using keyword fallback", "query", query, "error", err)
		}
		return FallbackPlan(query)
	}
	plan := normalizePlan(raw)
	u.cache.Add(key, plan)
	return plan
}

// FallbackPlan keeps the lower-cased query tokens longer than three
// characters as keywords.
func FallbackPlan(query string) models.QueryPlan {
	var keywords []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(tok) > 3 {
			keywords = append(keywords, tok)
		}
	}
	return models.QueryPlan{
		Intent:        models.IntentRetrieve,
		DocumentTypes: []string{},
		Keywords:      keywords,
	}
}

const dateLayout = "2006-01-02"

func normalizePlan(raw rawPlan) models.QueryPlan {
	plan := models.QueryPlan{
		Intent:        models.ParseIntent(strings.ToLower(strings.TrimSpace(raw.Intent))),
		DocumentTypes: cleanTerms(raw.DocumentTypes),
		Entities:      raw.Entities,
		Keywords:      cleanTerms(raw.Keywords),
	}
	if raw.TimeRange != nil {
		tr := &models.TimeRange{}
		if start, ok := parseDate(raw.TimeRange.Start, false); ok {
			tr.Start = &start
		}
		if end, ok := parseDate(raw.TimeRange.End, true); ok {
			tr.End = &end
		}
		if !tr.Empty() {
			plan.TimeRange = tr
		}
	}
	return plan
}

// parseDate reads YYYY-MM-DD (or a bare year). End bounds extend to the last
// millisecond of the day so the whole day is included.
func parseDate(s string, end bool) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.ParseInLocation(dateLayout, s, time.UTC); err == nil {
		if end {
			t = t.Add(24*time.Hour - time.Millisecond)
		}
		return t, true
	}
	if t, err := time.ParseInLocation("2006", s, time.UTC); err == nil {
		if end {
			t = t.AddDate(1, 0, 0).Add(-time.Millisecond)
		}
		return t, true
	}
	return time.Time{}, false
}

func cleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
	}
	return out
}
