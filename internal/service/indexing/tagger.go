package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/provider"
)

const previewChars = 2000

const taggerInstruction = `You catalogue business documents for a document search system.
Given a file name, its type and a preview of its text, describe the document.

Return ONLY a JSON object with these fields:
- category: one of "financial", "operational", "compliance", "marketing", "hr", "customer", "legal", "other"
- tags: 3 to 7 short lowercase tags such as "invoice", "receipt", "contract", "tax document", "employee record", "before photo", "inspection report"
- description: one or two sentences describing the document
- entities: {"dates": [], "amounts": [], "names": [], "locations": []} with every date, money amount, person or company name and place mentioned
- confidence: a number between 0 and 1`

type taggerOutput struct {
	Category    string          `json:"category"`
	Tags        []string        `json:"tags"`
	Description string          `json:"description"`
	Entities    models.Entities `json:"entities"`
	Confidence  *float64        `json:"confidence"`
}

// Tagger derives category, tags, entities and a description for a document.
type Tagger struct {
	gen provider.Generator
	log *slog.Logger
}

// NewTagger builds a tagger over a text generation provider.
func NewTagger(gen provider.Generator, logger *slog.Logger) *Tagger {
	if gen == nil {
		gen = provider.Unavailable()
	}
	return &Tagger{gen: gen, log: logging.OrDefault(logger).With("component", "tagger")}
}

// Tag asks the model for metadata. Malformed answers and a missing provider
// yield FallbackMetadata; other provider errors are returned so the indexing
// job can retry.
func (t *Tagger) Tag(ctx context.Context, filename, text, mediaType string) (models.DocumentMetadata, error) {
	temp := float32(0.3)
	out, err := provider.GenerateJSON[taggerOutput](ctx, t.gen, provider.Request{
		System: taggerInstruction,
		User: fmt.Sprintf("Filename: %s\nFile Type: %s\nContent Preview: %s",
			filename, mediaType, truncateRunes(text, previewChars)),
		Temperature: &temp,
	})
	switch {
	case errors.Is(err, provider.ErrParse):
		t.log.Warn("tagger output unparseable; using fallback", "filename", filename, "error", err)
		return FallbackMetadata(mediaType), nil
	case errors.Is(err, provider.ErrUnavailable):
		return FallbackMetadata(mediaType), nil
	case err != nil:
		return models.DocumentMetadata{}, fmt.Errorf("tag %s: %w", filename, err)
	}

	meta := models.DocumentMetadata{
		Category:    models.ParseCategory(out.Category),
		Tags:        normalizeTags(out.Tags),
		Entities:    out.Entities,
		Description: strings.TrimSpace(out.Description),
		Confidence:  0.5,
	}
	if out.Confidence != nil {
		meta.Confidence = clamp01(*out.Confidence)
	}
	if len(meta.Tags) == 0 {
		meta.Tags = models.StringList{mediaType}
	}
	if meta.Description == "" {
		meta.Description = fmt.Sprintf("A %s file", mediaType)
	}
	return meta, nil
}

// FallbackMetadata is the deterministic metadata used when the model answer
// cannot be used.
func FallbackMetadata(mediaType string) models.DocumentMetadata {
	return models.DocumentMetadata{
		Category:    models.CategoryOther,
		Tags:        models.StringList{mediaType},
		Description: fmt.Sprintf("A %s file", mediaType),
		Confidence:  0.5,
	}
}

func normalizeTags(tags []string) models.StringList {
	seen := make(map[string]bool, len(tags))
	out := make(models.StringList, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
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
