package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/provider"
)

// AnswerTopN is how many reranked documents the answer extractor reads.
const AnswerTopN = 5

const answerContentChars = 3000

// AnswerSource is one document handed to the answer extractor.
type AnswerSource struct {
	Filename   string
	Content    string
	Category   models.Category
	Tags       []string
	UploadedAt time.Time
}

// AnswerExtractor pulls a direct answer out of the top documents.
type AnswerExtractor interface {
	Extract(ctx context.Context, query string, sources []AnswerSource) (*models.ExtractedAnswer, error)
}

const answerInstruction = `You are a data extraction assistant. Find the specific information in the
business documents below that answers the user's question.

1. Read every document.
2. Extract the exact data that answers the question (numbers, dates, names, amounts).
3. If the documents do not contain the answer, set hasDirectAnswer to false.
4. Cite the documents you used by their number.

Respond with ONLY a JSON object:
{"answer": "...", "hasDirectAnswer": true, "confidence": 0.0, "citations": [{"documentIndex": 1, "excerpt": "...", "relevance": 0.0}]}

Example:
Question: "What were my capital gains in 2017?"
Answer: {"answer":"Capital gains in 2017 were $47,250.","hasDirectAnswer":true,"confidence":0.95,"citations":[{"documentIndex":1,"excerpt":"2017 Schedule D: Long-term capital gains $47,250","relevance":1.0}]}`

type answerOutput struct {
	Answer          string  `json:"answer"`
	HasDirectAnswer bool    `json:"hasDirectAnswer"`
	Confidence      float64 `json:"confidence"`
	Citations       []struct {
		DocumentIndex int     `json:"documentIndex"`
		Excerpt       string  `json:"excerpt"`
		Relevance     float64 `json:"relevance"`
	} `json:"citations"`
}

// LLMAnswerExtractor asks a text generation model for the answer.
type LLMAnswerExtractor struct {
	gen provider.Generator
	log *slog.Logger
}

func NewLLMAnswerExtractor(gen provider.Generator, logger *slog.Logger) *LLMAnswerExtractor {
	if gen == nil {
		gen = provider.Unavailable()
	}
	return &LLMAnswerExtractor{gen: gen, log: logging.OrDefault(logger).With("component", "answer_extractor")}
}

func (x *LLMAnswerExtractor) Extract(ctx context.Context, query string, sources []AnswerSource) (*models.ExtractedAnswer, error) {
	if len(sources) == 0 {
		return &models.ExtractedAnswer{}, nil
	}
	temp := float32(0.1)
	out, err := provider.GenerateJSON[answerOutput](ctx, x.gen, provider.Request{
		System:      answerInstruction,
		User:        fmt.Sprintf("User Question: %q\n\nDocuments:\n%s", query, renderSources(sources)),
		Temperature: &temp,
	})
	if err != nil {
		return nil, err
	}
	answer := &models.ExtractedAnswer{
		HasDirectAnswer: out.HasDirectAnswer,
		Answer:          strings.TrimSpace(out.Answer),
	}
	for _, c := range out.Citations {
		if c.DocumentIndex < 1 || c.DocumentIndex > len(sources) {
			x.log.Debug("dropping citation with unknown document index", "index", c.DocumentIndex)
			continue
		}
		answer.Citations = append(answer.Citations, models.Citation{
			Filename: sources[c.DocumentIndex-1].Filename,
			Excerpt:  c.Excerpt,
		})
	}
	return answer, nil
}

func renderSources(sources []AnswerSource) string {
	blocks := make([]string, len(sources))
	for i, s := range sources {
		var b strings.Builder
		fmt.Fprintf(&b, "[Document %d: %s]\n", i+1, s.Filename)
		if s.Category != "" {
			fmt.Fprintf(&b, "Category: %s\n", s.Category)
		}
		if len(s.Tags) > 0 {
			fmt.Fprintf(&b, "Tags: %s\n", strings.Join(s.Tags, ", "))
		}
		if !s.UploadedAt.IsZero() {
			fmt.Fprintf(&b, "Uploaded: %s\n", s.UploadedAt.Format(dateLayout))
		}
		b.WriteString(truncateRunes(s.Content, answerContentChars))
		b.WriteString("\n")
		blocks[i] = b.String()
	}
	return strings.Join(blocks, "\n---\n\n")
}

func answerSources(results []models.RankedResult) []AnswerSource {
	n := len(results)
	if n > AnswerTopN {
		n = AnswerTopN
	}
	out := make([]AnswerSource, n)
	for i := 0; i < n; i++ {
		r := results[i]
		out[i] = AnswerSource{
			Filename:   r.Document.FileName,
			Content:    r.Text,
			Category:   r.Category,
			Tags:       r.Tags,
			UploadedAt: r.Document.UploadedAt,
		}
	}
	return out
}
