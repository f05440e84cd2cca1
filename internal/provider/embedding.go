package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docfinder/internal/config"

	openaiEmbed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"
)

// Mode selects the calling convention of an embedding request.
type Mode int

const (
	ModeDocument Mode = iota
	ModeQuery
)

func (m Mode) String() string {
	if m == ModeQuery {
		return "query"
	}
	return "document"
}

// Embedder converts text into fixed length vectors.
type Embedder interface {
	Embed(ctx context.Context, text string, mode Mode) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, mode Mode) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// EmbedderOptions configures EinoEmbedder.
type EmbedderOptions struct {
	Model          string
	Dimensions     int
	QueryPrefix    string
	DocumentPrefix string
	Timeout        time.Duration
}

// EinoEmbedder adapts an eino embedding component. Query and document texts
// get their configured instruction prefixes.
type EinoEmbedder struct {
	inner embedding.Embedder
	opts  EmbedderOptions
}

// NewEinoEmbedder wraps inner.
func NewEinoEmbedder(inner embedding.Embedder, opts EmbedderOptions) *EinoEmbedder {
	return &EinoEmbedder{inner: inner, opts: opts}
}

// NewEmbedder builds an OpenAI compatible embedder from provider settings.
func NewEmbedder(ctx context.Context, p config.ProviderConfig, ref config.EmbeddingRef, timeout time.Duration) (*EinoEmbedder, error) {
	if p.APIKey == "" {
		return nil, fmt.Errorf("embedding provider %s: api key is required", ref.Provider)
	}
	cfg := &openaiEmbed.EmbeddingConfig{
		APIKey:  p.APIKey,
		BaseURL: p.BaseURL,
		Model:   p.Model,
		Timeout: timeout,
	}
	if ref.Dimensions > 0 {
		dims := ref.Dimensions
		cfg.Dimensions = &dims
	}
	inner, err := openaiEmbed.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return NewEinoEmbedder(inner, EmbedderOptions{
		Model:          p.Model,
		Dimensions:     ref.Dimensions,
		QueryPrefix:    ref.QueryPrefix,
		DocumentPrefix: ref.DocumentPrefix,
		Timeout:        timeout,
	}), nil
}

func (e *EinoEmbedder) prefix(mode Mode) string {
	if mode == ModeQuery {
		return e.opts.QueryPrefix
	}
	return e.opts.DocumentPrefix
}

// Embed generates a vector for one text.
func (e *EinoEmbedder) Embed(ctx context.Context, text string, mode Mode) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text}, mode)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates one vector per text, in order.
func (e *EinoEmbedder) EmbedBatch(ctx context.Context, texts []string, mode Mode) ([][]float32, error) {
	if e == nil || e.inner == nil {
		return nil, ErrUnavailable
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, fmt.Errorf("text %d is empty", i)
		}
		inputs[i] = e.prefix(mode) + t
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	vectors, err := e.inner.EmbedStrings(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: want %d got %d", len(texts), len(vectors))
	}

	result := make([][]float32, len(vectors))
	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, errors.New("empty embedding returned")
		}
		if e.opts.Dimensions > 0 && len(vec) != e.opts.Dimensions {
			return nil, fmt.Errorf("embedding dimension mismatch: want %d got %d", e.opts.Dimensions, len(vec))
		}
		out := make([]float32, len(vec))
		for j, v := range vec {
			out[j] = float32(v)
		}
		result[i] = out
	}
	return result, nil
}

// Dimensions returns the configured dimensionality, zero when unchecked.
func (e *EinoEmbedder) Dimensions() int {
	return e.opts.Dimensions
}

// ModelName returns the model identifier.
func (e *EinoEmbedder) ModelName() string {
	return e.opts.Model
}
