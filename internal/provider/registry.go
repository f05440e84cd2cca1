package provider

import (
	"context"
	"fmt"
	"log/slog"

	"docfinder/internal/config"
	"docfinder/internal/logging"
)

// Models bundles the model capabilities the service consumes. A capability
// without a configured provider reports ErrUnavailable on use.
type Models struct {
	Chat     Generator
	Vision   Generator
	Embedder Embedder
}

// Build constructs every capability named in cfg.Models.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Models, error) {
	logger = logging.OrDefault(logger)
	timeout := cfg.Models.Timeout.Duration
	m := &Models{Chat: Unavailable(), Vision: Unavailable()}

	chat, err := buildGenerator(ctx, cfg, cfg.Models.Chat)
	if err != nil {
		return nil, fmt.Errorf("chat model: %w", err)
	}
	if chat != nil {
		m.Chat = chat
	} else {
		logger.Warn("no chat provider configured; tagging and query parsing use fallbacks")
	}

	vision, err := buildGenerator(ctx, cfg, cfg.Models.Vision)
	if err != nil {
		return nil, fmt.Errorf("vision model: %w", err)
	}
	if vision != nil {
		m.Vision = vision
	} else {
		logger.Warn("no vision provider configured; images index without text")
	}

	ref := cfg.Models.Embedding
	if p, ok := cfg.Provider(ref.ModelRef); ok {
		emb, err := NewEmbedder(ctx, p, ref, timeout)
		if err != nil {
			return nil, fmt.Errorf("embedding model: %w", err)
		}
		m.Embedder = emb
	} else {
		logger.Warn("no embedding provider configured; vector similarity is disabled")
		m.Embedder = unavailableEmbedder{}
	}
	return m, nil
}

func buildGenerator(ctx context.Context, cfg *config.Config, ref config.ModelRef) (Generator, error) {
	p, ok := cfg.Provider(ref)
	if !ok {
		return nil, nil
	}
	chatModel, err := NewChatModel(ctx, ref.Provider, p)
	if err != nil {
		return nil, err
	}
	return NewChatGenerator(chatModel, cfg.Models.Timeout.Duration), nil
}

type unavailableEmbedder struct{}

func (unavailableEmbedder) Embed(context.Context, string, Mode) ([]float32, error) {
	return nil, ErrUnavailable
}

func (unavailableEmbedder) EmbedBatch(context.Context, []string, Mode) ([][]float32, error) {
	return nil, ErrUnavailable
}

func (unavailableEmbedder) Dimensions() int   { return 0 }
func (unavailableEmbedder) ModelName() string { return "" }
