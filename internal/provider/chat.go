package provider

import (
	"context"
	"fmt"
	"strings"

	"docfinder/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// NewChatModel builds a chat model for the named provider. Names are the
// keys of the providers config section; any name starting with "openai"
// is treated as an OpenAI compatible endpoint.
func NewChatModel(ctx context.Context, name string, p config.ProviderConfig) (model.ToolCallingChatModel, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch kind := strings.ToLower(name); {
	case strings.HasPrefix(kind, "openai"):
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: p.BaseURL,
			Model:   p.Model,
			APIKey:  p.APIKey,
		})
	case kind == "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: p.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  p.Model,
		})
	case kind == "claude":
		var baseURLPtr *string
		if p.BaseURL != "" {
			baseURLPtr = &p.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    p.APIKey,
			Model:     p.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", name, err)
	}
	return chatModel, nil
}
