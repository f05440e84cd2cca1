package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

var (
	// ErrParse means the model answered but not with the expected JSON.
	ErrParse = errors.New("model output is not valid JSON")
	// ErrUnavailable means no provider is configured for the capability.
	ErrUnavailable = errors.New("model provider unavailable")
)

// Image is inline image input for vision requests.
type Image struct {
	MediaType string
	Data      []byte
}

// Request is one structured generation call. System carries the fixed
// instruction template; User carries the per-call input.
type Request struct {
	System      string
	User        string
	Images      []Image
	Temperature *float32
}

// Generator turns a request into model text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ChatGenerator adapts an eino chat model to Generator.
type ChatGenerator struct {
	model   model.BaseChatModel
	timeout time.Duration
}

// NewChatGenerator wraps m; timeout bounds every call when positive.
func NewChatGenerator(m model.BaseChatModel, timeout time.Duration) *ChatGenerator {
	return &ChatGenerator{model: m, timeout: timeout}
}

func (g *ChatGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if g == nil || g.model == nil {
		return "", ErrUnavailable
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	messages := make([]*schema.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, schema.SystemMessage(req.System))
	}
	messages = append(messages, userMessage(req))

	var opts []model.Option
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}
	resp, err := g.model.Generate(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil {
		return "", errors.New("generate: empty response")
	}
	return resp.Content, nil
}

func userMessage(req Request) *schema.Message {
	if len(req.Images) == 0 {
		return schema.UserMessage(req.User)
	}
	parts := make([]schema.ChatMessagePart, 0, len(req.Images)+1)
	if req.User != "" {
		parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: req.User})
	}
	for _, img := range req.Images {
		parts = append(parts, schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: DataURL(img)},
		})
	}
	return &schema.Message{Role: schema.User, MultiContent: parts}
}

// DataURL encodes an image as a base64 data URL.
func DataURL(img Image) string {
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	var b strings.Builder
	b.WriteString("data:")
	b.WriteString(mediaType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(img.Data))
	return b.String()
}

// unavailable always fails; used when a capability has no provider.
type unavailable struct{}

func (unavailable) Generate(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}

// Unavailable returns a Generator that always reports ErrUnavailable, so
// callers fall back to their deterministic defaults.
func Unavailable() Generator {
	return unavailable{}
}

// GenerateJSON runs req and decodes the first well-formed JSON object of the
// answer into T. Provider errors are returned as is; malformed output is
// reported as ErrParse.
func GenerateJSON[T any](ctx context.Context, g Generator, req Request) (T, error) {
	var zero T
	if g == nil {
		return zero, ErrUnavailable
	}
	text, err := g.Generate(ctx, req)
	if err != nil {
		return zero, err
	}
	return DecodeJSON[T](text)
}
