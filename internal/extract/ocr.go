package extract

import (
	"context"
	"fmt"

	"docfinder/internal/provider"
)

// OCRResult is the raw output of an OCR engine. Confidence may be on a 0-1
// or 0-100 scale.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// OCREngine recognizes text in an image.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte, mediaType string) (OCRResult, error)
}

const ocrInstruction = `You are an OCR engine for scanned business documents and photos.
Transcribe every piece of legible text in the image, preserving line breaks.
Estimate how confident you are in the transcription as a number between 0 and 1.
If the image contains no text, return an empty string for text.

Return ONLY a JSON object: {"text": "...", "confidence": 0.0}`

// VisionOCR performs OCR with a multimodal chat model.
type VisionOCR struct {
	gen provider.Generator
}

// NewVisionOCR builds an OCR engine on top of a vision capable generator.
func NewVisionOCR(gen provider.Generator) *VisionOCR {
	return &VisionOCR{gen: gen}
}

func (v *VisionOCR) Recognize(ctx context.Context, image []byte, mediaType string) (OCRResult, error) {
	temp := float32(0)
	out, err := provider.GenerateJSON[OCRResult](ctx, v.gen, provider.Request{
		System:      ocrInstruction,
		User:        "Transcribe this image.",
		Images:      []provider.Image{{MediaType: mediaType, Data: image}},
		Temperature: &temp,
	})
	if err != nil {
		return OCRResult{}, fmt.Errorf("vision ocr: %w", err)
	}
	return out, nil
}
