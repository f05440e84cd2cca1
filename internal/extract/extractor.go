// Package extract turns stored files into plain text with a confidence score.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"strings"

	"docfinder/internal/logging"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

// Result is the extracted text of one file.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

const (
	mediaDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mediaDOC  = "application/msword"
	mediaXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mediaXLS  = "application/vnd.ms-excel"
	mediaPDF  = "application/pdf"
)

var textTypes = map[string]bool{
	"text/plain":       true,
	"text/markdown":    true,
	"text/csv":         true,
	"application/json": true,
}

// Supported reports whether mediaType has an extraction strategy.
func Supported(mediaType string) bool {
	mt := normalize(mediaType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return true
	case mt == mediaPDF, mt == mediaDOCX, mt == mediaDOC, mt == mediaXLSX, mt == mediaXLS:
		return true
	default:
		return textTypes[mt]
	}
}

// Extractor dispatches on media type. It never fails: problems degrade to
// empty text with zero confidence.
type Extractor struct {
	ocr    OCREngine
	loader document.Loader
	log    *slog.Logger
}

// New builds an extractor. ocr may be nil, in which case images yield no text.
func New(ctx context.Context, ocr OCREngine, logger *slog.Logger) (*Extractor, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init ext parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &Extractor{
		ocr:    ocr,
		loader: loader,
		log:    logging.OrDefault(logger).With("component", "extractor"),
	}, nil
}

// Extract reads path and returns its text.
func (e *Extractor) Extract(ctx context.Context, path, mediaType string) (res Result) {
	mt := normalize(mediaType)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("extractor panic", "path", path, "media_type", mt, "panic", r)
			res = Result{}
		}
	}()

	var (
		text       string
		confidence = 1.0
		err        error
	)
	switch {
	case strings.HasPrefix(mt, "image/"):
		text, confidence, err = e.extractImage(ctx, path, mt)
	case mt == mediaPDF:
		text, err = e.readWith(path, extractPDFText)
	case mt == mediaDOCX, mt == mediaDOC:
		text, err = e.readWith(path, extractDOCXText)
	case mt == mediaXLSX, mt == mediaXLS:
		text, err = e.readWith(path, extractSheetText)
	case textTypes[mt]:
		text, err = e.extractPlain(ctx, path)
	default:
		e.log.Info("unsupported media type for text extraction", "path", path, "media_type", mt)
		return Result{Text: "", Confidence: 1.0}
	}
	if err != nil {
		e.log.Error("text extraction failed", "path", path, "media_type", mt, "error", err)
		return Result{}
	}

	text = strings.TrimSpace(text)
	e.log.Debug("text extraction complete", "path", path, "media_type", mt, "chars", len(text))
	return Result{Text: text, Confidence: clamp01(confidence)}
}

func (e *Extractor) readWith(path string, fn func([]byte) (string, error)) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return fn(data)
}

func (e *Extractor) extractPlain(ctx context.Context, path string) (string, error) {
	docs, err := e.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	var b strings.Builder
	for i, doc := range docs {
		if doc == nil {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(doc.Content)
	}
	return b.String(), nil
}

func (e *Extractor) extractImage(ctx context.Context, path, mediaType string) (string, float64, error) {
	if e.ocr == nil {
		return "", 0, fmt.Errorf("no OCR engine configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	out, err := e.ocr.Recognize(ctx, data, mediaType)
	if err != nil {
		return "", 0, err
	}
	return out.Text, NormalizeConfidence(out.Confidence), nil
}

// NormalizeConfidence maps an engine confidence onto [0,1]. Values above 1
// are percentages.
func NormalizeConfidence(c float64) float64 {
	if c > 1 {
		c /= 100
	}
	return clamp01(c)
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

func normalize(mediaType string) string {
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}
