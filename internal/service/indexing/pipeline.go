// Package indexing runs the stages that turn an uploaded file into
// searchable text, vectors and metadata.
package indexing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"docfinder/internal/extract"
	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/provider"
	"docfinder/internal/service/documents"

	"golang.org/x/sync/errgroup"
)

// maxEmbedChars bounds the text sent to the embedding model.
const maxEmbedChars = 8000

// Stage processes one document.
type Stage func(ctx context.Context, documentID int64) error

// ContentExtractor is satisfied by *extract.Extractor.
type ContentExtractor interface {
	Extract(ctx context.Context, path, mediaType string) extract.Result
}

// MetadataTagger is satisfied by *Tagger.
type MetadataTagger interface {
	Tag(ctx context.Context, filename, text, mediaType string) (models.DocumentMetadata, error)
}

// Pipeline owns one handler per job kind.
type Pipeline struct {
	docs      *documents.Service
	extractor ContentExtractor
	embedder  provider.Embedder
	tagger    MetadataTagger
	handlers  map[models.JobKind]Stage
	log       *slog.Logger
}

// NewPipeline wires the stages.
func NewPipeline(docs *documents.Service, extractor ContentExtractor, embedder provider.Embedder, tagger MetadataTagger, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		docs:      docs,
		extractor: extractor,
		embedder:  embedder,
		tagger:    tagger,
		log:       logging.OrDefault(logger).With("component", "pipeline"),
	}
	p.handlers = map[models.JobKind]Stage{
		models.JobOCR:     p.OCR,
		models.JobEmbed:   p.Embed,
		models.JobAnalyze: p.Analyze,
		models.JobReindex: p.Reindex,
	}
	return p
}

// Handler returns the stage registered for kind.
func (p *Pipeline) Handler(kind models.JobKind) (Stage, bool) {
	h, ok := p.handlers[kind]
	return h, ok
}

// Run dispatches a claimed job to its stage.
func (p *Pipeline) Run(ctx context.Context, job *models.IndexingJob) error {
	h, ok := p.Handler(job.Kind)
	if !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	return h(ctx, job.DocumentID)
}

// OCR extracts text from the stored file. Extraction problems degrade to
// empty text inside the extractor and never fail the stage.
func (p *Pipeline) OCR(ctx context.Context, documentID int64) error {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document %d: %w", documentID, err)
	}
	if err := p.docs.SetContentStatus(ctx, documentID, models.ContentProcessing); err != nil {
		return err
	}
	res := p.extractor.Extract(ctx, doc.StoredPath, doc.MediaType)
	if err := p.docs.SaveExtraction(ctx, documentID, res.Text, res.Confidence); err != nil {
		return err
	}
	p.log.Info("text extracted", "document_id", documentID, "chars", len(res.Text), "confidence", res.Confidence)
	return nil
}

// Embed stores a document-mode embedding of the extracted text, or of the
// file name when there is no text.
func (p *Pipeline) Embed(ctx context.Context, documentID int64) error {
	doc, text, err := p.load(ctx, documentID)
	if err != nil {
		return err
	}
	input := text
	if input == "" {
		input = doc.FileName
	}
	vec, err := p.embedder.Embed(ctx, truncateRunes(input, maxEmbedChars), provider.ModeDocument)
	if errors.Is(err, provider.ErrUnavailable) {
		p.log.Warn("no embedding provider configured; document stays unembedded", "document_id", documentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("embed document %d: %w", documentID, err)
	}
	if err := p.docs.SaveEmbedding(ctx, documentID, vec); err != nil {
		return err
	}
	p.log.Info("embedding stored", "document_id", documentID, "dims", len(vec))
	return nil
}

// Analyze tags the document and upserts its metadata.
func (p *Pipeline) Analyze(ctx context.Context, documentID int64) error {
	doc, text, err := p.load(ctx, documentID)
	if err != nil {
		return err
	}
	meta, err := p.tagger.Tag(ctx, doc.FileName, text, doc.MediaType)
	if err != nil {
		return err
	}
	meta.DocumentID = documentID
	if err := p.docs.UpsertMetadata(ctx, &meta); err != nil {
		return err
	}
	p.log.Info("metadata stored", "document_id", documentID, "category", meta.Category, "tags", len(meta.Tags))
	return nil
}

// Reindex runs OCR, then embedding and analysis concurrently over the fresh
// text.
func (p *Pipeline) Reindex(ctx context.Context, documentID int64) error {
	if err := p.OCR(ctx, documentID); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Embed(gctx, documentID) })
	g.Go(func() error { return p.Analyze(gctx, documentID) })
	return g.Wait()
}

// IndexInline runs the full pipeline inside an upload request. Tagging
// failures fall back to default metadata instead of failing the upload.
func (p *Pipeline) IndexInline(ctx context.Context, documentID int64) error {
	inline := *p
	inline.tagger = fallbackTagger{inner: p.tagger, log: p.log}
	return inline.Reindex(ctx, documentID)
}

func (p *Pipeline) load(ctx context.Context, documentID int64) (*models.Document, string, error) {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return nil, "", fmt.Errorf("load document %d: %w", documentID, err)
	}
	content, err := p.docs.Content(ctx, documentID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return doc, "", nil
	case err != nil:
		return nil, "", fmt.Errorf("load content %d: %w", documentID, err)
	}
	text := ""
	if content.HasText() {
		text = *content.Text
	}
	return doc, text, nil
}

type fallbackTagger struct {
	inner MetadataTagger
	log   *slog.Logger
}

func (f fallbackTagger) Tag(ctx context.Context, filename, text, mediaType string) (models.DocumentMetadata, error) {
	meta, err := f.inner.Tag(ctx, filename, text, mediaType)
	if err != nil {
		f.log.Warn("tagging failed during inline indexing; using fallback", "filename", filename, "error", err)
		return FallbackMetadata(mediaType), nil
	}
	return meta, nil
}
