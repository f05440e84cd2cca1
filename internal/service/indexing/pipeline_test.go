package indexing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docfinder/internal/config"
	"docfinder/internal/extract"
	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/provider"
	"docfinder/internal/service/documents"
	"docfinder/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	result extract.Result
	calls  int
}

func (s *stubExtractor) Extract(context.Context, string, string) extract.Result {
	s.calls++
	return s.result
}

type stubEmbedder struct {
	mu     sync.Mutex
	vec    []float32
	err    error
	inputs []string
	modes  []provider.Mode
}

func (s *stubEmbedder) Embed(_ context.Context, text string, mode provider.Mode) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, text)
	s.modes = append(s.modes, mode)
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string, mode provider.Mode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text, mode)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int   { return len(s.vec) }
func (s *stubEmbedder) ModelName() string { return "stub" }

type stubTagger struct {
	meta models.DocumentMetadata
	err  error
	text string
}

func (s *stubTagger) Tag(_ context.Context, _, text, _ string) (models.DocumentMetadata, error) {
	s.text = text
	return s.meta, s.err
}

type fixture struct {
	docs      *documents.Service
	extractor *stubExtractor
	embedder  *stubEmbedder
	tagger    *stubTagger
	pipeline  *Pipeline
	doc       *models.Document
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, 0))

	f := &fixture{
		docs:      documents.NewService(db),
		extractor: &stubExtractor{result: extract.Result{Text: "Invoice total $4,200", Confidence: 0.9}},
		embedder:  &stubEmbedder{vec: []float32{0.5, 0.5, 0}},
		tagger: &stubTagger{meta: models.DocumentMetadata{
			Category:    models.CategoryFinancial,
			Tags:        models.StringList{"invoice"},
			Description: "Quarterly invoice",
			Confidence:  0.8,
		}},
	}
	f.pipeline = NewPipeline(f.docs, f.extractor, f.embedder, f.tagger, logging.Discard())
	f.doc, err = f.docs.Create(context.Background(), &models.Document{
		OwnerID:    1,
		FileName:   "Q3_Invoice.pdf",
		MediaType:  "application/pdf",
		Size:       42,
		StoredPath: "/tmp/q3.pdf",
		UploadedAt: time.Now(),
	})
	require.NoError(t, err)
	return f
}

func TestEveryJobKindHasHandler(t *testing.T) {
	f := newFixture(t)
	for _, kind := range models.JobKinds {
		_, ok := f.pipeline.Handler(kind)
		assert.True(t, ok, "missing handler for %s", kind)
	}
	err := f.pipeline.Run(context.Background(), &models.IndexingJob{Kind: "transcode", DocumentID: f.doc.ID})
	require.Error(t, err)
}

func TestReindexStoresTextEmbeddingAndMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipeline.Run(ctx, &models.IndexingJob{Kind: models.JobReindex, DocumentID: f.doc.ID}))

	content, err := f.docs.Content(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentCompleted, content.Status)
	require.True(t, content.HasText())
	assert.Equal(t, "Invoice total $4,200", *content.Text)
	assert.InDelta(t, 0.9, content.Confidence, 1e-9)
	assert.Equal(t, []float32{0.5, 0.5, 0}, content.Embedding)

	meta, err := f.docs.Metadata(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryFinancial, meta.Category)
	assert.Equal(t, models.StringList{"invoice"}, meta.Tags)

	assert.Equal(t, []string{"Invoice total $4,200"}, f.embedder.inputs)
	assert.Equal(t, []provider.Mode{provider.ModeDocument}, f.embedder.modes)
	assert.Equal(t, "Invoice total $4,200", f.tagger.text)
}

func TestEmbedFallsBackToFileName(t *testing.T) {
	f := newFixture(t)
	f.extractor.result = extract.Result{Text: "", Confidence: 1}
	ctx := context.Background()

	require.NoError(t, f.pipeline.OCR(ctx, f.doc.ID))
	require.NoError(t, f.pipeline.Embed(ctx, f.doc.ID))
	assert.Equal(t, []string{"Q3_Invoice.pdf"}, f.embedder.inputs)
}

func TestEmbedProviderErrorFailsStage(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = errors.New("rate limited")
	ctx := context.Background()

	err := f.pipeline.Run(ctx, &models.IndexingJob{Kind: models.JobEmbed, DocumentID: f.doc.ID})
	require.Error(t, err)

	content, err := f.docs.Content(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Nil(t, content.Embedding)
	assert.NotEqual(t, models.ContentFailed, content.Status)
}

func TestEmbedSkipsWithoutProvider(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = provider.ErrUnavailable
	require.NoError(t, f.pipeline.Embed(context.Background(), f.doc.ID))
}

func TestInlineIndexingFallsBackOnTaggerError(t *testing.T) {
	f := newFixture(t)
	f.tagger.err = errors.New("provider down")
	ctx := context.Background()

	require.Error(t, f.pipeline.Reindex(ctx, f.doc.ID))
	require.NoError(t, f.pipeline.IndexInline(ctx, f.doc.ID))

	meta, err := f.docs.Metadata(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryOther, meta.Category)
	assert.Equal(t, models.StringList{"application/pdf"}, meta.Tags)
	assert.Equal(t, "A application/pdf file", meta.Description)
}

func TestMissingDocumentFailsStage(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.pipeline.OCR(context.Background(), 9999))
	assert.Zero(t, f.extractor.calls)
}
