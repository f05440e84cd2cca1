package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"docfinder/internal/auth"
	"docfinder/internal/config"
	"docfinder/internal/extract"
	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/provider"
	"docfinder/internal/queue"
	"docfinder/internal/service/documents"
	"docfinder/internal/service/indexing"
	"docfinder/internal/service/search"
	"docfinder/internal/storage"
)

type testServer struct {
	router   *gin.Engine
	handler  *Handler
	db       *storage.DB
	docs     *documents.Service
	queue    *queue.Queue
	pipeline *indexing.Pipeline
	auth     *auth.Service
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t, Options{})
	headers := srv.apiKey(t, 7)

	upload := uploadFile(t, srv.router, "Q3_Invoice.txt", []byte("Invoice for consulting services in the third quarter."), headers)
	assertStatus(t, upload, http.StatusCreated)
	var uploadBody struct {
		DocumentID int64  `json:"document_id"`
		JobID      int64  `json:"job_id"`
		MediaType  string `json:"media_type"`
	}
	decodeJSON(t, upload.Body.Bytes(), &uploadBody)
	if uploadBody.DocumentID <= 0 || uploadBody.JobID <= 0 {
		t.Fatalf("expected document and job ids, got %+v", uploadBody)
	}
	if uploadBody.MediaType != "text/plain" {
		t.Fatalf("unexpected media type %q", uploadBody.MediaType)
	}

	srv.drainQueue(t)

	detail := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/documents/%d", uploadBody.DocumentID), nil, headers)
	assertStatus(t, detail, http.StatusOK)
	var detailBody struct {
		Document models.Document          `json:"document"`
		Content  *models.DocumentContent  `json:"content"`
		Metadata *models.DocumentMetadata `json:"metadata"`
		Jobs     []models.IndexingJob     `json:"jobs"`
	}
	decodeJSON(t, detail.Body.Bytes(), &detailBody)
	if detailBody.Content == nil || detailBody.Content.Status != models.ContentCompleted {
		t.Fatalf("expected completed content, got %+v", detailBody.Content)
	}
	if detailBody.Metadata == nil {
		t.Fatalf("expected metadata after reindex")
	}
	if len(detailBody.Jobs) != 1 || detailBody.Jobs[0].Status != models.JobCompleted {
		t.Fatalf("expected one completed job, got %+v", detailBody.Jobs)
	}

	list := doJSONRequest(t, srv.router, http.MethodGet, "/api/documents", nil, headers)
	assertStatus(t, list, http.StatusOK)
	var listBody struct {
		Documents []documents.Summary `json:"documents"`
	}
	decodeJSON(t, list.Body.Bytes(), &listBody)
	if len(listBody.Documents) != 1 || listBody.Documents[0].FileName != "Q3_Invoice.txt" {
		t.Fatalf("unexpected listing %+v", listBody.Documents)
	}

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/search", map[string]string{"query": "Q3 invoice"}, headers)
	assertStatus(t, resp, http.StatusOK)
	var envelope models.SearchResponse
	decodeJSON(t, resp.Body.Bytes(), &envelope)
	if envelope.Total != 1 || len(envelope.Results) != 1 {
		t.Fatalf("expected one result, got %+v", envelope)
	}
	if envelope.Results[0].FilenameBonus != search.FilenameBonus {
		t.Fatalf("expected filename bonus, got %+v", envelope.Results[0])
	}

	sugg := doJSONRequest(t, srv.router, http.MethodGet, "/api/search/suggestions", nil, headers)
	assertStatus(t, sugg, http.StatusOK)
	var suggBody models.Suggestions
	decodeJSON(t, sugg.Body.Bytes(), &suggBody)
	if len(suggBody.Recent) != 1 || suggBody.Recent[0] != "Q3 invoice" {
		t.Fatalf("unexpected recent queries %+v", suggBody.Recent)
	}
	if len(suggBody.Examples) == 0 {
		t.Fatalf("expected example queries")
	}

	reindex := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/documents/%d/reindex", uploadBody.DocumentID), nil, headers)
	assertStatus(t, reindex, http.StatusAccepted)

	doc, err := srv.docs.Get(context.Background(), uploadBody.DocumentID)
	if err != nil {
		t.Fatalf("load document: %v", err)
	}
	del := doJSONRequest(t, srv.router, http.MethodDelete, fmt.Sprintf("/api/documents/%d", uploadBody.DocumentID), nil, headers)
	assertStatus(t, del, http.StatusOK)
	if _, err := os.Stat(doc.StoredPath); !os.IsNotExist(err) {
		t.Fatalf("expected stored file removed, stat err: %v", err)
	}
	missing := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/documents/%d", uploadBody.DocumentID), nil, headers)
	assertStatus(t, missing, http.StatusNotFound)
}

func TestDocumentsAreScopedToOwner(t *testing.T) {
	srv := newTestServer(t, Options{})
	owner := srv.apiKey(t, 1)
	other := srv.apiKey(t, 2)

	upload := uploadFile(t, srv.router, "notes.txt", []byte("private notes"), owner)
	assertStatus(t, upload, http.StatusCreated)
	var body struct {
		DocumentID int64 `json:"document_id"`
	}
	decodeJSON(t, upload.Body.Bytes(), &body)

	path := fmt.Sprintf("/api/documents/%d", body.DocumentID)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, path, nil, other), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, path, nil, other), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, path+"/reindex", nil, other), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, path, nil, owner), http.StatusOK)
}

func TestRequestsWithoutKeyAreRejected(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/search", map[string]string{"query": "tax"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/documents", nil, map[string]string{"Authorization": "Bearer dfk_unknown"})
	assertStatus(t, resp, http.StatusUnauthorized)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, nil), http.StatusOK)
}

func TestSearchRejectsInvalidQuery(t *testing.T) {
	srv := newTestServer(t, Options{})
	headers := srv.apiKey(t, 3)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/search", map[string]string{"query": "   "}, headers), http.StatusBadRequest)
	long := strings.Repeat("a", search.MaxQueryLength+1)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/search", map[string]string{"query": long}, headers), http.StatusBadRequest)

	empty := doJSONRequest(t, srv.router, http.MethodPost, "/api/search", map[string]string{"query": "anything at all"}, headers)
	assertStatus(t, empty, http.StatusOK)
	var envelope models.SearchResponse
	decodeJSON(t, empty.Body.Bytes(), &envelope)
	if envelope.Total != 0 || envelope.Results == nil || len(envelope.Results) != 0 {
		t.Fatalf("expected empty envelope, got %+v", envelope)
	}
}

func TestSearchIsRateLimitedPerOwner(t *testing.T) {
	srv := newTestServer(t, Options{SearchPerMinute: 1, SearchBurst: 1})
	first := srv.apiKey(t, 4)
	second := srv.apiKey(t, 5)
	body := map[string]string{"query": "receipts"}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/search", body, first), http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/search", body, first), http.StatusTooManyRequests)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/search", body, second), http.StatusOK)
}

func TestUploadRejectsUnsupportedAndOversizedFiles(t *testing.T) {
	srv := newTestServer(t, Options{MaxUploadBytes: 64})
	headers := srv.apiKey(t, 6)

	binary := []byte{0x4d, 0x5a, 0x90, 0x00, 0x03, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0xff, 0xff}
	assertStatus(t, uploadFile(t, srv.router, "setup.exe", binary, headers), http.StatusBadRequest)

	big := bytes.Repeat([]byte("x"), 128)
	resp := uploadFile(t, srv.router, "big.txt", big, headers)
	if resp.Code != http.StatusRequestEntityTooLarge && resp.Code != http.StatusBadRequest {
		t.Fatalf("expected oversize rejection, got %d: %s", resp.Code, resp.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestInlineIndexingSkipsQueue(t *testing.T) {
	srv := newTestServer(t, Options{InlineIndexing: true})
	headers := srv.apiKey(t, 8)

	resp := uploadFile(t, srv.router, "tax_2017.txt", []byte("Tax return for fiscal year 2017."), headers)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		DocumentID int64 `json:"document_id"`
		JobID      int64 `json:"job_id"`
		Indexed    bool  `json:"indexed"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !body.Indexed || body.JobID != 0 {
		t.Fatalf("expected inline indexing, got %+v", body)
	}
	content, err := srv.docs.Content(context.Background(), body.DocumentID)
	if err != nil {
		t.Fatalf("load content: %v", err)
	}
	if content.Status != models.ContentCompleted || !content.HasText() {
		t.Fatalf("expected extracted content, got %+v", content)
	}
}

func TestInlineIndexingFailureFallsBackToQueue(t *testing.T) {
	srv := newTestServer(t, Options{InlineIndexing: true})
	srv.handler.indexer = failingIndexer{}
	headers := srv.apiKey(t, 9)

	resp := uploadFile(t, srv.router, "memo.txt", []byte("memo"), headers)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		JobID int64 `json:"job_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.JobID <= 0 {
		t.Fatalf("expected a queued reindex job after inline failure")
	}
	job, err := srv.queue.Get(context.Background(), body.JobID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Kind != models.JobReindex || job.Status != models.JobPending {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestAdminRoutes(t *testing.T) {
	srv := newTestServer(t, Options{AdminOwners: []int64{1}})
	admin := srv.apiKey(t, 1)
	user := srv.apiKey(t, 2)

	upload := uploadFile(t, srv.router, "contract.txt", []byte("service contract"), user)
	assertStatus(t, upload, http.StatusCreated)
	var uploaded struct {
		DocumentID int64 `json:"document_id"`
	}
	decodeJSON(t, upload.Body.Bytes(), &uploaded)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/admin/queue/stats", nil, user), http.StatusForbidden)

	stats := doJSONRequest(t, srv.router, http.MethodGet, "/api/admin/queue/stats?window_hours=24", nil, admin)
	assertStatus(t, stats, http.StatusOK)
	var statsBody struct {
		Stats map[models.JobStatus]int `json:"stats"`
	}
	decodeJSON(t, stats.Body.Bytes(), &statsBody)
	if statsBody.Stats[models.JobPending] != 1 {
		t.Fatalf("expected one pending job, got %+v", statsBody.Stats)
	}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/admin/queue/stats?window_hours=x", nil, admin), http.StatusBadRequest)

	created := doJSONRequest(t, srv.router, http.MethodPost, "/api/admin/jobs", map[string]interface{}{
		"document_id": uploaded.DocumentID,
		"kind":        "analyze",
		"priority":    9,
	}, admin)
	assertStatus(t, created, http.StatusCreated)
	var job models.IndexingJob
	decodeJSON(t, created.Body.Bytes(), &job)
	if job.Kind != models.JobAnalyze || job.Priority != 9 {
		t.Fatalf("unexpected job %+v", job)
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/admin/jobs", map[string]interface{}{
		"document_id": uploaded.DocumentID,
		"kind":        "transcode",
	}, admin), http.StatusBadRequest)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/admin/jobs", map[string]interface{}{
		"document_id": 9999,
		"kind":        "ocr",
	}, admin), http.StatusNotFound)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/admin/jobs/%d", job.ID), nil, admin), http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/admin/jobs/9999", nil, admin), http.StatusNotFound)

	purge := doJSONRequest(t, srv.router, http.MethodPost, "/api/admin/queue/purge", map[string]int{"days": 7}, admin)
	assertStatus(t, purge, http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/admin/queue/purge", map[string]int{"days": -1}, admin), http.StatusBadRequest)
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, 0); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logging.Discard()
	docs := documents.NewService(db)
	q := queue.New(db, queue.Options{Logger: logger})
	pipeline := indexing.NewPipeline(docs, fileExtractor{}, keywordEmbedder{}, indexing.NewTagger(nil, logger), logger)
	engine := search.NewEngine(search.Deps{
		Store:     docs,
		Parser:    search.NewUnderstanding(nil, 16, logger),
		Retriever: search.NewRetriever(docs, keywordEmbedder{}, 50, logger),
	}, search.Options{}, logger)
	authSvc := auth.NewService(db, nil)

	opts.FileBase = t.TempDir()
	opts.Logger = logger
	handler := NewHandler(docs, q, pipeline, engine, authSvc, opts)

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{
		router:   router,
		handler:  handler,
		db:       db,
		docs:     docs,
		queue:    q,
		pipeline: pipeline,
		auth:     authSvc,
	}
}

func (s *testServer) apiKey(t *testing.T, ownerID int64) map[string]string {
	t.Helper()
	key, _, err := s.auth.CreateKey(context.Background(), ownerID, "test")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + key}
}

// drainQueue runs every eligible job the way a worker loop would.
func (s *testServer) drainQueue(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := s.queue.ClaimNext(ctx, "test-worker")
		if err != nil {
			t.Fatalf("claim job: %v", err)
		}
		if job == nil {
			return
		}
		if err := s.pipeline.Run(ctx, job); err != nil {
			t.Fatalf("run job %d: %v", job.ID, err)
		}
		if err := s.queue.Complete(ctx, job.ID); err != nil {
			t.Fatalf("complete job %d: %v", job.ID, err)
		}
	}
}

func uploadFile(t *testing.T, router *gin.Engine, filename string, data []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

// fileExtractor reads stored files as plain text.
type fileExtractor struct{}

func (fileExtractor) Extract(_ context.Context, path, _ string) extract.Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return extract.Result{}
	}
	return extract.Result{Text: string(data), Confidence: 1}
}

// keywordEmbedder maps text onto a few fixed topic axes.
type keywordEmbedder struct{}

var embedAxes = []string{"invoice", "tax", "contract", "receipt"}

func (keywordEmbedder) Embed(_ context.Context, text string, _ provider.Mode) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(embedAxes))
	for i, axis := range embedAxes {
		if strings.Contains(lower, axis) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string, mode provider.Mode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.Embed(ctx, text, mode)
	}
	return out, nil
}

func (keywordEmbedder) Dimensions() int   { return len(embedAxes) }
func (keywordEmbedder) ModelName() string { return "keyword" }

type failingIndexer struct{}

func (failingIndexer) IndexInline(context.Context, int64) error {
	return errors.New("extractor offline")
}
