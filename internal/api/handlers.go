package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"docfinder/internal/auth"
	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/queue"
	"docfinder/internal/service/documents"
	"docfinder/internal/service/search"
)

// Indexer runs the indexing pipeline synchronously for one document.
type Indexer interface {
	IndexInline(ctx context.Context, documentID int64) error
}

// Options tunes request handling.
type Options struct {
	FileBase       string
	MaxUploadBytes int64
	InlineIndexing bool
	AdminOwners    []int64
	// SearchPerMinute and SearchBurst bound search requests per owner.
	SearchPerMinute float64
	SearchBurst     int
	Logger          *slog.Logger
}

// Handler wires HTTP routes to the document, queue and search services.
type Handler struct {
	docs    *documents.Service
	queue   *queue.Queue
	indexer Indexer
	engine  *search.Engine
	auth    *auth.Service
	opts    Options
	log     *slog.Logger

	limitMu  sync.Mutex
	limiters *lru.Cache[int64, *rate.Limiter]
}

const (
	defaultMaxUploadBytes = 25 << 20
	maxTrackedOwners      = 4096
)

// NewHandler constructs a Handler instance.
func NewHandler(docs *documents.Service, q *queue.Queue, indexer Indexer, engine *search.Engine, authService *auth.Service, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.SearchPerMinute <= 0 {
		opts.SearchPerMinute = 30
	}
	if opts.SearchBurst <= 0 {
		opts.SearchBurst = 10
	}
	limiters, _ := lru.New[int64, *rate.Limiter](maxTrackedOwners)
	return &Handler{
		docs:     docs,
		queue:    q,
		indexer:  indexer,
		engine:   engine,
		auth:     authService,
		opts:     opts,
		log:      logging.OrDefault(opts.Logger).With("component", "api"),
		limiters: limiters,
	}
}

func (h *Handler) authorizedOwnerID(c *gin.Context) (int64, bool) {
	ownerID, ok := auth.OwnerIDFromContext(c)
	if !ok || ownerID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return ownerID, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(h.auth.Middleware())
	api.POST("/search", h.allowSearch(), h.search)
	api.GET("/search/suggestions", h.suggestions)

	api.POST("/documents", h.uploadDocument)
	api.GET("/documents", h.listDocuments)
	api.GET("/documents/:id", h.getDocument)
	api.DELETE("/documents/:id", h.deleteDocument)
	api.POST("/documents/:id/reindex", h.reindexDocument)

	admin := api.Group("/admin")
	admin.Use(auth.RequireAdmin(h.opts.AdminOwners))
	admin.GET("/queue/stats", h.queueStats)
	admin.POST("/queue/purge", h.purgeQueue)
	admin.POST("/jobs", h.createJob)
	admin.GET("/jobs/:id", h.getJob)
}

// allowSearch applies the per-owner token bucket.
func (h *Handler) allowSearch() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := auth.OwnerIDFromContext(c)
		if !ok {
			c.Next()
			return
		}
		if !h.limiter(ownerID).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many searches, slow down"})
			return
		}
		c.Next()
	}
}

func (h *Handler) limiter(ownerID int64) *rate.Limiter {
	h.limitMu.Lock()
	defer h.limitMu.Unlock()
	if l, ok := h.limiters.Get(ownerID); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(h.opts.SearchPerMinute/60), h.opts.SearchBurst)
	h.limiters.Add(ownerID, l)
	return l
}

type searchRequest struct {
	Query string `json:"query"`
}

func (h *Handler) search(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	resp, err := h.engine.Search(c.Request.Context(), ownerID, req.Query)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrInvalidQuery):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, search.ErrTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "search timed out"})
		default:
			h.log.Error("search failed", "owner_id", ownerID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) suggestions(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	sugg, err := h.engine.Suggestions(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load suggestions failed"})
		return
	}
	c.JSON(http.StatusOK, sugg)
}

func (h *Handler) listDocuments(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	docs, err := h.docs.List(c.Request.Context(), ownerID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list documents failed"})
		return
	}
	if docs == nil {
		docs = []documents.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *Handler) getDocument(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	doc, err := h.docs.GetForOwner(ctx, ownerID, id)
	if err != nil {
		h.documentError(c, err)
		return
	}
	content, err := h.docs.Content(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load content failed"})
		return
	}
	meta, err := h.docs.Metadata(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load metadata failed"})
		return
	}
	jobs, err := h.queue.ListForDocument(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load jobs failed"})
		return
	}
	if jobs == nil {
		jobs = []*models.IndexingJob{}
	}
	c.JSON(http.StatusOK, gin.H{
		"document": doc,
		"content":  content,
		"metadata": meta,
		"jobs":     jobs,
	})
}

func (h *Handler) reindexDocument(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.docs.GetForOwner(c.Request.Context(), ownerID, id); err != nil {
		h.documentError(c, err)
		return
	}
	jobID, err := h.queue.Enqueue(c.Request.Context(), id, models.JobReindex, models.DefaultJobPriority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue reindex failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"document_id": id, "job_id": jobID})
}

func (h *Handler) documentError(c *gin.Context, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	h.log.Error("document lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
}
