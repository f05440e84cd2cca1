package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docfinder/internal/models"
	"docfinder/internal/queue"
)

func (h *Handler) queueStats(c *gin.Context) {
	window, err := strconv.Atoi(c.DefaultQuery("window_hours", "24"))
	if err != nil || window <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window_hours"})
		return
	}
	stats, err := h.queue.Stats(c.Request.Context(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load queue stats failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"window_hours": window, "stats": stats})
}

type purgeRequest struct {
	Days int `json:"days"`
}

func (h *Handler) purgeQueue(c *gin.Context) {
	req := purgeRequest{Days: 7}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be positive"})
		return
	}
	deleted, err := h.queue.PurgeOlderThan(c.Request.Context(), req.Days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purge failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "days": req.Days})
}

type createJobRequest struct {
	DocumentID int64  `json:"document_id"`
	Kind       string `json:"kind"`
	Priority   int    `json:"priority"`
}

func (h *Handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	kind, err := models.ParseJobKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.docs.Get(ctx, req.DocumentID); err != nil {
		h.documentError(c, err)
		return
	}
	jobID, err := h.queue.Enqueue(ctx, req.DocumentID, kind, req.Priority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	job, err := h.queue.Get(ctx, jobID)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"job_id": jobID})
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *Handler) getJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load job failed"})
		return
	}
	c.JSON(http.StatusOK, job)
}
