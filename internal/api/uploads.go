package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"docfinder/internal/extract"
	"docfinder/internal/models"
)

func (h *Handler) uploadDocument(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+1<<20)
	if err := c.Request.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.opts.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(src, head)
	src.Close()

	filename := filepath.Base(file.Filename)
	mediaType := detectMediaType(filename, head[:n])
	if !extract.Supported(mediaType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	destDir, destPath := h.storagePath(ownerID, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	ctx := c.Request.Context()
	doc, err := h.docs.Create(ctx, &models.Document{
		OwnerID:    ownerID,
		FileName:   filename,
		MediaType:  mediaType,
		Size:       file.Size,
		StoredPath: destPath,
	})
	if err != nil {
		_ = os.Remove(destPath)
		h.log.Error("create document failed", "owner_id", ownerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record document failed"})
		return
	}

	jobID, err := h.scheduleIndexing(ctx, doc.ID)
	if err != nil {
		h.log.Error("schedule indexing failed", "document_id", doc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "schedule indexing failed"})
		return
	}
	resp := gin.H{
		"document_id": doc.ID,
		"file_name":   doc.FileName,
		"media_type":  doc.MediaType,
		"size":        doc.Size,
	}
	if jobID > 0 {
		resp["job_id"] = jobID
	} else {
		resp["indexed"] = true
	}
	c.JSON(http.StatusCreated, resp)
}

// scheduleIndexing indexes inline when configured and falls back to a
// queued reindex otherwise. A zero job id means inline indexing finished.
func (h *Handler) scheduleIndexing(ctx context.Context, documentID int64) (int64, error) {
	if h.opts.InlineIndexing && h.indexer != nil {
		err := h.indexer.IndexInline(ctx, documentID)
		if err == nil {
			return 0, nil
		}
		if errors.Is(err, context.Canceled) {
			ctx = context.WithoutCancel(ctx)
		}
		h.log.Warn("inline indexing failed, queueing reindex", "document_id", documentID, "error", err)
	}
	return h.queue.Enqueue(ctx, documentID, models.JobReindex, models.DefaultJobPriority)
}

// storagePath places uploads under <base>/<owner>/<uuid><ext> so names never collide.
func (h *Handler) storagePath(ownerID int64, filename string) (string, string) {
	destDir := filepath.Join(h.opts.FileBase, strconv.FormatInt(ownerID, 10))
	ext := strings.ToLower(filepath.Ext(filename))
	return destDir, filepath.Join(destDir, uuid.NewString()+ext)
}

// detectMediaType prefers the extension when it names a supported type, since
// office formats sniff as plain zip archives.
func detectMediaType(filename string, head []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" && extract.Supported(byExt) {
		return stripParams(byExt)
	}
	return stripParams(http.DetectContentType(head))
}

func stripParams(mediaType string) string {
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		return mt
	}
	return mediaType
}

func (h *Handler) deleteDocument(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	storedPath, err := h.docs.Delete(c.Request.Context(), ownerID, id)
	if err != nil {
		h.documentError(c, err)
		return
	}
	if storedPath != "" {
		if err := os.Remove(storedPath); err != nil && !os.IsNotExist(err) {
			h.log.Warn("remove stored file failed", "document_id", id, "path", storedPath, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
