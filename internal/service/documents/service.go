package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docfinder/internal/models"
	"docfinder/internal/storage"
)

// Service persists documents and their extracted content and metadata.
type Service struct {
	db  *storage.DB
	now func() time.Time
}

// NewService builds a new document service.
func NewService(db *storage.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// DB exposes the underlying handle for components sharing the store.
func (s *Service) DB() *storage.DB {
	return s.db
}

// Create inserts a document with a pending content row.
func (s *Service) Create(ctx context.Context, doc *models.Document) (*models.Document, error) {
	if doc == nil {
		return nil, errors.New("document cannot be nil")
	}
	if doc.OwnerID <= 0 {
		return nil, errors.New("owner_id is required")
	}
	doc.FileName = strings.TrimSpace(doc.FileName)
	if doc.FileName == "" {
		return nil, errors.New("file name is required")
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = s.now()
	}
	doc.UploadedAt = doc.UploadedAt.UTC()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := s.db.InsertID(ctx, tx,
			`INSERT INTO documents (owner_id, file_name, media_type, size, stored_path, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
			doc.OwnerID, doc.FileName, doc.MediaType, doc.Size, doc.StoredPath, doc.UploadedAt,
		)
		if err != nil {
			return fmt.Errorf("create document: %w", err)
		}
		doc.ID = id
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO document_contents (document_id, confidence, status) VALUES (?, 0, ?)`),
			id, string(models.ContentPending)); err != nil {
			return fmt.Errorf("create document content: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

const documentColumns = `d.id, d.owner_id, d.file_name, d.media_type, d.size, d.stored_path, d.uploaded_at`

func scanDocument(sc interface{ Scan(...any) error }, doc *models.Document, extra ...any) error {
	dest := append([]any{&doc.ID, &doc.OwnerID, &doc.FileName, &doc.MediaType, &doc.Size, &doc.StoredPath, &doc.UploadedAt}, extra...)
	return sc.Scan(dest...)
}

// Get loads a document by id regardless of owner; used by indexing stages.
func (s *Service) Get(ctx context.Context, id int64) (*models.Document, error) {
	var doc models.Document
	err := scanDocument(s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+documentColumns+` FROM documents d WHERE d.id = ?`), id), &doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// GetForOwner loads a document only when ownerID owns it.
func (s *Service) GetForOwner(ctx context.Context, ownerID, id int64) (*models.Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != ownerID {
		return nil, sql.ErrNoRows
	}
	return doc, nil
}

// Summary is a document with its indexing state, for listings.
type Summary struct {
	models.Document
	Status      models.ContentStatus `json:"status"`
	Confidence  float64              `json:"confidence"`
	Category    models.Category      `json:"category,omitempty"`
	Tags        models.StringList    `json:"tags"`
	Description string               `json:"description,omitempty"`
}

// List returns the owner's documents, newest first.
func (s *Service) List(ctx context.Context, ownerID int64, limit, offset int) ([]Summary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+documentColumns+`, COALESCE(c.status, 'pending'), COALESCE(c.confidence, 0),
			COALESCE(m.category, ''), m.tags, COALESCE(m.description, '')
		 FROM documents d
		 LEFT JOIN document_contents c ON c.document_id = d.id
		 LEFT JOIN document_metadata m ON m.document_id = d.id
		 WHERE d.owner_id = ?
		 ORDER BY d.uploaded_at DESC, d.id DESC
		 LIMIT ? OFFSET ?`),
		ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum      Summary
			status   string
			category string
		)
		if err := scanDocument(rows, &sum.Document, &status, &sum.Confidence, &category, &sum.Tags, &sum.Description); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		sum.Status = models.ContentStatus(status)
		sum.Category = models.Category(category)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a document with its content, metadata and jobs, returning
// the stored path so the caller can remove the file.
func (s *Service) Delete(ctx context.Context, ownerID, id int64) (string, error) {
	doc, err := s.GetForOwner(ctx, ownerID, id)
	if err != nil {
		return "", err
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM indexing_jobs WHERE document_id = ?`,
			`DELETE FROM document_metadata WHERE document_id = ?`,
			`DELETE FROM document_contents WHERE document_id = ?`,
			`DELETE FROM documents WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(stmt), id); err != nil {
				return fmt.Errorf("delete document: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return doc.StoredPath, nil
}
