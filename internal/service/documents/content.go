package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docfinder/internal/models"
	"docfinder/internal/storage"

	"github.com/pgvector/pgvector-go"
)

// Content loads the extraction state of a document.
func (s *Service) Content(ctx context.Context, documentID int64) (*models.DocumentContent, error) {
	var (
		c         models.DocumentContent
		text      sql.NullString
		embedding sql.Null[pgvector.Vector]
		status    string
		processed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT document_id, extracted_text, embedding, confidence, status, processed_at
		 FROM document_contents WHERE document_id = ?`), documentID).
		Scan(&c.DocumentID, &text, &embedding, &c.Confidence, &status, &processed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get content: %w", err)
	}
	if text.Valid {
		c.Text = &text.String
	}
	if embedding.Valid {
		c.Embedding = embedding.V.Slice()
	}
	c.Status = models.ContentStatus(status)
	if processed.Valid {
		t := processed.Time
		c.ProcessedAt = &t
	}
	return &c, nil
}

// SetContentStatus moves the content row to status, creating it if missing.
func (s *Service) SetContentStatus(ctx context.Context, documentID int64, status models.ContentStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE document_contents SET status = ? WHERE document_id = ?`), string(status), documentID)
	if err != nil {
		return fmt.Errorf("set content status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO document_contents (document_id, confidence, status) VALUES (?, 0, ?)`),
		documentID, string(status))
	if err != nil {
		return fmt.Errorf("create content row: %w", err)
	}
	return nil
}

// SaveExtraction stores extracted text and its confidence.
func (s *Service) SaveExtraction(ctx context.Context, documentID int64, text string, confidence float64) error {
	return s.updateContent(ctx, documentID,
		`UPDATE document_contents SET extracted_text = ?, confidence = ?, status = ?, processed_at = ? WHERE document_id = ?`,
		text, confidence, string(models.ContentCompleted), s.now().UTC(), documentID)
}

// SaveEmbedding stores the document-mode embedding vector.
func (s *Service) SaveEmbedding(ctx context.Context, documentID int64, vec []float32) error {
	if len(vec) == 0 {
		return errors.New("embedding cannot be empty")
	}
	return s.updateContent(ctx, documentID,
		`UPDATE document_contents SET embedding = ?, status = ?, processed_at = ? WHERE document_id = ?`,
		pgvector.NewVector(vec), string(models.ContentCompleted), s.now().UTC(), documentID)
}

func (s *Service) updateContent(ctx context.Context, documentID int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update content of document %d: %w", documentID, sql.ErrNoRows)
	}
	return nil
}

// UpsertMetadata replaces the metadata of a document in one statement.
func (s *Service) UpsertMetadata(ctx context.Context, meta *models.DocumentMetadata) error {
	if meta == nil || meta.DocumentID <= 0 {
		return errors.New("metadata requires a document id")
	}
	meta.UpdatedAt = s.now().UTC()
	if meta.Tags == nil {
		meta.Tags = models.StringList{}
	}

	query := `INSERT INTO document_metadata (document_id, category, tags, entities, description, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	switch s.db.Dialect {
	case storage.MySQL:
		query += ` ON DUPLICATE KEY UPDATE category = VALUES(category), tags = VALUES(tags), entities = VALUES(entities),
			description = VALUES(description), confidence = VALUES(confidence), updated_at = VALUES(updated_at)`
	default:
		query += ` ON CONFLICT (document_id) DO UPDATE SET category = excluded.category, tags = excluded.tags,
			entities = excluded.entities, description = excluded.description, confidence = excluded.confidence,
			updated_at = excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		meta.DocumentID, string(meta.Category), meta.Tags, meta.Entities, meta.Description, meta.Confidence, meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}
	return nil
}

// Metadata loads the tagger output of a document.
func (s *Service) Metadata(ctx context.Context, documentID int64) (*models.DocumentMetadata, error) {
	var (
		m        models.DocumentMetadata
		category string
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT document_id, category, tags, entities, description, confidence, updated_at
		 FROM document_metadata WHERE document_id = ?`), documentID).
		Scan(&m.DocumentID, &category, &m.Tags, &m.Entities, &m.Description, &m.Confidence, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	m.Category = models.Category(category)
	return &m, nil
}

// Candidate is a document with everything hybrid scoring reads.
type Candidate struct {
	Document    models.Document
	Text        string
	Embedding   []float32
	Category    models.Category
	Tags        models.StringList
	Description string
}

// Candidates returns the owner's documents uploaded inside tr, with content
// and metadata joined in. Missing content or metadata yields zero values.
func (s *Service) Candidates(ctx context.Context, ownerID int64, tr *models.TimeRange) ([]Candidate, error) {
	query := `SELECT ` + documentColumns + `, c.extracted_text, c.embedding,
			COALESCE(m.category, ''), m.tags, COALESCE(m.description, '')
		FROM documents d
		LEFT JOIN document_contents c ON c.document_id = d.id
		LEFT JOIN document_metadata m ON m.document_id = d.id
		WHERE d.owner_id = ?`
	args := []any{ownerID}
	if tr != nil && tr.Start != nil {
		query += ` AND d.uploaded_at >= ?`
		args = append(args, tr.Start.UTC())
	}
	if tr != nil && tr.End != nil {
		query += ` AND d.uploaded_at <= ?`
		args = append(args, tr.End.UTC())
	}
	query += ` ORDER BY d.uploaded_at DESC, d.id DESC`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c         Candidate
			text      sql.NullString
			embedding sql.Null[pgvector.Vector]
			category  string
		)
		if err := scanDocument(rows, &c.Document, &text, &embedding, &category, &c.Tags, &c.Description); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Text = text.String
		if embedding.Valid {
			c.Embedding = embedding.V.Slice()
		}
		c.Category = models.Category(category)
		out = append(out, c)
	}
	return out, rows.Err()
}

// LogSearch records an executed query for analytics and suggestions.
func (s *Service) LogSearch(ctx context.Context, ownerID int64, query string, results int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO search_logs (owner_id, query, results_count, searched_at) VALUES (?, ?, ?, ?)`),
		ownerID, query, results, s.now().UTC())
	if err != nil {
		return fmt.Errorf("log search: %w", err)
	}
	return nil
}

// RecentQueries returns up to limit distinct queries, most recent first.
func (s *Service) RecentQueries(ctx context.Context, ownerID int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT query, MAX(searched_at) AS last_searched FROM search_logs
		 WHERE owner_id = ? GROUP BY query ORDER BY last_searched DESC LIMIT ?`),
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent queries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			q    string
			last any
		)
		if err := rows.Scan(&q, &last); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ZeroResultQueries counts searches that found nothing since the given time.
func (s *Service) ZeroResultQueries(ctx context.Context, ownerID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM search_logs WHERE owner_id = ? AND results_count = 0 AND searched_at >= ?`),
		ownerID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count zero result queries: %w", err)
	}
	return n, nil
}
