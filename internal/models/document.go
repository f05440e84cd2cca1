package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Document identifies one uploaded file.
type Document struct {
	ID         int64     `json:"id"`
	OwnerID    int64     `json:"owner_id"`
	FileName   string    `json:"file_name"`
	MediaType  string    `json:"media_type"`
	Size       int64     `json:"size"`
	StoredPath string    `json:"-"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ContentStatus tracks extraction progress of a document.
type ContentStatus string

const (
	ContentPending    ContentStatus = "pending"
	ContentProcessing ContentStatus = "processing"
	ContentCompleted  ContentStatus = "completed"
	ContentFailed     ContentStatus = "failed"
)

// DocumentContent holds the extracted text and embedding of a document.
type DocumentContent struct {
	DocumentID  int64         `json:"document_id"`
	Text        *string       `json:"text,omitempty"`
	Embedding   []float32     `json:"-"`
	Confidence  float64       `json:"confidence"`
	Status      ContentStatus `json:"status"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
}

// HasText reports whether extraction produced any text.
func (c *DocumentContent) HasText() bool {
	return c != nil && c.Text != nil && strings.TrimSpace(*c.Text) != ""
}

// Category is the closed vocabulary assigned by the metadata tagger.
type Category string

const (
	CategoryFinancial   Category = "financial"
	CategoryOperational Category = "operational"
	CategoryCompliance  Category = "compliance"
	CategoryMarketing   Category = "marketing"
	CategoryHR          Category = "hr"
	CategoryCustomer    Category = "customer"
	CategoryLegal       Category = "legal"
	CategoryOther       Category = "other"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryFinancial,
	CategoryOperational,
	CategoryCompliance,
	CategoryMarketing,
	CategoryHR,
	CategoryCustomer,
	CategoryLegal,
	CategoryOther,
}

// ParseCategory maps free text onto the vocabulary, defaulting to other.
func ParseCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if string(c) == s {
			return c
		}
	}
	return CategoryOther
}

// DocumentMetadata is the tagger output persisted per document.
type DocumentMetadata struct {
	DocumentID  int64      `json:"document_id"`
	Category    Category   `json:"category"`
	Tags        StringList `json:"tags"`
	Entities    Entities   `json:"entities"`
	Description string     `json:"description"`
	Confidence  float64    `json:"confidence"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Entities groups the entity mentions found in a document or query.
type Entities struct {
	Dates     []string `json:"dates"`
	Amounts   []string `json:"amounts"`
	Names     []string `json:"names"`
	Locations []string `json:"locations"`
}

func (e Entities) Value() (driver.Value, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (e *Entities) Scan(src interface{}) error {
	*e = Entities{}
	raw, err := jsonBytes(src)
	if err != nil || len(raw) == 0 {
		return err
	}
	return json.Unmarshal(raw, e)
}

// StringList is a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(src interface{}) error {
	*l = nil
	raw, err := jsonBytes(src)
	if err != nil || len(raw) == 0 {
		return err
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json column type %T", src)
	}
}
