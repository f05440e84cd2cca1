package models

import "time"

// APIKey authenticates a caller as an owner. Only the hash is stored.
type APIKey struct {
	ID        int64      `json:"id"`
	OwnerID   int64      `json:"owner_id"`
	Label     string     `json:"label"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
