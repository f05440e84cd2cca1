package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/redis"
	"docfinder/internal/storage"
)

const (
	keyPrefix      = "dfk_"
	redisKeyPrefix = "auth:key:"
	redisKeyTTL    = 10 * time.Minute
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrKeyRevoked = errors.New("api key revoked")
)

// Service issues, validates, and revokes owner API keys. Only the sha256 of
// a key is stored. Validated keys are cached in redis when a client is given.
type Service struct {
	db           *storage.DB
	cache        *redis.Client
	headerName   string
	apiKeyHeader string
	now          func() time.Time
	log          *slog.Logger
}

// NewService constructs an auth service; cache may be nil.
func NewService(db *storage.DB, cache *redis.Client) *Service {
	return &Service{
		db:           db,
		cache:        cache,
		headerName:   "Authorization",
		apiKeyHeader: "X-API-Key",
		now:          time.Now,
		log:          logging.OrDefault(nil).With("component", "auth"),
	}
}

// SetLogger replaces the service logger; nil keeps the current one.
func (s *Service) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l.With("component", "auth")
	}
}

// CreateKey mints a new key for ownerID. The plain key is returned once.
func (s *Service) CreateKey(ctx context.Context, ownerID int64, label string) (string, *models.APIKey, error) {
	if ownerID <= 0 {
		return "", nil, errors.New("invalid owner id")
	}
	now := s.now().UTC()
	for i := 0; i < 5; i++ {
		key, err := generateKey()
		if err != nil {
			return "", nil, err
		}
		rec := &models.APIKey{
			OwnerID:   ownerID,
			Label:     strings.TrimSpace(label),
			KeyHash:   hashKey(key),
			CreatedAt: now,
		}
		rec.ID, err = s.db.InsertID(ctx, nil,
			`INSERT INTO api_keys (owner_id, label, key_hash, created_at) VALUES (?, ?, ?, ?)`,
			rec.OwnerID, rec.Label, rec.KeyHash, rec.CreatedAt,
		)
		if err == nil {
			return key, rec, nil
		}
	}
	return "", nil, errors.New("could not create api key")
}

// ValidateKey resolves a key to its owner id.
func (s *Service) ValidateKey(ctx context.Context, key string) (int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, errors.New("api key required")
	}
	hash := hashKey(key)
	if ownerID, ok := s.cachedOwner(ctx, hash); ok {
		return ownerID, nil
	}
	var (
		ownerID int64
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT owner_id, revoked_at FROM api_keys WHERE key_hash = ?`), hash,
	).Scan(&ownerID, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidKey
		}
		return 0, fmt.Errorf("lookup api key: %w", err)
	}
	if revoked.Valid {
		return 0, ErrKeyRevoked
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, redisKeyPrefix+hash, strconv.FormatInt(ownerID, 10), redisKeyTTL)
	}
	return ownerID, nil
}

func (s *Service) cachedOwner(ctx context.Context, hash string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	raw, err := s.cache.Get(ctx, redisKeyPrefix+hash)
	if err != nil {
		return 0, false
	}
	ownerID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ownerID, true
}

func (s *Service) forget(ctx context.Context, hashes ...string) {
	if s.cache == nil || len(hashes) == 0 {
		return
	}
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = redisKeyPrefix + h
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		// Revoked keys stay valid from the cache until the TTL runs out.
		s.log.Warn("api key cache eviction failed", "keys", len(keys), "ttl", redisKeyTTL, "error", err)
	}
}

// RevokeKey marks a single key revoked. Unknown keys are not an error.
func (s *Service) RevokeKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	hash := hashKey(key)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE api_keys SET revoked_at = ? WHERE key_hash = ? AND revoked_at IS NULL`),
		s.now().UTC(), hash)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	s.forget(ctx, hash)
	return nil
}

// RevokeOwnerKeys revokes every active key of the owner.
func (s *Service) RevokeOwnerKeys(ctx context.Context, ownerID int64) (int64, error) {
	if ownerID <= 0 {
		return 0, nil
	}
	hashes, err := s.activeHashes(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE api_keys SET revoked_at = ? WHERE owner_id = ? AND revoked_at IS NULL`),
		s.now().UTC(), ownerID)
	if err != nil {
		return 0, fmt.Errorf("revoke owner api keys: %w", err)
	}
	s.forget(ctx, hashes...)
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Service) activeHashes(ctx context.Context, ownerID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT key_hash FROM api_keys WHERE owner_id = ? AND revoked_at IS NULL`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list owner api keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListKeys returns the owner's keys, newest first.
func (s *Service) ListKeys(ctx context.Context, ownerID int64) ([]models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id, owner_id, label, created_at, revoked_at FROM api_keys
		 WHERE owner_id = ? ORDER BY created_at DESC, id DESC`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []models.APIKey
	for rows.Next() {
		var (
			k       models.APIKey
			revoked sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Label, &k.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			k.RevokedAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
