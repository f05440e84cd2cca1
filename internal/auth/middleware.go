package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ownerIDContextKey = "auth_owner_id"

// Middleware validates the API key and stores the owner in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := s.extractKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key required"})
			return
		}
		ownerID, err := s.ValidateKey(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrKeyRevoked) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
			return
		}
		c.Set(ownerIDContextKey, ownerID)
		c.Next()
	}
}

// RequireAdmin lets only the listed owners through. An empty list admits
// every authenticated owner.
func RequireAdmin(admins []int64) gin.HandlerFunc {
	allowed := make(map[int64]bool, len(admins))
	for _, id := range admins {
		allowed[id] = true
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		ownerID, ok := OwnerIDFromContext(c)
		if !ok || !allowed[ownerID] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

// OwnerIDFromContext retrieves the authenticated owner id from the gin context.
func OwnerIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(ownerIDContextKey)
	if !ok {
		return 0, false
	}
	ownerID, ok := val.(int64)
	return ownerID, ok
}

func (s *Service) extractKey(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(c.GetHeader(s.apiKeyHeader))
}
