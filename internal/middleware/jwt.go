package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vodhost/backend/internal/auth"
	"github.com/vodhost/backend/pkg/response"
)

// ContextUserID is the key for the verified user ID (uuid.UUID) in gin context.
const ContextUserID = "user_id"

// TokenValidator validates a bearer token. *auth.JWTService implements it.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// JWT returns a middleware that validates the bearer token and sets the
// user ID in context. A missing header is 401; a malformed header or a bad
// token is 403.
func JWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			response.Forbidden(c, "invalid authorization header")
			return
		}
		claims, err := validator.Validate(strings.TrimSpace(parts[1]))
		if err != nil || claims.UserID == uuid.Nil {
			response.Forbidden(c, "invalid or expired token")
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Next()
	}
}

// UserID returns the verified user ID set by JWT.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
