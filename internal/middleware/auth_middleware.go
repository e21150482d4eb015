package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"booru-service/internal/pkg/jwt"
	"booru-service/internal/pkg/response"
)

const (
	userIDKey    = "user_id"
	sessionIDKey = "session_id"
	claimsKey    = "claims"
)

// Authenticator verifies a bearer access token. It performs no I/O.
type Authenticator interface {
	Authenticate(token string) (jwt.SessionClaims, error)
}

type AuthMiddleware struct {
	auth Authenticator
}

func NewAuthMiddleware(auth Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

// Auth rejects requests without a valid access token. The reason is never
// echoed to the client.
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Unauthorized(c, "access denied")
			return
		}

		claims, err := m.auth.Authenticate(token)
		if err != nil {
			_ = c.Error(err)
			response.Unauthorized(c, "access denied")
			return
		}

		c.Set(claimsKey, claims)
		c.Set(userIDKey, claims.UserID)
		c.Set(sessionIDKey, claims.SessionID)

		c.Next()
	}
}

// extractToken extracts Bearer token from Authorization header
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

