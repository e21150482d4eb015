package middleware

import (
	"github.com/gin-gonic/gin"

	"booru-service/internal/pkg/jwt"
)

// GetUserID returns the authenticated user id.
func GetUserID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(userIDKey)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// GetSessionID returns the session the access token belongs to.
func GetSessionID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(sessionIDKey)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// GetClaims returns the verified claims set by Auth.
func GetClaims(c *gin.Context) (jwt.SessionClaims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return jwt.SessionClaims{}, false
	}
	claims, ok := v.(jwt.SessionClaims)
	return claims, ok
}

// MustGetClaims gets the claims from context or panics
func MustGetClaims(c *gin.Context) jwt.SessionClaims {
	claims, ok := GetClaims(c)
	if !ok {
		panic("claims not found in context")
	}
	return claims
}
