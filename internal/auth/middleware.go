package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by Middleware.
const (
	ContextKeyRole   = "auth_role"
	ContextKeyClaims = "auth_claims"
)

// Middleware rejects requests that do not carry a valid bearer token.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, ErrUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abortUnauthorized(c, ErrUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := m.Validate(parts[1])
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abortUnauthorized(c, authErr, authErr.Message)
			return
		}

		c.Set(ContextKeyRole, claims.Role)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, authErr AuthError, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   authErr.Code,
		"message": message,
	})
}

// Role returns the authenticated role, empty when unauthenticated.
func Role(c *gin.Context) string {
	if role, exists := c.Get(ContextKeyRole); exists {
		return role.(string)
	}
	return ""
}
