package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyAPIKey is the gin context key holding the authenticated *APIKey.
const ContextKeyAPIKey = "apiKey"

// Middleware resolves the key from Authorization or X-API-Key and stores it
// in the context when valid. It never rejects; the Require* middlewares do.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw != "" {
			if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
			}
		}
		c.Next()
	}
}

// RequireOwnership admits keys that may act for the wallet named by the
// paramName path parameter. It is a no-op when m is disabled.
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		key, ok := GetAPIKey(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !key.CanAct(c.Param(paramName)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "API key is not authorized for this wallet",
			})
			return
		}
		c.Next()
	}
}

// RequireOperator admits operator keys only. Unlike RequireOwnership it
// rejects everything when m is disabled, since there is no operator.
func RequireOperator(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			abortUnauthorized(c)
			return
		}
		if !key.IsOperator() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Operator key required",
			})
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "API key required. Include 'Authorization: Bearer qs_...' header.",
	})
}

// GetAPIKey returns the authenticated key, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}
