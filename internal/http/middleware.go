// Package http exposes the gateway's REST surface: the metered /v1 API for
// callers, the /v0/admin management API, and artifact serving.
package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/security"
)

// extractAPIToken pulls the caller credential from Authorization: Bearer or
// the X-API-Key header. Returns "" when neither is present.
func extractAPIToken(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// adminAuthMiddleware guards management routes with an admin JWT.
func adminAuthMiddleware(authCfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractAPIToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, errParse := security.ParseAdminToken(authCfg.JWTSecret, token)
		if errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("adminID", claims.AdminID)
		c.Set("adminUsername", claims.Username)
		c.Next()
	}
}
