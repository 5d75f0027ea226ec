package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tallyhook/pkg/auth"
)

// InternalAuthMiddleware guards the /internal/* surface with a bearer token,
// delegating the constant-time comparison to auth.ValidateServiceToken so
// every service-to-service boundary in the monorepo checks it the same way.
func InternalAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
			c.Abort()
			return
		}

		if err := auth.ValidateServiceToken(parts[1], expectedToken); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}
