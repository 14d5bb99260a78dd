// Package middleware holds the gin middleware shared by the HTTP front end.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminKeyHeader carries the key for the /internal routes
const AdminKeyHeader = "X-Internal-API-Key"

// AdminAuth admits requests carrying the admin key, either in AdminKeyHeader
// or as a Bearer token. Without a configured key every request is refused,
// so the admin routes cannot be opened by omission.
func AdminAuth(apiKey string, logger *zerolog.Logger) gin.HandlerFunc {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	want := []byte(apiKey)

	return func(c *gin.Context) {
		if len(want) == 0 {
			reject(c, http.StatusInternalServerError, "admin API key not configured")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presentedKey(c)), want) != 1 {
			logger.Warn().
				Str("path", c.Request.URL.Path).
				Str("ip", c.ClientIP()).
				Msg("Rejected admin request")
			reject(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

func presentedKey(c *gin.Context) string {
	if key := c.GetHeader(AdminKeyHeader); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

func reject(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"name": http.StatusText(status), "error": msg})
}
