package middlewares

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ErrorTokenAuthFail = 1001
	ErrorMissingUser   = 1002

	// UserIdHeader is set by the authenticating gateway in front of the
	// service.
	UserIdHeader = "X-User-Id"
	// SubKey holds the authenticated user id in the gin context.
	SubKey = "sub"
)

// JobToken guards job triggers with a shared bearer token. An empty token
// disables the routes entirely.
func JobToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": ErrorTokenAuthFail,
				"msg":  "job triggers are disabled",
			})
			c.Abort()
			return
		}
		given := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": ErrorTokenAuthFail,
				"msg":  "invalid job token",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// User reads the user id the gateway authenticated and stores it under
// SubKey. Requests without one are rejected.
func User() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := strings.TrimSpace(c.GetHeader(UserIdHeader))
		if sub == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": ErrorMissingUser,
				"msg":  "missing user",
			})
			c.Abort()
			return
		}
		c.Set(SubKey, sub)
		c.Next()
	}
}
