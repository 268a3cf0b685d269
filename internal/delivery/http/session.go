package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	SessionCookieName = "session_id"
	sessionContextKey = "session_id"
	sessionMaxAge     = 60 * 60 * 24 * 365
)

// SessionMiddleware читает cookie session_id, при отсутствии создает новую сессию.
func SessionMiddleware(secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(SessionCookieName)
		if err != nil || sessionID == "" || len(sessionID) > 64 {
			sessionID = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(SessionCookieName, sessionID, sessionMaxAge, "/", "", secure, true)
		}
		c.Set(sessionContextKey, sessionID)
		c.Next()
	}
}

// GetSessionID id сессии текущего запроса.
func GetSessionID(c *gin.Context) string {
	return c.GetString(sessionContextKey)
}
