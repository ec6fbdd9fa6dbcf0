package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatcore/server/common/transport/httpresp"
)

const (
	KeyAccessToken = "auth_access_token"
	KeyUserID      = "auth_user_id"
	KeyProtocolID  = "auth_protocol_id"
)

type tokenAuth interface {
	ParseAuthContext(token string) (userID, protocolID string, err error)
}

// BearerToken reads the token from the Authorization header, falling back to
// the access_token query parameter for websocket clients.
func BearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("access_token"))
	return token, token != ""
}

func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		userID, protocolID, err := auth.ParseAuthContext(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set(KeyAccessToken, token)
		c.Set(KeyUserID, userID)
		c.Set(KeyProtocolID, protocolID)
		c.Next()
	}
}
