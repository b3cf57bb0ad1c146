package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"gopherai-codegen/internal/pkg/jwtutil"
	"gopherai-codegen/internal/transport/http/response"
)

const (
	ContextUserIDKey   = "user_id"
	ContextUsernameKey = "username"
)

type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*jwtutil.Claims, error)
}

// AuthJWT admits requests carrying a valid, unrevoked token in the cookie, the
// token query parameter or the Authorization header.
func AuthJWT(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := jwtutil.FromRequest(c.Request)
		if token == "" {
			response.Abort(c, 401, response.CodeUnauthorized, "missing token")
			return
		}

		claims, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.Abort(c, 401, response.CodeUnauthorized, "invalid or expired token")
			return
		}

		c.Set(ContextUserIDKey, claims.UserID)
		c.Set(ContextUsernameKey, claims.Username)
		c.Next()
	}
}

func UserID(c *gin.Context) (uint, bool) {
	v, exists := c.Get(ContextUserIDKey)
	if !exists {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok && id != 0
}

func Username(c *gin.Context) string {
	return c.GetString(ContextUsernameKey)
}
