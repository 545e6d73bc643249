package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
)

const actorAdmin = "admin"

// AdminRequired guards operator routes with the shared admin token. With no
// token configured every admin route is closed.
func (s *Server) AdminRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.AdminToken))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			AbortWithError(c, ErrForbidden)
			return
		}

		parts := strings.Fields(c.GetHeader("Authorization"))
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actorID := strings.TrimSpace(c.GetHeader("X-Admin-ID"))
		if actorID == "" {
			actorID = "token"
		}
		ctx := obscontext.WithActor(c.Request.Context(), actorAdmin, actorID)
		ctx = obscontext.WithClient(ctx, c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
