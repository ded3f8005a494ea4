package handlers

import (
	"github.com/gin-gonic/gin"

	"chat-core/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	return middleware.CurrentRequestID(c)
}

func userIDFromContext(c *gin.Context) *int {
	identity := middleware.CurrentIdentity(c)
	if identity.IsAnonymous() {
		return nil
	}
	userID := identity.UserID()
	return &userID
}
