package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-core/internal/auth"
)

const (
	identityContextKey  = "identity"
	requestIDContextKey = "request_id"
)

// Identity resolves the connection identity once per handshake and stores it
// on the gin context. It never aborts: unauthenticated requests continue as
// anonymous and the route decides what to do with them.
func Identity(authenticator *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Request.Header
		if header.Get("Authorization") == "" {
			// browsers cannot set headers on a websocket upgrade
			if token := c.Query("token"); token != "" {
				header = header.Clone()
				header.Set("Authorization", "Bearer "+token)
			}
		}

		c.Set(identityContextKey, authenticator.Authenticate(c.Request.Context(), header))
		c.Next()
	}
}

// CurrentIdentity returns the identity attached by Identity, or anonymous.
func CurrentIdentity(c *gin.Context) auth.Identity {
	if val, ok := c.Get(identityContextKey); ok {
		if identity, ok := val.(auth.Identity); ok {
			return identity
		}
	}
	return auth.Anonymous()
}

// RequestID reuses X-Request-ID when present and generates one otherwise.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CurrentRequestID returns the request id set by RequestID.
func CurrentRequestID(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok {
			return id
		}
	}
	return c.GetHeader("X-Request-ID")
}
