package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

// Identity is the immutable result of a handshake: a known user or anonymous.
type Identity struct {
	User      models.User
	anonymous bool
}

// Anonymous returns the anonymous identity marker.
func Anonymous() Identity {
	return Identity{anonymous: true}
}

// Authenticated wraps a resolved user.
func Authenticated(user models.User) Identity {
	return Identity{User: user}
}

// IsAnonymous reports whether the connection carries no usable credentials.
func (i Identity) IsAnonymous() bool {
	return i.anonymous || i.User.ID == 0
}

// UserID returns the authenticated user id, or 0 when anonymous.
func (i Identity) UserID() int {
	if i.IsAnonymous() {
		return 0
	}
	return i.User.ID
}

// Authenticator turns handshake headers into an Identity.
type Authenticator struct {
	verifier  TokenVerifier
	directory repositories.UserDirectory
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(verifier TokenVerifier, directory repositories.UserDirectory) *Authenticator {
	return &Authenticator{verifier: verifier, directory: directory}
}

// Authenticate never fails: missing, malformed, expired or dangling credentials
// all resolve to the anonymous identity and are only logged.
func (a *Authenticator) Authenticate(ctx context.Context, header http.Header) Identity {
	values, ok := header[http.CanonicalHeaderKey("authorization")]
	if !ok || len(values) == 0 {
		return Anonymous()
	}

	identity, err := a.resolve(ctx, values[0])
	if err != nil {
		log.Printf("ws auth: falling back to anonymous: %v", err)
		return Anonymous()
	}
	return identity
}

func (a *Authenticator) resolve(ctx context.Context, value string) (Identity, error) {
	token, err := BearerToken(value)
	if err != nil {
		return Identity{}, err
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	user, err := a.directory.Lookup(ctx, claims.UserID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		log.Printf("ws auth: token for unknown user_id=%d", claims.UserID)
		return Anonymous(), nil
	}
	if err != nil {
		return Identity{}, err
	}
	return Authenticated(user), nil
}

// BearerToken extracts the token from a "<scheme> <token>" header value.
func BearerToken(value string) (string, error) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return "", ErrMalformedHeader
	}
	return parts[1], nil
}
