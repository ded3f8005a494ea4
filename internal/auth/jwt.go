package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the signature, expiry or claims do not check out.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMalformedHeader is returned when the authorization value is not "<scheme> <token>".
	ErrMalformedHeader = errors.New("malformed authorization header")
)

// Claims is what the chat core needs out of a verified token.
type Claims struct {
	UserID    int
	ExpiresAt time.Time
}

// TokenVerifier validates a bearer token.
type TokenVerifier interface {
	Verify(token string) (Claims, error)
}

// userID accepts the id either as a JSON number or a numeric string; issuers differ.
type userID int

func (u *userID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n = json.Number(s)
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return err
	}
	*u = userID(v)
	return nil
}

type tokenClaims struct {
	UserID userID `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HMAC-signed access tokens carrying a user_id claim.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier builds a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify validates the token and extracts its claims.
func (v *JWTVerifier) Verify(token string) (Claims, error) {
	claims := &tokenClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID <= 0 {
		return Claims{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}

	return Claims{UserID: int(claims.UserID), ExpiresAt: claims.ExpiresAt.Time}, nil
}
