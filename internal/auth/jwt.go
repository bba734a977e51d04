package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload carried by connection tokens.
type Claims struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator creates a JWTAuthenticator.
//
// Precondition: secret must be non-empty. issuer may be empty to accept any issuer.
func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer, now: time.Now}
}

// Authenticate parses and validates token.
//
// Postcondition: Returns the Identity from the id/username claims, or an error
// wrapping ErrAuth when the token is missing, malformed, expired, signed with
// another key or algorithm, or lacks either claim.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, reject("missing token", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, reject("invalid token", err)
	}
	if !parsed.Valid {
		return Identity{}, reject("invalid token", jwt.ErrSignatureInvalid)
	}
	if claims.UserID == "" || claims.Username == "" {
		return Identity{}, reject("token lacks id or username", nil)
	}

	return Identity{ID: claims.UserID, DisplayName: claims.Username}, nil
}

// Issue signs a token for the given user. It exists for development tooling
// and tests; production tokens are minted by the account service.
//
// Precondition: userID and username must be non-empty; ttl must be positive.
// Postcondition: Returns a compact HS256 JWT or a non-nil error.
func (a *JWTAuthenticator) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.issuer != "" {
		claims.Issuer = a.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
