// Package auth handles the bearer credential the client presents to the server.
//
// Tokens are HS256 JWTs carrying the user's id, username and role. The client never
// holds the signing secret: it only decodes the claims to learn who it is acting as.
// Verification with the secret is used by the in-process test server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// ErrNoToken is returned by a TokenSource that has no credential.
var ErrNoToken = errors.New("no auth token configured")

// Claims are the JWT claims issued by the server.
type Claims struct {
	UserID   string      `json:"id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity returns the user described by the claims.
func (c *Claims) Identity() models.Identity {
	return models.Identity{UserID: c.UserID, Username: c.Username, Role: c.Role}
}

// Sign issues an HS256 token for id valid for ttl.
func Sign(secret []byte, id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks the signature and expiry of token and returns its identity.
func Verify(secret []byte, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, apperrors.New(apperrors.ErrPermission, "empty token")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Identity{}, apperrors.Wrap(apperrors.ErrPermission, "invalid token", err)
	}
	if claims.UserID == "" {
		return models.Identity{}, apperrors.New(apperrors.ErrPermission, "token has no user id")
	}
	return claims.Identity(), nil
}

// Decode reads the claims of token without verifying its signature.
func Decode(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode token", err)
	}
	if claims.UserID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "token has no user id")
	}
	return claims, nil
}

// IdentityFromToken returns the identity a token claims.
func IdentityFromToken(token string) (models.Identity, error) {
	claims, err := Decode(token)
	if err != nil {
		return models.Identity{}, err
	}
	return claims.Identity(), nil
}

// Expired reports whether the token's exp claim is before now.
// Tokens without exp never expire.
func Expired(claims *Claims, now time.Time) bool {
	return claims.ExpiresAt != nil && claims.ExpiresAt.Before(now)
}

// TokenSource supplies the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// FileToken reads the token from a file on every call so a refreshed credential
// is picked up without restarting.
type FileToken struct {
	Path string
}

// Token implements TokenSource.
func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// NewTokenSource picks the file source when path is set, otherwise the static token.
func NewTokenSource(token, path string) TokenSource {
	if path != "" {
		return FileToken{Path: path}
	}
	return StaticToken(token)
}
