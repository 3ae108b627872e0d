// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-docsync/internal/auth"
)

const tokenIssuer = "go-docsync"

// JWTAuth issues HS256 device tokens and turns them into a request identity
type JWTAuth struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), logger: slog.Default()}
}

// JWTClaims carries the user in sub and the device in did
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for a user's device
func (j *JWTAuth) GenerateToken(userID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString(j.secret)
}

// ValidateToken checks signature, issuer and expiry, and requires both identities
func (j *JWTAuth) ValidateToken(token string) (*JWTClaims, error) {
	var claims JWTClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return j.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err != nil:
		return nil, err
	case claims.Subject == "":
		return nil, errors.New("missing sub (user ID) in token")
	case claims.DeviceID == "":
		return nil, errors.New("missing did (device ID) in token")
	}
	return &claims, nil
}

// Middleware authenticates the bearer token and stores user and device in the request context
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "Bearer token required", http.StatusUnauthorized)
			return
		}
		claims, err := j.ValidateToken(token)
		if err != nil {
			j.logger.Warn("JWT validation failed", "error", err, "path", r.URL.Path)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.SetIdentity(r.Context(), claims.Subject, claims.DeviceID)))
	})
}
