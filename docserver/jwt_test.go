// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-docsync/internal/auth"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("user-123", "device-456", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-123", claims.Subject)
	require.Equal(t, "device-456", claims.DeviceID)
	require.Equal(t, "go-docsync", claims.Issuer)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Second)
}

func TestJWTAuth_ValidateToken_Failures(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	other, err := NewJWTAuth("other-secret").GenerateToken("u", "d", time.Hour)
	require.NoError(t, err)
	_, err = jwtAuth.ValidateToken(other)
	require.Error(t, err, "wrong secret")

	expired, err := jwtAuth.GenerateToken("u", "d", -time.Minute)
	require.NoError(t, err)
	_, err = jwtAuth.ValidateToken(expired)
	require.Error(t, err, "expired")

	noDevice, err := jwtAuth.GenerateToken("u", "", time.Hour)
	require.NoError(t, err)
	_, err = jwtAuth.ValidateToken(noDevice)
	require.ErrorContains(t, err, "did")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{DeviceID: "d"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = jwtAuth.ValidateToken(unsigned)
	require.Error(t, err, "alg none must be rejected")

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		DeviceID: "d",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = jwtAuth.ValidateToken(signed)
	require.Error(t, err, "issuer must match")
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	var gotUser, gotDevice string
	h := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.GetUserID(r.Context())
		gotDevice, _ = auth.GetDeviceID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "user-1", gotUser)
	require.Equal(t, "device-1", gotDevice)
}
