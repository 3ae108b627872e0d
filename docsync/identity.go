// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// UserProvider reports the currently signed-in user
type UserProvider interface {
	CurrentUser(ctx context.Context) (userID string, ok bool)
}

// UserFunc adapts a function to UserProvider
type UserFunc func(ctx context.Context) (string, bool)

func (f UserFunc) CurrentUser(ctx context.Context) (string, bool) { return f(ctx) }

// StaticUser always reports the same user; an empty id means signed out
type StaticUser string

func (u StaticUser) CurrentUser(context.Context) (string, bool) { return string(u), u != "" }

// TokenUser derives the user from the "sub" claim of the JWT returned by token.
// The signature is not verified here; the remote store does that.
func TokenUser(token func(ctx context.Context) (string, error)) UserProvider {
	return UserFunc(func(ctx context.Context) (string, bool) {
		raw, err := token(ctx)
		if err != nil || raw == "" {
			return "", false
		}
		claims := &jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return "", false
		}
		return claims.Subject, claims.Subject != ""
	})
}

// Connectivity reports whether the remote store can currently be reached
type Connectivity interface {
	Reachable(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity
type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Reachable(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline is the default Connectivity
var AlwaysOnline Connectivity = ConnectivityFunc(func(context.Context) bool { return true })
