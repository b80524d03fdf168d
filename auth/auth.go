// Package auth defines the narrow security contracts the runtime consults.
// Authentication and authorization engines live outside the core; the
// dispatcher and transport only ever see these interfaces.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Authorizer decides whether a session may perform an action on a target
// (e.g. "tools/call" on "echo"). The model is opt-in: when no Authorizer is
// configured every decision defaults to allow, and a false result surfaces to
// the client as a fixed "Access denied" with no further detail.
type Authorizer interface {
	Authorize(ctx context.Context, sessionID, userID, action, target string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, sessionID, userID, action, target string) bool

func (f AuthorizerFunc) Authorize(ctx context.Context, sessionID, userID, action, target string) bool {
	return f(ctx, sessionID, userID, action, target)
}

// AllowAll is the default opt-in policy.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, string, string, string, string) bool { return true })
