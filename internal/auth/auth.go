// Package auth defines the authentication capability the session binder
// consumes and a local implementation backed by the administrative store.
package auth

import (
	"context"
	"errors"

	"github.com/franckalain/nutrilog/internal/models"
)

// Listener receives the new session, or nil once the user is signed out or
// the session expired.
type Listener func(*models.Session)

// Provider is the authentication capability.
type Provider interface {
	// CurrentSession returns the active session, nil when signed out.
	CurrentSession(ctx context.Context) (*models.Session, error)
	// OnSessionChange registers fn for every login, logout, refresh and expiry.
	OnSessionChange(fn Listener) (unsubscribe func())
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password string) error
	SignOut(ctx context.Context) error
}

// Error is a rejected authentication attempt. Its message is meant for the user.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// IsAuthError reports whether err is a user-facing authentication rejection.
func IsAuthError(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}

// ErrNoSession is returned by operations that need a signed-in user.
var ErrNoSession = errors.New("auth: no active session")
