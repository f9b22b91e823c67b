package models

import "time"

// Session is an authenticated identity issued by the auth provider.
type Session struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// TenantCredential is the connection pair for a user's own data store.
type TenantCredential struct {
	URL string `json:"url" validate:"required"`
	Key string `json:"key"`
}

// Complete reports whether the credential can be used to build a client.
func (c TenantCredential) Complete() bool {
	return c.URL != ""
}
