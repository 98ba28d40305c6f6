package vault

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/clinicsync/clinicsync/internal/platform/gcal"
)

var (
	ErrCredentialsNotFound = errors.New("calendar credentials not found")
	ErrRefreshFailed       = errors.New("calendar token refresh failed")
	// ErrNotFound is returned by repositories for a missing row.
	ErrNotFound = errors.New("not found")
)

// Record is the stored credential row. Token columns hold ciphertext only.
type Record struct {
	ResourceID      uuid.UUID
	AccessTokenEnc  string
	RefreshTokenEnc string
	ExpiresAt       *time.Time
	Scope           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session is a decrypted, usable credential together with a calendar client
// authenticated by it. It must not outlive the call it was fetched for.
type Session struct {
	ResourceID   uuid.UUID
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
	Calendar     gcal.Calendar
}

func (s *Session) token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       s.Expiry,
	}
}

// Status describes a connection without exposing secrets.
type Status struct {
	ResourceID      uuid.UUID  `json:"resource_id"`
	Connected       bool       `json:"connected"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}
