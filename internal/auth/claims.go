package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenKindUser marks tokens representing an authenticated account.
	TokenKindUser = "user"
	// TokenKindGuest marks link-share tokens bound to a single document.
	TokenKindGuest = "guest"
)

// AccessClaims is the JWT payload accepted by the relay.
type AccessClaims struct {
	Kind            string `json:"kind"`
	UserID          string `json:"user_id,omitempty"`
	UserEmail       string `json:"user_email,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	DocumentID      string `json:"document_id,omitempty"`
	Permission      string `json:"permission,omitempty"`
	jwt.RegisteredClaims
}

// LoginIdentity returns the provider login a user token speaks for. The user_id claim wins over
// the JWT subject, which wins over the email address. A "provider:subject" user_id yields a
// lower-cased provider; otherwise provider is empty.
func (c AccessClaims) LoginIdentity() (provider, subject string) {
	if raw := strings.TrimSpace(c.UserID); raw != "" {
		prefix, rest, found := strings.Cut(raw, ":")
		prefix, rest = strings.TrimSpace(prefix), strings.TrimSpace(rest)
		if found && prefix != "" && rest != "" {
			return strings.ToLower(prefix), rest
		}
		return "", raw
	}
	if subject := strings.TrimSpace(c.Subject); subject != "" {
		return "", subject
	}
	return "", strings.ToLower(strings.TrimSpace(c.UserEmail))
}

// Subject is an authenticated account.
type Subject struct {
	UserID string
}

// GuestGrant is what a guest token allows: one document at most at the given tier.
type GuestGrant struct {
	GuestID    string
	DocumentID string
	Permission string
}
