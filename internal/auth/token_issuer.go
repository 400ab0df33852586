package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

const (
	defaultTokenTTL      = 30 * time.Minute
	defaultGuestTokenTTL = 24 * time.Hour
	guestIDPrefix        = "guest-"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingDocumentClaim = errors.New("document claim must be provided")
	errMissingPermission    = errors.New("permission claim must be provided")
)

// TokenIssuerConfig configures the relay JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	GuestTokenTTL time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs user and guest access tokens.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	guestTTL := cfg.GuestTokenTTL
	if guestTTL <= 0 {
		guestTTL = defaultGuestTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			GuestTokenTTL: guestTTL,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueUserToken produces a signed JWT and its expiry (seconds) for an account.
func (i *TokenIssuer) IssueUserToken(_ context.Context, userID string) (string, int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}
	return i.sign(AccessClaims{Kind: TokenKindUser, UserID: userID}, userID, i.config.TokenTTL)
}

// GuestTokenRequest describes a link-share token to mint.
type GuestTokenRequest struct {
	DocumentID string
	Permission string
	TTL        time.Duration
}

// IssueGuestToken produces a guest JWT bound to one document and returns the generated guest id.
func (i *TokenIssuer) IssueGuestToken(_ context.Context, request GuestTokenRequest) (string, string, int64, error) {
	documentID := strings.TrimSpace(request.DocumentID)
	if documentID == "" {
		return "", "", 0, errMissingDocumentClaim
	}
	permission := strings.TrimSpace(request.Permission)
	if permission == "" {
		return "", "", 0, errMissingPermission
	}
	ttl := request.TTL
	if ttl <= 0 {
		ttl = i.config.GuestTokenTTL
	}
	guestID := guestIDPrefix + ulid.Make().String()
	token, expiresIn, err := i.sign(AccessClaims{
		Kind:       TokenKindGuest,
		DocumentID: documentID,
		Permission: permission,
	}, guestID, ttl)
	if err != nil {
		return "", "", 0, err
	}
	return token, guestID, expiresIn, nil
}

func (i *TokenIssuer) sign(claims AccessClaims, subject string, ttl time.Duration) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}

	now := i.clock().UTC()
	expiresAt := now.Add(ttl).UTC()

	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
