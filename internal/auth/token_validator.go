package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningKey = errors.New("token validator: signing key required")
	ErrMissingIssuer     = errors.New("token validator: issuer required")
	ErrMissingToken      = errors.New("token validator: token required")
	ErrInvalidToken      = errors.New("token validator: invalid token")
	ErrExpiredToken      = errors.New("token validator: token expired")
	ErrMissingSubject    = errors.New("token validator: subject required")
	ErrGuestToken        = errors.New("token validator: guest token")
	ErrNotGuestToken     = errors.New("token validator: not a guest token")
)

// IdentityResolver maps token claims to a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims AccessClaims) (string, error)
}

// TokenValidatorConfig describes how to validate relay access tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Identities    IdentityResolver
	Clock         func() time.Time
}

// TokenValidator validates HS256 JWTs minted by TokenIssuer.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	identities    IdentityResolver
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		identities:    cfg.Identities,
		clock:         clock,
	}, nil
}

// Resolve validates a user token and returns its subject. Guest tokens yield ErrGuestToken.
func (v *TokenValidator) Resolve(tokenString string) (Subject, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return Subject{}, err
	}
	if claims.Kind == TokenKindGuest {
		return Subject{}, ErrGuestToken
	}
	if claims.Kind != TokenKindUser {
		return Subject{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, claims.Kind)
	}
	if v.identities == nil {
		_, userID := claims.LoginIdentity()
		return Subject{UserID: userID}, nil
	}
	userID, err := v.identities.ResolveCanonicalUserID(claims)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Subject{UserID: userID}, nil
}

// ResolveGuest validates a guest token and returns the grant it carries.
func (v *TokenValidator) ResolveGuest(tokenString string) (GuestGrant, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return GuestGrant{}, err
	}
	if claims.Kind != TokenKindGuest {
		return GuestGrant{}, ErrNotGuestToken
	}
	if strings.TrimSpace(claims.DocumentID) == "" || strings.TrimSpace(claims.Permission) == "" {
		return GuestGrant{}, fmt.Errorf("%w: incomplete guest claims", ErrInvalidToken)
	}
	return GuestGrant{
		GuestID:    claims.Subject,
		DocumentID: claims.DocumentID,
		Permission: claims.Permission,
	}, nil
}

func (v *TokenValidator) parse(tokenString string) (AccessClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AccessClaims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessClaims{}, ErrExpiredToken
		}
		return AccessClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AccessClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AccessClaims{}, ErrMissingSubject
	}
	return *claims, nil
}
