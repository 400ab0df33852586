package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "docrelay"
	testAudience      = "docrelay-clients"
)

type prefixStrippingIdentities struct{}

func (prefixStrippingIdentities) ResolveCanonicalUserID(claims AccessClaims) (string, error) {
	_, userID, _ := strings.Cut(claims.UserID, ":")
	if userID == "" {
		return "", errors.New("no user")
	}
	return userID, nil
}

func newTestPair(t *testing.T, now *time.Time, identities IdentityResolver) (*TokenIssuer, *TokenValidator) {
	t.Helper()
	clock := func() time.Time { return *now }
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		Identities:    identities,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestUserTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, &now, prefixStrippingIdentities{})

	token, expiresIn, err := issuer.IssueUserToken(context.Background(), "google:12345")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}
	subject, err := validator.Resolve(token)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if subject.UserID != "12345" {
		t.Fatalf("expected canonical user id, got %q", subject.UserID)
	}
	if _, err := validator.ResolveGuest(token); !errors.Is(err, ErrNotGuestToken) {
		t.Fatalf("expected ErrNotGuestToken, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := validator.Resolve(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestGuestTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, &now, nil)

	token, guestID, _, err := issuer.IssueGuestToken(context.Background(), GuestTokenRequest{DocumentID: "doc-1", Permission: "edit"})
	if err != nil {
		t.Fatalf("issue guest failed: %v", err)
	}
	if !strings.HasPrefix(guestID, guestIDPrefix) {
		t.Fatalf("unexpected guest id %q", guestID)
	}
	if _, err := validator.Resolve(token); !errors.Is(err, ErrGuestToken) {
		t.Fatalf("expected ErrGuestToken, got %v", err)
	}
	grant, err := validator.ResolveGuest(token)
	if err != nil {
		t.Fatalf("resolve guest failed: %v", err)
	}
	if grant.GuestID != guestID || grant.DocumentID != "doc-1" || grant.Permission != "edit" {
		t.Fatalf("unexpected grant %+v", grant)
	}
}

func TestValidatorRejectsForeignTokens(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestPair(t, &now, nil)

	sign := func(secret string, claims AccessClaims, method jwt.SigningMethod) string {
		token := jwt.NewWithClaims(method, claims)
		signed, err := token.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		return signed
	}
	registered := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    testIssuer,
		Audience:  []string{testAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	wrongIssuer := registered
	wrongIssuer.Issuer = "someone-else"
	noExpiry := registered
	noExpiry.ExpiresAt = nil

	testCases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: " "},
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong secret", token: sign("other", AccessClaims{Kind: TokenKindUser, RegisteredClaims: registered}, jwt.SigningMethodHS256)},
		{name: "wrong algorithm", token: sign(testSigningSecret, AccessClaims{Kind: TokenKindUser, RegisteredClaims: registered}, jwt.SigningMethodHS512)},
		{name: "wrong issuer", token: sign(testSigningSecret, AccessClaims{Kind: TokenKindUser, RegisteredClaims: wrongIssuer}, jwt.SigningMethodHS256)},
		{name: "missing expiry", token: sign(testSigningSecret, AccessClaims{Kind: TokenKindUser, RegisteredClaims: noExpiry}, jwt.SigningMethodHS256)},
		{name: "unknown kind", token: sign(testSigningSecret, AccessClaims{Kind: "robot", RegisteredClaims: registered}, jwt.SigningMethodHS256)},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.Resolve(testCase.token)
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrMissingToken) {
				t.Fatalf("expected rejection, got %v", err)
			}
		})
	}
}

func TestIssuerRequiresSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{Issuer: testIssuer})
	if _, _, err := issuer.IssueUserToken(context.Background(), "user-1"); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewTokenValidator(TokenValidatorConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

func TestLoginIdentityPrecedence(t *testing.T) {
	testCases := []struct {
		name     string
		claims   AccessClaims
		provider string
		subject  string
	}{
		{name: "prefixed user id", claims: AccessClaims{UserID: " GitHub:octo ", RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"}}, provider: "github", subject: "octo"},
		{name: "bare user id over subject", claims: AccessClaims{UserID: "acct-9", RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"}}, subject: "acct-9"},
		{name: "dangling prefix kept whole", claims: AccessClaims{UserID: "google:", RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"}}, subject: "google:"},
		{name: "subject", claims: AccessClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"}}, subject: "sub-1"},
		{name: "email", claims: AccessClaims{UserEmail: " Person@Example.com "}, subject: "person@example.com"},
		{name: "nothing", claims: AccessClaims{}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			provider, subject := testCase.claims.LoginIdentity()
			if provider != testCase.provider || subject != testCase.subject {
				t.Fatalf("expected %q/%q, got %q/%q", testCase.provider, testCase.subject, provider, subject)
			}
		})
	}
}

func TestResolveWithoutIdentitiesPrefersUserIDClaim(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	_, validator := newTestPair(t, &now, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Kind:   TokenKindUser,
		UserID: "acct-9",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "legacy-subject",
			Issuer:    testIssuer,
			Audience:  []string{testAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	subject, err := validator.Resolve(signed)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if subject.UserID != "acct-9" {
		t.Fatalf("expected the user_id claim to win, got %q", subject.UserID)
	}
}
