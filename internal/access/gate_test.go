package access

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/docrelay/internal/auth"
	"github.com/go-playground/assert/v2"
)

type stubTokens struct {
	subjects map[string]auth.Subject
	guests   map[string]auth.GuestGrant
	expired  map[string]bool
}

func (s stubTokens) Resolve(token string) (auth.Subject, error) {
	if s.expired[token] {
		return auth.Subject{}, auth.ErrExpiredToken
	}
	if _, ok := s.guests[token]; ok {
		return auth.Subject{}, auth.ErrGuestToken
	}
	subject, ok := s.subjects[token]
	if !ok {
		return auth.Subject{}, auth.ErrInvalidToken
	}
	return subject, nil
}

func (s stubTokens) ResolveGuest(token string) (auth.GuestGrant, error) {
	grant, ok := s.guests[token]
	if !ok {
		return auth.GuestGrant{}, auth.ErrNotGuestToken
	}
	return grant, nil
}

type stubPermissions struct {
	grants map[string]Permission
	links  map[string]Permission
	fail   error
}

func (s stubPermissions) ResolvePermission(_ context.Context, subjectID, documentID string) (Permission, error) {
	if s.fail != nil {
		return "", s.fail
	}
	if permission, ok := s.grants[subjectID+"|"+documentID]; ok {
		return permission, nil
	}
	return "", ErrDenied
}

func (s stubPermissions) LinkPermission(_ context.Context, documentID string) (Permission, error) {
	if permission, ok := s.links[documentID]; ok {
		return permission, nil
	}
	return "", ErrDenied
}

func newTestGate(t *testing.T, permissions stubPermissions) *Gate {
	t.Helper()
	gate, err := NewGate(GateConfig{
		Tokens: stubTokens{
			subjects: map[string]auth.Subject{"owner-token": {UserID: "owner"}, "stranger-token": {UserID: "stranger"}},
			guests: map[string]auth.GuestGrant{
				"guest-edit": {GuestID: "guest-1", DocumentID: "doc-1", Permission: "edit"},
				"guest-view": {GuestID: "guest-2", DocumentID: "doc-1", Permission: "view"},
				"guest-bad":  {GuestID: "guest-3", DocumentID: "doc-1", Permission: "admin"},
			},
			expired: map[string]bool{"old-token": true},
		},
		Permissions: permissions,
	})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}
	return gate
}

func TestGateAuthorize(t *testing.T) {
	gate := newTestGate(t, stubPermissions{
		grants: map[string]Permission{"owner|doc-1": PermissionOwner},
		links:  map[string]Permission{"doc-1": PermissionView},
	})

	testCases := []struct {
		name       string
		token      string
		documentID string
		expected   Grant
		expectErr  error
	}{
		{name: "owner", token: "owner-token", documentID: "doc-1", expected: Grant{SubjectID: "owner", Permission: PermissionOwner}},
		{name: "no grant", token: "stranger-token", documentID: "doc-1", expectErr: ErrForbidden},
		{name: "expired", token: "old-token", documentID: "doc-1", expectErr: ErrTokenExpired},
		{name: "unknown token", token: "garbage", documentID: "doc-1", expectErr: ErrUnauthorized},
		{name: "guest capped by link", token: "guest-edit", documentID: "doc-1", expected: Grant{SubjectID: "guest-1", Guest: true, Permission: PermissionView}},
		{name: "guest view", token: "guest-view", documentID: "doc-1", expected: Grant{SubjectID: "guest-2", Guest: true, Permission: PermissionView}},
		{name: "guest other document", token: "guest-edit", documentID: "doc-2", expectErr: ErrForbidden},
		{name: "guest invalid tier", token: "guest-bad", documentID: "doc-1", expectErr: ErrUnauthorized},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			grant, err := gate.Authorize(context.Background(), testCase.token, testCase.documentID)
			if testCase.expectErr != nil {
				assert.Equal(t, errors.Is(err, testCase.expectErr), true)
				return
			}
			assert.Equal(t, err, nil)
			assert.Equal(t, grant, testCase.expected)
		})
	}
}

func TestGateRejectsGuestWhenLinkDisabled(t *testing.T) {
	gate := newTestGate(t, stubPermissions{links: map[string]Permission{}})
	_, err := gate.Authorize(context.Background(), "guest-edit", "doc-1")
	assert.Equal(t, errors.Is(err, ErrForbidden), true)
}

func TestGateSurfacesLookupFailures(t *testing.T) {
	gate := newTestGate(t, stubPermissions{fail: errors.New("database unavailable")})
	_, err := gate.Authorize(context.Background(), "owner-token", "doc-1")
	assert.Equal(t, errors.Is(err, ErrLookupFailed), true)
	assert.Equal(t, errors.Is(err, ErrForbidden), false)
}

func TestPermissionOrdering(t *testing.T) {
	assert.Equal(t, PermissionOwner.Allows(PermissionEdit), true)
	assert.Equal(t, PermissionEdit.CanEdit(), true)
	assert.Equal(t, PermissionView.CanEdit(), false)
	assert.Equal(t, Permission("").Allows(PermissionView), false)
	assert.Equal(t, Lower(PermissionOwner, PermissionView), PermissionView)
	assert.Equal(t, Lower(PermissionEdit, PermissionOwner), PermissionEdit)

	parsed, err := ParsePermission(" Edit ")
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, PermissionEdit)
	_, err = ParsePermission("admin")
	assert.Equal(t, errors.Is(err, ErrInvalidPermission), true)
}
