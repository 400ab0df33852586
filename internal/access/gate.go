// Package access decides whether a bearer token may join a document and at which tier.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/docrelay/internal/auth"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized indicates a missing or invalid token.
	ErrUnauthorized = errors.New("access: unauthorized")
	// ErrTokenExpired indicates a token that was valid but has expired.
	ErrTokenExpired = errors.New("access: token expired")
	// ErrForbidden indicates an authenticated subject without a grant on the document.
	ErrForbidden = errors.New("access: forbidden")
	// ErrLookupFailed indicates that grants could not be read.
	ErrLookupFailed = errors.New("access: lookup failed")

	errMissingTokens      = errors.New("token resolver is required")
	errMissingPermissions = errors.New("permission resolver is required")
)

// TokenResolver validates bearer tokens.
type TokenResolver interface {
	Resolve(token string) (auth.Subject, error)
	ResolveGuest(token string) (auth.GuestGrant, error)
}

// PermissionResolver looks up grants. Both methods return ErrDenied when nothing matches, including
// when the document does not exist.
type PermissionResolver interface {
	ResolvePermission(ctx context.Context, subjectID, documentID string) (Permission, error)
	LinkPermission(ctx context.Context, documentID string) (Permission, error)
}

// Grant is the outcome of a successful authorization.
type Grant struct {
	SubjectID  string
	Guest      bool
	Permission Permission
}

// GateConfig describes the dependencies of a Gate.
type GateConfig struct {
	Tokens      TokenResolver
	Permissions PermissionResolver
	Logger      *zap.Logger
}

// Gate authorizes connection attempts.
type Gate struct {
	tokens      TokenResolver
	permissions PermissionResolver
	logger      *zap.Logger
}

// NewGate validates the configuration and constructs a Gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	if cfg.Permissions == nil {
		return nil, errMissingPermissions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{tokens: cfg.Tokens, permissions: cfg.Permissions, logger: logger}, nil
}

// Authorize resolves the token's subject and its tier on documentID. Guest tokens are honoured
// only for the document they name and never above the document's current link permission.
func (g *Gate) Authorize(ctx context.Context, token, documentID string) (Grant, error) {
	subject, err := g.tokens.Resolve(token)
	switch {
	case err == nil:
		return g.authorizeUser(ctx, subject, documentID)
	case errors.Is(err, auth.ErrGuestToken):
		return g.authorizeGuest(ctx, token, documentID)
	default:
		return Grant{}, classifyTokenError(err)
	}
}

func (g *Gate) authorizeUser(ctx context.Context, subject auth.Subject, documentID string) (Grant, error) {
	permission, err := g.permissions.ResolvePermission(ctx, subject.UserID, documentID)
	if err != nil {
		return Grant{}, g.denied(documentID, subject.UserID, err)
	}
	return Grant{SubjectID: subject.UserID, Permission: permission}, nil
}

func (g *Gate) authorizeGuest(ctx context.Context, token, documentID string) (Grant, error) {
	grant, err := g.tokens.ResolveGuest(token)
	if err != nil {
		return Grant{}, classifyTokenError(err)
	}
	if grant.DocumentID != documentID {
		g.logger.Warn("permission violation",
			zap.Bool("audit", true),
			zap.String("reason", "guest_document_mismatch"),
			zap.String("document_id", documentID),
			zap.String("subject_id", grant.GuestID))
		return Grant{}, fmt.Errorf("%w: guest token is bound to another document", ErrForbidden)
	}
	tokenPermission, err := ParsePermission(grant.Permission)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	linkPermission, err := g.permissions.LinkPermission(ctx, documentID)
	if err != nil {
		return Grant{}, g.denied(documentID, grant.GuestID, err)
	}
	return Grant{
		SubjectID:  grant.GuestID,
		Guest:      true,
		Permission: Lower(tokenPermission, linkPermission),
	}, nil
}

func (g *Gate) denied(documentID, subjectID string, cause error) error {
	if errors.Is(cause, ErrDenied) {
		return fmt.Errorf("%w: %v", ErrForbidden, cause)
	}
	g.logger.Error("authorization lookup failed",
		zap.String("document_id", documentID),
		zap.String("subject_id", subjectID),
		zap.Error(cause))
	return fmt.Errorf("%w: %w", ErrLookupFailed, cause)
}

func classifyTokenError(err error) error {
	if errors.Is(err, auth.ErrExpiredToken) {
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %v", ErrUnauthorized, err)
}
