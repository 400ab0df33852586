package access

import (
	"errors"
	"fmt"
	"strings"
)

// Permission is an ordered capability tier: view < edit < owner.
type Permission string

const (
	// PermissionView allows reading content and publishing presence.
	PermissionView Permission = "view"
	// PermissionEdit additionally allows applying document updates.
	PermissionEdit Permission = "edit"
	// PermissionOwner grants every capability on the document.
	PermissionOwner Permission = "owner"
)

var (
	// ErrInvalidPermission indicates that a permission string is not a known tier.
	ErrInvalidPermission = errors.New("access: invalid permission")
	// ErrDenied indicates that no grant exists for the subject on the document.
	ErrDenied = errors.New("access: denied")
)

// ParsePermission validates raw input and returns a Permission.
func ParsePermission(rawInput string) (Permission, error) {
	switch permission := Permission(strings.ToLower(strings.TrimSpace(rawInput))); permission {
	case PermissionView, PermissionEdit, PermissionOwner:
		return permission, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, rawInput)
	}
}

func (permission Permission) rank() int {
	switch permission {
	case PermissionView:
		return 1
	case PermissionEdit:
		return 2
	case PermissionOwner:
		return 3
	default:
		return 0
	}
}

// Allows reports whether permission is at least required.
func (permission Permission) Allows(required Permission) bool {
	return permission.rank() > 0 && permission.rank() >= required.rank()
}

// CanEdit reports whether the tier may apply document updates.
func (permission Permission) CanEdit() bool {
	return permission.Allows(PermissionEdit)
}

// String returns the tier name.
func (permission Permission) String() string {
	return string(permission)
}

// Lower returns the weaker of two tiers.
func Lower(first, second Permission) Permission {
	if first.rank() <= second.rank() {
		return first
	}
	return second
}
