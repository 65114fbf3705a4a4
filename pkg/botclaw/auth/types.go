// Package auth implements BotClaw's authorization model: users, groups and
// scopes auto-created on first contact, a seeded role/permission catalog, one
// role per user per scope, and permission resolution with a global fallback.
package auth

import (
	"errors"
	"time"
)

// ScopeType is the kind of authorization scope.
type ScopeType string

const (
	ScopeGlobal  ScopeType = "global"
	ScopePrivate ScopeType = "private"
	ScopeGroup   ScopeType = "group"
)

// Built-in roles.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleTrusted   = "trusted"
	RoleUser      = "user"
)

// Built-in permissions.
const (
	PermRoot        = "root"
	PermModerate    = "moderate"
	PermFetch       = "fetch"
	PermChat        = "chat"
	PermUserCommand = "user_command"
)

var (
	// ErrForbidden is returned by Capability methods outside the caller's tier.
	ErrForbidden = errors.New("forbidden")

	// ErrUnknownRole is returned when assigning a role that is not in the catalog.
	ErrUnknownRole = errors.New("unknown role")

	// ErrNotFound is returned when a referenced user, group or scope does not exist.
	ErrNotFound = errors.New("not found")
)

// Scope is an authorization context. Extra holds the row id of the user
// (private) or group (group) it belongs to, 0 for the global scope.
type Scope struct {
	ID        int64
	Type      ScopeType
	Extra     int64
	CreatedAt time.Time
}

// User is a chat user identified by the gateway's user id.
type User struct {
	ID          int64
	ExternalID  string
	Registered  bool
	BannedUntil time.Time
	ErrorNotify bool
	CreatedAt   time.Time
}

// Valid reports whether the user is registered and not banned at now.
func (u *User) Valid(now time.Time) bool {
	return u != nil && u.Registered && !u.BannedUntil.After(now)
}

// Group is a chat group identified by the gateway's group id.
type Group struct {
	ID          int64
	ExternalID  string
	Registered  bool
	BannedUntil time.Time
	CreatedAt   time.Time
}

// Valid reports whether the group is registered and not banned at now.
func (g *Group) Valid(now time.Time) bool {
	return g != nil && g.Registered && !g.BannedUntil.After(now)
}

// UserScopeRole is the single role a user holds in a scope.
type UserScopeRole struct {
	UserID  int64
	ScopeID int64
	RoleID  string
}

// RolePermission grants a permission to a role.
type RolePermission struct {
	RoleID       string
	PermissionID string
}

// Identity is what the gateway asserts about an event's origin. Empty
// strings mean "absent".
type Identity struct {
	UserID  string
	GroupID string
}

// Principal is an Identity resolved against storage.
type Principal struct {
	User  *User
	Group *Group
	Scope *Scope
}
