package auth

import (
	"context"
	"fmt"
	"time"
)

// Tier is the caller's resolved privilege level in a scope.
type Tier int

const (
	TierNone Tier = iota
	TierUser
	TierModerator
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierUser:
		return "user"
	case TierModerator:
		return "moderator"
	case TierAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Capability method names.
const (
	capCan            = "can"
	capRoleOf         = "role_of"
	capClaimAdmin     = "claim_admin"
	capLookup         = "lookup"
	capAssign         = "assign"
	capRevoke         = "revoke"
	capBan            = "ban"
	capSetErrorNotify = "set_error_notify"
	capRegister       = "register"
	capAssignGlobal   = "assign_global"
	capGrant          = "grant"
	capRegistration   = "registration"
)

// tierMethods is the method set available at each tier.
var tierMethods = func() map[Tier]map[string]bool {
	none := []string{capCan, capClaimAdmin, capRegister}
	user := append(append([]string{}, none...), capRoleOf)
	mod := append(append([]string{}, user...), capLookup, capAssign, capRevoke, capBan, capSetErrorNotify)
	admin := append(append([]string{}, mod...), capAssignGlobal, capGrant, capRegistration)

	build := func(names []string) map[string]bool {
		m := make(map[string]bool, len(names))
		for _, n := range names {
			m[n] = true
		}
		return m
	}
	return map[Tier]map[string]bool{
		TierNone:      build(none),
		TierUser:      build(user),
		TierModerator: build(mod),
		TierAdmin:     build(admin),
	}
}()

// Capability is the narrowed view of Auth handed to command handlers. It is
// bound to the caller and the scope of one event, and only exposes the
// operations the caller's tier allows; others return ErrForbidden.
type Capability struct {
	auth    *Auth
	tier    Tier
	userID  int64
	scopeID int64
	allowed map[string]bool
}

// CapabilityFor resolves the caller's tier in the principal's scope and
// returns the matching capability.
func (a *Auth) CapabilityFor(ctx context.Context, p *Principal) (Capability, error) {
	c := Capability{auth: a, tier: TierNone}
	if p == nil || p.User == nil || p.Scope == nil {
		c.allowed = tierMethods[TierNone]
		return c, nil
	}
	c.userID = p.User.ID
	c.scopeID = p.Scope.ID

	checks := []struct {
		perm string
		tier Tier
	}{
		{PermRoot, TierAdmin},
		{PermModerate, TierModerator},
		{PermChat, TierUser},
	}
	for _, chk := range checks {
		ok, err := a.Can(ctx, c.userID, c.scopeID, chk.perm)
		if err != nil {
			return Capability{}, fmt.Errorf("resolve tier: %w", err)
		}
		if ok {
			c.tier = chk.tier
			break
		}
	}
	c.allowed = tierMethods[c.tier]
	return c, nil
}

// Tier returns the caller's tier.
func (c Capability) Tier() Tier { return c.tier }

// Allows reports whether the named operation is available.
func (c Capability) Allows(method string) bool { return c.allowed[method] }

func (c Capability) check(method string) error {
	if c.auth == nil || !c.allowed[method] {
		return fmt.Errorf("%s requires a higher tier than %s: %w", method, c.tier, ErrForbidden)
	}
	return nil
}

// Can checks a permission for the caller in the current scope.
func (c Capability) Can(ctx context.Context, permission string) (bool, error) {
	if err := c.check(capCan); err != nil {
		return false, err
	}
	if c.userID == 0 {
		return false, nil
	}
	return c.auth.Can(ctx, c.userID, c.scopeID, permission)
}

// RoleOf returns a user's role in the current scope.
func (c Capability) RoleOf(ctx context.Context, userID int64) (string, error) {
	if err := c.check(capRoleOf); err != nil {
		return "", err
	}
	return c.auth.RoleOf(ctx, userID, c.scopeID)
}

// ClaimAdmin makes the caller global admin when nobody is.
func (c Capability) ClaimAdmin(ctx context.Context) (bool, error) {
	if err := c.check(capClaimAdmin); err != nil {
		return false, err
	}
	if c.userID == 0 {
		return false, nil
	}
	return c.auth.ClaimAdmin(ctx, c.userID)
}

// Lookup returns the user with the gateway id, creating it if needed.
func (c Capability) Lookup(ctx context.Context, externalID string) (*User, error) {
	if err := c.check(capLookup); err != nil {
		return nil, err
	}
	return c.auth.EnsureUser(ctx, externalID)
}

// Assign gives a user role in the current scope. Handing out admin or
// moderator requires the admin tier.
func (c Capability) Assign(ctx context.Context, userID int64, role string) error {
	if err := c.check(capAssign); err != nil {
		return err
	}
	if err := c.guardPrivileged(ctx, userID, role); err != nil {
		return err
	}
	return c.auth.Assign(ctx, userID, c.scopeID, role)
}

// AssignGlobal gives a user role at global scope.
func (c Capability) AssignGlobal(ctx context.Context, userID int64, role string) error {
	if err := c.check(capAssignGlobal); err != nil {
		return err
	}
	global, err := c.auth.GlobalScope(ctx)
	if err != nil {
		return err
	}
	return c.auth.Assign(ctx, userID, global.ID, role)
}

// Revoke removes a user's role in the current scope. Revoking an admin or
// moderator requires the admin tier.
func (c Capability) Revoke(ctx context.Context, userID int64) (bool, error) {
	if err := c.check(capRevoke); err != nil {
		return false, err
	}
	if err := c.guardPrivileged(ctx, userID, ""); err != nil {
		return false, err
	}
	return c.auth.Revoke(ctx, userID, c.scopeID)
}

// Ban blocks a user everywhere until the given time. Moderators cannot ban
// users who hold moderate in any scope.
func (c Capability) Ban(ctx context.Context, userID int64, until time.Time) error {
	if err := c.check(capBan); err != nil {
		return err
	}
	if err := c.guardUser(ctx, userID); err != nil {
		return err
	}
	return c.auth.Ban(ctx, userID, until)
}

// Unban lifts a ban. Like Ban, moderators cannot act on other moderators.
func (c Capability) Unban(ctx context.Context, userID int64) error {
	if err := c.check(capBan); err != nil {
		return err
	}
	if err := c.guardUser(ctx, userID); err != nil {
		return err
	}
	return c.auth.Unban(ctx, userID)
}

// Register marks the caller registered. It is only possible from a valid
// group and reports false when the caller already was registered.
func (c Capability) Register(ctx context.Context) (bool, error) {
	if err := c.check(capRegister); err != nil {
		return false, err
	}
	if c.userID == 0 {
		return false, nil
	}
	scope, err := c.auth.Scope(ctx, c.scopeID)
	if err != nil {
		return false, err
	}
	if scope == nil || scope.Type != ScopeGroup {
		return false, fmt.Errorf("register outside a group: %w", ErrForbidden)
	}
	group, err := c.auth.Group(ctx, scope.Extra)
	if err != nil {
		return false, err
	}
	if !group.Valid(c.auth.now()) {
		return false, fmt.Errorf("register in a group that is not allowed: %w", ErrForbidden)
	}
	user, err := c.auth.User(ctx, c.userID)
	if err != nil {
		return false, err
	}
	if user == nil || user.Registered {
		return false, nil
	}
	return true, c.auth.SetRegistered(ctx, c.userID, true)
}

// SetRegistered allows or denies a user everywhere.
func (c Capability) SetRegistered(ctx context.Context, userID int64, registered bool) error {
	if err := c.check(capRegistration); err != nil {
		return err
	}
	return c.auth.SetRegistered(ctx, userID, registered)
}

// SetGroupRegistered allows or denies the group with the gateway id,
// creating it if needed.
func (c Capability) SetGroupRegistered(ctx context.Context, externalID string, registered bool) (*Group, error) {
	if err := c.check(capRegistration); err != nil {
		return nil, err
	}
	g, err := c.auth.EnsureGroup(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := c.auth.SetGroupRegistered(ctx, g.ID, registered); err != nil {
		return nil, err
	}
	g.Registered = registered
	return g, nil
}

// SetErrorNotify toggles fault notifications for the caller.
func (c Capability) SetErrorNotify(ctx context.Context, enabled bool) error {
	if err := c.check(capSetErrorNotify); err != nil {
		return err
	}
	return c.auth.SetErrorNotify(ctx, c.userID, enabled)
}

// Grant adds a permission to a role.
func (c Capability) Grant(ctx context.Context, role, permission string) error {
	if err := c.check(capGrant); err != nil {
		return err
	}
	return c.auth.Grant(ctx, role, permission)
}

// Ungrant removes a permission from a role.
func (c Capability) Ungrant(ctx context.Context, role, permission string) (bool, error) {
	if err := c.check(capGrant); err != nil {
		return false, err
	}
	return c.auth.Ungrant(ctx, role, permission)
}

// guardPrivileged enforces that only admins hand out or take away the admin
// and moderator roles.
func (c Capability) guardPrivileged(ctx context.Context, target int64, newRole string) error {
	if c.tier >= TierAdmin {
		return nil
	}
	if newRole == RoleAdmin || newRole == RoleModerator {
		return fmt.Errorf("assign %s: %w", newRole, ErrForbidden)
	}
	current, err := c.auth.RoleOf(ctx, target, c.scopeID)
	if err != nil {
		return err
	}
	if current == RoleAdmin || current == RoleModerator {
		return fmt.Errorf("change role of %s: %w", current, ErrForbidden)
	}
	return nil
}

// guardUser stops non-admins from acting user-wide on anyone who holds
// moderate in any scope.
func (c Capability) guardUser(ctx context.Context, target int64) error {
	if c.tier >= TierAdmin {
		return nil
	}
	ok, err := c.auth.HoldsAnywhere(ctx, target, PermModerate)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("act on moderator: %w", ErrForbidden)
	}
	return nil
}
