package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

// Auth resolves and mutates authorization state.
type Auth struct {
	db          *database.DB
	r           repos
	logger      *slog.Logger
	now         func() time.Time
	defaultRole string

	// closed makes users and groups start unregistered.
	closed bool
}

// Option configures Auth.
type Option func(*Auth)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Auth) { a.now = now }
}

// WithDefaultRole assigns role at global scope to every user created on
// first contact. Without it new users hold no role and are denied every
// permission until one is assigned.
func WithDefaultRole(role string) Option {
	return func(a *Auth) { a.defaultRole = role }
}

// WithClosedRegistration creates users and groups unregistered on first
// contact. Groups are then allowed by an admin, and users register
// themselves from an allowed group.
func WithClosedRegistration() Option {
	return func(a *Auth) { a.closed = true }
}

// New creates an Auth backed by db. The schema from Migrations must already
// be applied.
func New(db *database.DB, logger *slog.Logger, opts ...Option) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Auth{
		db:     db,
		r:      newRepos(db.Store),
		logger: logger.With("component", "auth"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Now returns the current time from the configured clock.
func (a *Auth) Now() time.Time { return a.now() }

// ---------- Upsert-or-fetch ----------

// EnsureUser returns the user with externalID, creating it on first contact.
func (a *Auth) EnsureUser(ctx context.Context, externalID string) (*User, error) {
	if externalID == "" {
		return nil, fmt.Errorf("ensure user: empty external id")
	}
	created, err := a.r.users.InsertRow(ctx, database.Row{
		"external_id":  externalID,
		"registered":   !a.closed,
		"error_notify": false,
		"created_at":   a.now(),
	}, database.ConflictIgnore)
	if err != nil {
		return nil, fmt.Errorf("ensure user %s: %w", externalID, err)
	}
	if created != nil {
		a.onUserCreated(ctx, created)
		return created, nil
	}

	u, err := a.r.users.Get(ctx, database.Condition{"external_id": externalID})
	if err != nil {
		return nil, fmt.Errorf("ensure user %s: %w", externalID, err)
	}
	if u == nil {
		return nil, fmt.Errorf("ensure user %s: row missing after insert", externalID)
	}
	return u, nil
}

func (a *Auth) onUserCreated(ctx context.Context, u *User) {
	a.logger.Debug("user created", "user_id", u.ID, "external_id", u.ExternalID)
	if a.defaultRole == "" {
		return
	}
	global, err := a.GlobalScope(ctx)
	if err == nil {
		err = a.Assign(ctx, u.ID, global.ID, a.defaultRole)
	}
	if err != nil {
		a.logger.Warn("default role not assigned", "user_id", u.ID, "role", a.defaultRole, "error", err)
	}
}

// EnsureGroup returns the group with externalID, creating it on first contact.
func (a *Auth) EnsureGroup(ctx context.Context, externalID string) (*Group, error) {
	if externalID == "" {
		return nil, fmt.Errorf("ensure group: empty external id")
	}
	g, err := a.r.groups.InsertOrGet(ctx, database.Row{
		"external_id": externalID,
		"registered":  !a.closed,
		"created_at":  a.now(),
	}, database.Condition{"external_id": externalID})
	if err != nil {
		return nil, fmt.Errorf("ensure group %s: %w", externalID, err)
	}
	return g, nil
}

// EnsureScope returns the scope (typ, extra), creating it if needed.
func (a *Auth) EnsureScope(ctx context.Context, typ ScopeType, extra int64) (*Scope, error) {
	if typ == ScopeGlobal {
		extra = 0
	}
	s, err := a.r.scopes.InsertOrGet(ctx, database.Row{
		"type":       string(typ),
		"extra":      extra,
		"created_at": a.now(),
	}, database.Condition{"type": string(typ), "extra": extra})
	if err != nil {
		return nil, fmt.Errorf("ensure scope %s/%d: %w", typ, extra, err)
	}
	return s, nil
}

// GlobalScope returns the single global scope.
func (a *Auth) GlobalScope(ctx context.Context) (*Scope, error) {
	return a.EnsureScope(ctx, ScopeGlobal, 0)
}

// Resolve maps an event identity onto stored rows. A group id selects the
// group scope, otherwise a user id selects the user's private scope, and an
// empty identity resolves to the global scope.
func (a *Auth) Resolve(ctx context.Context, id Identity) (*Principal, error) {
	p := &Principal{}
	var err error

	if id.UserID != "" {
		if p.User, err = a.EnsureUser(ctx, id.UserID); err != nil {
			return nil, err
		}
	}

	switch {
	case id.GroupID != "":
		if p.Group, err = a.EnsureGroup(ctx, id.GroupID); err != nil {
			return nil, err
		}
		p.Scope, err = a.EnsureScope(ctx, ScopeGroup, p.Group.ID)
	case p.User != nil:
		p.Scope, err = a.EnsureScope(ctx, ScopePrivate, p.User.ID)
	default:
		p.Scope, err = a.GlobalScope(ctx)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ---------- Lookups ----------

// User returns the user with row id, or nil.
func (a *Auth) User(ctx context.Context, id int64) (*User, error) {
	return a.r.users.Get(ctx, database.Condition{"id": id})
}

// UserByExternalID returns the user with the gateway id, or nil.
func (a *Auth) UserByExternalID(ctx context.Context, externalID string) (*User, error) {
	return a.r.users.Get(ctx, database.Condition{"external_id": externalID})
}

// Group returns the group with row id, or nil.
func (a *Auth) Group(ctx context.Context, id int64) (*Group, error) {
	return a.r.groups.Get(ctx, database.Condition{"id": id})
}

// Scope returns the scope with row id, or nil.
func (a *Auth) Scope(ctx context.Context, id int64) (*Scope, error) {
	return a.r.scopes.Get(ctx, database.Condition{"id": id})
}

// RoleOf returns the user's role in scope, "" when none.
func (a *Auth) RoleOf(ctx context.Context, userID, scopeID int64) (string, error) {
	usr, err := a.r.userRoles.Get(ctx, database.Condition{"user_id": userID, "scope_id": scopeID})
	if err != nil || usr == nil {
		return "", err
	}
	return usr.RoleID, nil
}

// Permissions returns the permissions granted to role.
func (a *Auth) Permissions(ctx context.Context, role string) ([]string, error) {
	grants, err := a.r.rolePerms.Select(ctx, database.Condition{"role_id": role},
		&database.QueryOptions{OrderBy: "permission_id"})
	if err != nil {
		return nil, err
	}
	perms := make([]string, len(grants))
	for i, g := range grants {
		perms[i] = g.PermissionID
	}
	return perms, nil
}

// ---------- Resolution ----------

type canOptions struct {
	global bool
}

// CanOption adjusts a permission check.
type CanOption func(*canOptions)

// WithoutGlobal disables the global-scope fallback.
func WithoutGlobal() CanOption {
	return func(o *canOptions) { o.global = false }
}

// Can reports whether the user holds permission in scope. It denies
// unregistered or banned users, missing scopes and invalid groups, then
// checks the role at the exact scope and, unless suppressed, the role at the
// global scope.
func (a *Auth) Can(ctx context.Context, userID, scopeID int64, permission string, opts ...CanOption) (bool, error) {
	o := canOptions{global: true}
	for _, opt := range opts {
		opt(&o)
	}
	now := a.now()

	user, err := a.User(ctx, userID)
	if err != nil {
		return false, err
	}
	if !user.Valid(now) {
		return false, nil
	}

	scope, err := a.Scope(ctx, scopeID)
	if err != nil {
		return false, err
	}
	if scope == nil {
		return false, nil
	}
	if scope.Type == ScopeGroup {
		group, err := a.Group(ctx, scope.Extra)
		if err != nil {
			return false, err
		}
		if !group.Valid(now) {
			return false, nil
		}
	}

	ok, err := a.roleGrants(ctx, userID, scope.ID, permission)
	if err != nil || ok {
		return ok, err
	}

	if o.global && scope.Type != ScopeGlobal {
		global, err := a.GlobalScope(ctx)
		if err != nil {
			return false, err
		}
		return a.roleGrants(ctx, userID, global.ID, permission)
	}
	return false, nil
}

func (a *Auth) roleGrants(ctx context.Context, userID, scopeID int64, permission string) (bool, error) {
	role, err := a.RoleOf(ctx, userID, scopeID)
	if err != nil || role == "" {
		return false, err
	}
	return a.r.rolePerms.Exists(ctx, database.Condition{"role_id": role, "permission_id": permission})
}

// ---------- Mutations ----------

// Assign gives the user role in scope, replacing any previous role there.
func (a *Auth) Assign(ctx context.Context, userID, scopeID int64, role string) error {
	known, err := a.db.Exists(ctx, tableRole, database.Condition{"id": role})
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("assign %q: %w", role, ErrUnknownRole)
	}
	_, err = a.r.userRoles.Upsert(ctx,
		database.Row{"user_id": userID, "scope_id": scopeID, "role_id": role},
		database.Condition{"user_id": userID, "scope_id": scopeID})
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	a.logger.Info("role assigned", "user_id", userID, "scope_id", scopeID, "role", role)
	return nil
}

// Revoke removes the user's role in scope. It reports whether a role was
// removed.
func (a *Auth) Revoke(ctx context.Context, userID, scopeID int64) (bool, error) {
	n, err := a.r.userRoles.Delete(ctx, database.Condition{"user_id": userID, "scope_id": scopeID})
	if err != nil {
		return false, fmt.Errorf("revoke role: %w", err)
	}
	if n > 0 {
		a.logger.Info("role revoked", "user_id", userID, "scope_id", scopeID)
	}
	return n > 0, nil
}

// HasAdmin reports whether any user holds the admin role at global scope.
func (a *Auth) HasAdmin(ctx context.Context) (bool, error) {
	global, err := a.GlobalScope(ctx)
	if err != nil {
		return false, err
	}
	return a.r.userRoles.Exists(ctx, database.Condition{"scope_id": global.ID, "role_id": RoleAdmin})
}

// ClaimAdmin makes the user a global admin if no global admin exists. The
// check and the write are a single statement, so of two racing claims only
// one succeeds. It reports whether the claim was granted.
func (a *Auth) ClaimAdmin(ctx context.Context, userID int64) (bool, error) {
	user, err := a.User(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, fmt.Errorf("claim admin: user %d: %w", userID, ErrNotFound)
	}
	global, err := a.GlobalScope(ctx)
	if err != nil {
		return false, err
	}

	res, err := a.db.Exec(ctx, `
		INSERT INTO auth_user_scope_role (user_id, scope_id, role_id)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM auth_user_scope_role WHERE scope_id = ? AND role_id = ?
		)
		ON CONFLICT (user_id, scope_id) DO UPDATE SET role_id = excluded.role_id`,
		userID, global.ID, RoleAdmin, global.ID, RoleAdmin)
	if err != nil {
		return false, fmt.Errorf("claim admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim admin: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	a.logger.Warn("global admin claimed", "user_id", userID, "external_id", user.ExternalID)
	if !user.Registered {
		if err := a.SetRegistered(ctx, userID, true); err != nil {
			return true, err
		}
	}
	return true, nil
}

// HoldsAnywhere reports whether the user holds a role granting permission
// in any scope.
func (a *Auth) HoldsAnywhere(ctx context.Context, userID int64, permission string) (bool, error) {
	grants, err := a.r.rolePerms.Select(ctx, database.Condition{"permission_id": permission}, nil)
	if err != nil || len(grants) == 0 {
		return false, err
	}
	roles := make([]string, len(grants))
	for i, g := range grants {
		roles[i] = g.RoleID
	}
	return a.r.userRoles.Exists(ctx, database.Condition{"user_id": userID, "role_id": database.In(roles)})
}

// Ban blocks the user until the given time.
func (a *Auth) Ban(ctx context.Context, userID int64, until time.Time) error {
	return a.updateUser(ctx, userID, database.Row{"banned_until": until})
}

// Unban lifts any ban on the user.
func (a *Auth) Unban(ctx context.Context, userID int64) error {
	return a.updateUser(ctx, userID, database.Row{"banned_until": time.Time{}})
}

// SetRegistered marks the user as registered or deactivated.
func (a *Auth) SetRegistered(ctx context.Context, userID int64, registered bool) error {
	return a.updateUser(ctx, userID, database.Row{"registered": registered})
}

// SetErrorNotify controls whether the user receives handler fault reports.
func (a *Auth) SetErrorNotify(ctx context.Context, userID int64, enabled bool) error {
	return a.updateUser(ctx, userID, database.Row{"error_notify": enabled})
}

func (a *Auth) updateUser(ctx context.Context, userID int64, data database.Row) error {
	updated, err := a.r.users.Update(ctx, data, database.Condition{"id": userID})
	if err != nil {
		return fmt.Errorf("update user %d: %w", userID, err)
	}
	if len(updated) == 0 {
		return fmt.Errorf("update user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// BanGroup blocks the group until the given time.
func (a *Auth) BanGroup(ctx context.Context, groupID int64, until time.Time) error {
	return a.updateGroup(ctx, groupID, database.Row{"banned_until": until})
}

// SetGroupRegistered marks the group as registered or deactivated.
func (a *Auth) SetGroupRegistered(ctx context.Context, groupID int64, registered bool) error {
	return a.updateGroup(ctx, groupID, database.Row{"registered": registered})
}

func (a *Auth) updateGroup(ctx context.Context, groupID int64, data database.Row) error {
	updated, err := a.r.groups.Update(ctx, data, database.Condition{"id": groupID})
	if err != nil {
		return fmt.Errorf("update group %d: %w", groupID, err)
	}
	if len(updated) == 0 {
		return fmt.Errorf("update group %d: %w", groupID, ErrNotFound)
	}
	return nil
}

// Grant adds permission to role at runtime.
func (a *Auth) Grant(ctx context.Context, role, permission string) error {
	return a.db.Tx(ctx, func(s *database.Store) error {
		known, err := s.Exists(ctx, tableRole, database.Condition{"id": role})
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("grant %s: %w", role, ErrUnknownRole)
		}
		if _, err := s.Insert(ctx, tablePermission, database.Row{"id": permission}, database.ConflictIgnore); err != nil {
			return err
		}
		_, err = s.Insert(ctx, tableRolePermission,
			database.Row{"role_id": role, "permission_id": permission}, database.ConflictIgnore)
		return err
	})
}

// Ungrant removes permission from role.
func (a *Auth) Ungrant(ctx context.Context, role, permission string) (bool, error) {
	n, err := a.r.rolePerms.Delete(ctx, database.Condition{"role_id": role, "permission_id": permission})
	return n > 0, err
}

// ErrorNotifyUsers returns the users who should hear about handler faults in
// scope: holders of a role with the moderate permission in scope or in the
// global scope who opted into error notifications.
func (a *Auth) ErrorNotifyUsers(ctx context.Context, scopeID int64) ([]User, error) {
	grants, err := a.r.rolePerms.Select(ctx, database.Condition{"permission_id": PermModerate}, nil)
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, nil
	}
	roles := make([]string, len(grants))
	for i, g := range grants {
		roles[i] = g.RoleID
	}

	global, err := a.GlobalScope(ctx)
	if err != nil {
		return nil, err
	}
	holders, err := a.r.userRoles.Select(ctx, database.Condition{
		"scope_id": database.In([]int64{scopeID, global.ID}),
		"role_id":  database.In(roles),
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(holders))
	for i, h := range holders {
		ids[i] = h.UserID
	}
	return a.r.users.Select(ctx, database.Condition{
		"id":           database.In(ids),
		"error_notify": true,
	}, &database.QueryOptions{OrderBy: "id"})
}
