package auth

import (
	"fmt"

	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

// Migrations returns the auth schema.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version: 1,
			Name:    "auth",
			Statements: []string{
				`CREATE TABLE auth_user (
					id           INTEGER PRIMARY KEY AUTOINCREMENT,
					external_id  TEXT NOT NULL,
					registered   INTEGER NOT NULL DEFAULT 1,
					banned_until TEXT NOT NULL DEFAULT '',
					error_notify INTEGER NOT NULL DEFAULT 0,
					created_at   TEXT NOT NULL
				)`,
				`CREATE UNIQUE INDEX idx_auth_user_external ON auth_user(external_id)`,
				`CREATE TABLE auth_group (
					id           INTEGER PRIMARY KEY AUTOINCREMENT,
					external_id  TEXT NOT NULL,
					registered   INTEGER NOT NULL DEFAULT 1,
					banned_until TEXT NOT NULL DEFAULT '',
					created_at   TEXT NOT NULL
				)`,
				`CREATE UNIQUE INDEX idx_auth_group_external ON auth_group(external_id)`,
				`CREATE TABLE auth_scope (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					type       TEXT NOT NULL CHECK (type IN ('global', 'private', 'group')),
					extra      TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL,
					UNIQUE (type, extra)
				)`,
				`CREATE TABLE auth_role (id TEXT PRIMARY KEY)`,
				`CREATE TABLE auth_permission (id TEXT PRIMARY KEY)`,
				`CREATE TABLE auth_role_permission (
					role_id       TEXT NOT NULL REFERENCES auth_role(id) ON DELETE CASCADE,
					permission_id TEXT NOT NULL REFERENCES auth_permission(id) ON DELETE CASCADE,
					PRIMARY KEY (role_id, permission_id)
				)`,
				`CREATE TABLE auth_user_scope_role (
					user_id  INTEGER NOT NULL REFERENCES auth_user(id) ON DELETE CASCADE,
					scope_id INTEGER NOT NULL REFERENCES auth_scope(id) ON DELETE CASCADE,
					role_id  TEXT NOT NULL REFERENCES auth_role(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, scope_id)
				)`,
				`CREATE INDEX idx_auth_usr_scope ON auth_user_scope_role(scope_id, role_id)`,
			},
		},
	}
}

// Table names.
const (
	tableUser           = "auth_user"
	tableGroup          = "auth_group"
	tableScope          = "auth_scope"
	tableRole           = "auth_role"
	tablePermission     = "auth_permission"
	tableRolePermission = "auth_role_permission"
	tableUserScopeRole  = "auth_user_scope_role"
)

var userSchema = database.Schema[User]{
	Table: tableUser,
	Fields: map[string]database.Transform{
		"registered":   database.Bool,
		"error_notify": database.Bool,
		"banned_until": database.TimeOr(""),
		"created_at":   database.Time,
	},
	ToRow: func(u User) database.Row {
		return database.Row{
			"external_id":  u.ExternalID,
			"registered":   u.Registered,
			"banned_until": u.BannedUntil,
			"error_notify": u.ErrorNotify,
			"created_at":   u.CreatedAt,
		}
	},
	FromRow: func(r database.Row) (User, error) {
		return User{
			ID:          r.Int64("id"),
			ExternalID:  r.String("external_id"),
			Registered:  r.Bool("registered"),
			BannedUntil: r.Time("banned_until"),
			ErrorNotify: r.Bool("error_notify"),
			CreatedAt:   r.Time("created_at"),
		}, nil
	},
}

var groupSchema = database.Schema[Group]{
	Table: tableGroup,
	Fields: map[string]database.Transform{
		"registered":   database.Bool,
		"banned_until": database.TimeOr(""),
		"created_at":   database.Time,
	},
	ToRow: func(g Group) database.Row {
		return database.Row{
			"external_id":  g.ExternalID,
			"registered":   g.Registered,
			"banned_until": g.BannedUntil,
			"created_at":   g.CreatedAt,
		}
	},
	FromRow: func(r database.Row) (Group, error) {
		return Group{
			ID:          r.Int64("id"),
			ExternalID:  r.String("external_id"),
			Registered:  r.Bool("registered"),
			BannedUntil: r.Time("banned_until"),
			CreatedAt:   r.Time("created_at"),
		}, nil
	},
}

var scopeSchema = database.Schema[Scope]{
	Table: tableScope,
	Fields: map[string]database.Transform{
		"extra":      database.IDOr(""),
		"created_at": database.Time,
	},
	ToRow: func(s Scope) database.Row {
		return database.Row{
			"type":       string(s.Type),
			"extra":      s.Extra,
			"created_at": s.CreatedAt,
		}
	},
	FromRow: func(r database.Row) (Scope, error) {
		t := ScopeType(r.String("type"))
		switch t {
		case ScopeGlobal, ScopePrivate, ScopeGroup:
		default:
			return Scope{}, fmt.Errorf("invalid scope type %q", t)
		}
		return Scope{
			ID:        r.Int64("id"),
			Type:      t,
			Extra:     r.Int64("extra"),
			CreatedAt: r.Time("created_at"),
		}, nil
	},
}

var userScopeRoleSchema = database.Schema[UserScopeRole]{
	Table: tableUserScopeRole,
	ToRow: func(v UserScopeRole) database.Row {
		return database.Row{"user_id": v.UserID, "scope_id": v.ScopeID, "role_id": v.RoleID}
	},
	FromRow: func(r database.Row) (UserScopeRole, error) {
		return UserScopeRole{
			UserID:  r.Int64("user_id"),
			ScopeID: r.Int64("scope_id"),
			RoleID:  r.String("role_id"),
		}, nil
	},
}

var rolePermissionSchema = database.Schema[RolePermission]{
	Table: tableRolePermission,
	ToRow: func(v RolePermission) database.Row {
		return database.Row{"role_id": v.RoleID, "permission_id": v.PermissionID}
	},
	FromRow: func(r database.Row) (RolePermission, error) {
		return RolePermission{RoleID: r.String("role_id"), PermissionID: r.String("permission_id")}, nil
	},
}

// repos groups the typed repositories used by Auth.
type repos struct {
	users     *database.Repository[User]
	groups    *database.Repository[Group]
	scopes    *database.Repository[Scope]
	userRoles *database.Repository[UserScopeRole]
	rolePerms *database.Repository[RolePermission]
}

func newRepos(s *database.Store) repos {
	return repos{
		users:     database.NewRepository(s, userSchema),
		groups:    database.NewRepository(s, groupSchema),
		scopes:    database.NewRepository(s, scopeSchema),
		userRoles: database.NewRepository(s, userScopeRoleSchema),
		rolePerms: database.NewRepository(s, rolePermissionSchema),
	}
}
