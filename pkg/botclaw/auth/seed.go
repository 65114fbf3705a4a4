package auth

import (
	"context"
	"fmt"
	"sort"

	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

// Catalog is the fixed set of roles and the permissions each one grants.
type Catalog map[string][]string

// DefaultCatalog returns the built-in role matrix.
func DefaultCatalog() Catalog {
	return Catalog{
		RoleAdmin:     {PermRoot, PermModerate, PermFetch, PermChat, PermUserCommand},
		RoleModerator: {PermModerate, PermFetch, PermChat, PermUserCommand},
		RoleTrusted:   {PermFetch, PermChat},
		RoleUser:      {PermChat},
	}
}

// Roles returns the catalog's role names in sorted order.
func (c Catalog) Roles() []string {
	roles := make([]string, 0, len(c))
	for r := range c {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Permissions returns every permission mentioned in the catalog, sorted.
func (c Catalog) Permissions() []string {
	seen := make(map[string]bool)
	var perms []string
	for _, ps := range c {
		for _, p := range ps {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	sort.Strings(perms)
	return perms
}

// Seed idempotently stores the catalog and the global scope. Existing rows,
// including grants added at runtime, are never modified or removed.
func (a *Auth) Seed(ctx context.Context, catalog Catalog) error {
	if catalog == nil {
		catalog = DefaultCatalog()
	}

	err := a.db.Tx(ctx, func(s *database.Store) error {
		for _, role := range catalog.Roles() {
			if _, err := s.Insert(ctx, tableRole, database.Row{"id": role}, database.ConflictIgnore); err != nil {
				return fmt.Errorf("seed role %s: %w", role, err)
			}
		}
		for _, perm := range catalog.Permissions() {
			if _, err := s.Insert(ctx, tablePermission, database.Row{"id": perm}, database.ConflictIgnore); err != nil {
				return fmt.Errorf("seed permission %s: %w", perm, err)
			}
		}
		for _, role := range catalog.Roles() {
			for _, perm := range catalog[role] {
				row := database.Row{"role_id": role, "permission_id": perm}
				if _, err := s.Insert(ctx, tableRolePermission, row, database.ConflictIgnore); err != nil {
					return fmt.Errorf("seed grant %s/%s: %w", role, perm, err)
				}
			}
		}
		_, err := newRepos(s).scopes.InsertRow(ctx, database.Row{
			"type":       string(ScopeGlobal),
			"extra":      int64(0),
			"created_at": a.now(),
		}, database.ConflictIgnore)
		return err
	})
	if err != nil {
		return err
	}

	a.logger.Info("authorization catalog seeded",
		"roles", len(catalog), "permissions", len(catalog.Permissions()))
	return nil
}
