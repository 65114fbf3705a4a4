package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/database"
	"gopkg.in/yaml.v3"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "auth.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if _, err := database.NewMigrator(db, nil).Migrate(ctx, Migrations()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	a := New(db, nil)
	if err := a.Seed(ctx, nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return a
}

func mustUser(t *testing.T, a *Auth, ext string) *User {
	t.Helper()
	u, err := a.EnsureUser(context.Background(), ext)
	if err != nil {
		t.Fatalf("EnsureUser(%s): %v", ext, err)
	}
	return u
}

func mustCan(t *testing.T, a *Auth, userID, scopeID int64, perm string, opts ...CanOption) bool {
	t.Helper()
	ok, err := a.Can(context.Background(), userID, scopeID, perm, opts...)
	if err != nil {
		t.Fatalf("Can(%s): %v", perm, err)
	}
	return ok
}

func TestEnsure_IsIdempotent(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	u1 := mustUser(t, a, "1001")
	u2 := mustUser(t, a, "1001")
	if u1.ID != u2.ID {
		t.Errorf("EnsureUser created two rows: %d, %d", u1.ID, u2.ID)
	}
	if !u1.Registered || u1.ErrorNotify || !u1.BannedUntil.IsZero() {
		t.Errorf("unexpected defaults %+v", u1)
	}

	g1, _ := a.EnsureGroup(ctx, "g1")
	g2, _ := a.EnsureGroup(ctx, "g1")
	if g1.ID != g2.ID {
		t.Errorf("EnsureGroup created two rows")
	}

	s1, _ := a.EnsureScope(ctx, ScopeGroup, g1.ID)
	s2, _ := a.EnsureScope(ctx, ScopeGroup, g1.ID)
	if s1.ID != s2.ID || s1.Extra != g1.ID {
		t.Errorf("EnsureScope mismatch: %+v %+v", s1, s2)
	}
}

func TestEnsureUser_Concurrent(t *testing.T) {
	a := newTestAuth(t)

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := a.EnsureUser(context.Background(), "racer")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = u.ID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("goroutine %d got id %d, want %d", i, ids[i], ids[0])
		}
	}
}

func TestResolve(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	t.Run("group event", func(t *testing.T) {
		p, err := a.Resolve(ctx, Identity{UserID: "u1", GroupID: "g1"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if p.Scope.Type != ScopeGroup || p.Scope.Extra != p.Group.ID {
			t.Errorf("expected group scope for group %d, got %+v", p.Group.ID, p.Scope)
		}
	})

	t.Run("private event", func(t *testing.T) {
		p, err := a.Resolve(ctx, Identity{UserID: "u1"})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if p.Scope.Type != ScopePrivate || p.Scope.Extra != p.User.ID || p.Group != nil {
			t.Errorf("expected private scope, got %+v", p.Scope)
		}
	})

	t.Run("anonymous event", func(t *testing.T) {
		p, err := a.Resolve(ctx, Identity{})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if p.Scope.Type != ScopeGlobal || p.User != nil {
			t.Errorf("expected global scope, got %+v", p.Scope)
		}
	})
}

func TestCan_NoRoleDeniesEverything(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	p, _ := a.Resolve(ctx, Identity{UserID: "nobody", GroupID: "g"})

	for _, perm := range DefaultCatalog().Permissions() {
		if mustCan(t, a, p.User.ID, p.Scope.ID, perm) {
			t.Errorf("user without roles granted %q", perm)
		}
	}
}

func TestCan_AssignUserRole(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	p, _ := a.Resolve(ctx, Identity{UserID: "u", GroupID: "g"})

	if err := a.Assign(ctx, p.User.ID, p.Scope.ID, RoleUser); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
		t.Error("user role should grant chat")
	}
	if mustCan(t, a, p.User.ID, p.Scope.ID, PermRoot) {
		t.Error("user role should not grant root")
	}

	t.Run("assign replaces", func(t *testing.T) {
		if err := a.Assign(ctx, p.User.ID, p.Scope.ID, RoleTrusted); err != nil {
			t.Fatalf("Assign: %v", err)
		}
		role, _ := a.RoleOf(ctx, p.User.ID, p.Scope.ID)
		if role != RoleTrusted {
			t.Errorf("role = %q, want trusted", role)
		}
		n, _ := a.r.userRoles.Count(ctx, database.Condition{"user_id": p.User.ID})
		if n != 1 {
			t.Errorf("rows = %d, want 1", n)
		}
	})

	t.Run("revoke", func(t *testing.T) {
		removed, err := a.Revoke(ctx, p.User.ID, p.Scope.ID)
		if err != nil || !removed {
			t.Fatalf("Revoke = %v, %v", removed, err)
		}
		if mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
			t.Error("revoked user should be denied")
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		err := a.Assign(ctx, p.User.ID, p.Scope.ID, "wizard")
		if !errors.Is(err, ErrUnknownRole) {
			t.Errorf("err = %v, want ErrUnknownRole", err)
		}
	})
}

func TestCan_GlobalFallback(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	global, _ := a.GlobalScope(ctx)
	p, _ := a.Resolve(ctx, Identity{UserID: "mod", GroupID: "g"})
	other, _ := a.Resolve(ctx, Identity{UserID: "mod", GroupID: "other"})

	if err := a.Assign(ctx, p.User.ID, global.ID, RoleModerator); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for _, scope := range []*Scope{p.Scope, other.Scope, global} {
		if !mustCan(t, a, p.User.ID, scope.ID, PermModerate) {
			t.Errorf("global moderator denied moderate in scope %d", scope.ID)
		}
	}
	if mustCan(t, a, p.User.ID, p.Scope.ID, PermModerate, WithoutGlobal()) {
		t.Error("WithoutGlobal should ignore the global role")
	}

	t.Run("exact scope role does not shadow global grant", func(t *testing.T) {
		if err := a.Assign(ctx, p.User.ID, p.Scope.ID, RoleUser); err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if !mustCan(t, a, p.User.ID, p.Scope.ID, PermModerate) {
			t.Error("global moderator grant should still apply")
		}
	})
}

func TestCan_InvalidUserAndGroup(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAuth(t)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	p, _ := a.Resolve(ctx, Identity{UserID: "u", GroupID: "g"})
	if err := a.Assign(ctx, p.User.ID, p.Scope.ID, RoleUser); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	t.Run("banned user", func(t *testing.T) {
		if err := a.Ban(ctx, p.User.ID, now.Add(time.Hour)); err != nil {
			t.Fatalf("Ban: %v", err)
		}
		if mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
			t.Error("banned user allowed")
		}
		now = now.Add(2 * time.Hour)
		if !mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
			t.Error("expired ban should allow")
		}
	})

	t.Run("unregistered user", func(t *testing.T) {
		_ = a.SetRegistered(ctx, p.User.ID, false)
		if mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
			t.Error("unregistered user allowed")
		}
		_ = a.SetRegistered(ctx, p.User.ID, true)
	})

	t.Run("banned group", func(t *testing.T) {
		if err := a.BanGroup(ctx, p.Group.ID, now.Add(time.Hour)); err != nil {
			t.Fatalf("BanGroup: %v", err)
		}
		if mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
			t.Error("user in banned group allowed")
		}
	})

	t.Run("deregistered group", func(t *testing.T) {
		now = now.Add(2 * time.Hour)
		if !mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
			t.Fatal("expired group ban should allow")
		}
		if err := a.SetGroupRegistered(ctx, p.Group.ID, false); err != nil {
			t.Fatalf("SetGroupRegistered: %v", err)
		}
		if mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
			t.Error("user in deregistered group allowed")
		}
		priv, _ := a.Resolve(ctx, Identity{UserID: "u"})
		if err := a.Assign(ctx, p.User.ID, priv.Scope.ID, RoleUser); err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if !mustCan(t, a, p.User.ID, priv.Scope.ID, PermChat) {
			t.Error("deregistered group should not affect the private scope")
		}
		if err := a.SetGroupRegistered(ctx, p.Group.ID, true); err != nil {
			t.Fatalf("SetGroupRegistered: %v", err)
		}
		if !mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
			t.Error("re-registered group should allow")
		}
		if err := a.SetGroupRegistered(ctx, 99999, true); !errors.Is(err, ErrNotFound) {
			t.Errorf("SetGroupRegistered(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("missing scope", func(t *testing.T) {
		if mustCan(t, a, p.User.ID, 99999, PermChat) {
			t.Error("missing scope allowed")
		}
	})
}

func TestClaimAdmin(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	first := mustUser(t, a, "first")
	second := mustUser(t, a, "second")
	global, _ := a.GlobalScope(ctx)

	// An existing non-admin global role must not block the claim.
	if err := a.Assign(ctx, first.ID, global.ID, RoleUser); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if has, err := a.HasAdmin(ctx); err != nil || has {
		t.Fatalf("HasAdmin before claim = %v, %v", has, err)
	}
	ok, err := a.ClaimAdmin(ctx, first.ID)
	if err != nil || !ok {
		t.Fatalf("first ClaimAdmin = %v, %v", ok, err)
	}
	if has, err := a.HasAdmin(ctx); err != nil || !has {
		t.Errorf("HasAdmin after claim = %v, %v", has, err)
	}
	ok, err = a.ClaimAdmin(ctx, second.ID)
	if err != nil {
		t.Fatalf("second ClaimAdmin: %v", err)
	}
	if ok {
		t.Error("second claim should lose")
	}
	if !mustCan(t, a, first.ID, global.ID, PermRoot) {
		t.Error("claimed admin should hold root")
	}
}

func TestSeed_KeepsRuntimeGrants(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	if err := a.Grant(ctx, RoleUser, "dance"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := a.Seed(ctx, nil); err != nil {
		t.Fatalf("re-Seed: %v", err)
	}
	perms, err := a.Permissions(ctx, RoleUser)
	if err != nil {
		t.Fatalf("Permissions: %v", err)
	}
	want := map[string]bool{PermChat: true, "dance": true}
	if len(perms) != len(want) {
		t.Fatalf("perms = %v, want chat + dance", perms)
	}
	for _, p := range perms {
		if !want[p] {
			t.Errorf("unexpected permission %q", p)
		}
	}

	n, _ := a.r.scopes.Count(ctx, database.Condition{"type": string(ScopeGlobal)})
	if n != 1 {
		t.Errorf("global scopes = %d, want 1", n)
	}
}

func TestErrorNotifyUsers(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	global, _ := a.GlobalScope(ctx)
	p, _ := a.Resolve(ctx, Identity{UserID: "member", GroupID: "g"})

	local := mustUser(t, a, "local-mod")
	globalMod := mustUser(t, a, "global-mod")
	quiet := mustUser(t, a, "quiet-mod")

	_ = a.Assign(ctx, local.ID, p.Scope.ID, RoleModerator)
	_ = a.Assign(ctx, globalMod.ID, global.ID, RoleAdmin)
	_ = a.Assign(ctx, quiet.ID, p.Scope.ID, RoleModerator)
	_ = a.Assign(ctx, p.User.ID, p.Scope.ID, RoleUser)
	_ = a.SetErrorNotify(ctx, local.ID, true)
	_ = a.SetErrorNotify(ctx, globalMod.ID, true)
	_ = a.SetErrorNotify(ctx, p.User.ID, true)

	users, err := a.ErrorNotifyUsers(ctx, p.Scope.ID)
	if err != nil {
		t.Fatalf("ErrorNotifyUsers: %v", err)
	}
	if len(users) != 2 || users[0].ID != local.ID || users[1].ID != globalMod.ID {
		t.Errorf("got %+v, want local-mod and global-mod", users)
	}
}

func TestCanSpec(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	p, _ := a.Resolve(ctx, Identity{UserID: "u", GroupID: "g"})
	_ = a.Assign(ctx, p.User.ID, p.Scope.ID, RoleTrusted)

	tests := []struct {
		name string
		spec PermissionSpec
		want bool
	}{
		{"empty defaults to chat", PermissionSpec{}, true},
		{"single", Require(PermFetch), true},
		{"and all held", AllOf(PermChat, PermFetch), true},
		{"and one missing", AllOf(PermChat, PermRoot), false},
		{"or one held", AnyOf(PermRoot, PermFetch), true},
		{"or none held", AnyOf(PermRoot, PermModerate), false},
		{"any", Anyone(), true},
		{"unknown operator", PermissionSpec{Op: "xor", Perms: []string{PermChat}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.CanSpec(ctx, p.User.ID, p.Scope.ID, tt.spec)
			if err != nil {
				t.Fatalf("CanSpec: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanSpec(%v) = %v, want %v", tt.spec, got, tt.want)
			}
		})
	}
}

func TestPermissionSpec_YAML(t *testing.T) {
	t.Parallel()

	var doc struct {
		A PermissionSpec `yaml:"a"`
		B PermissionSpec `yaml:"b"`
		C PermissionSpec `yaml:"c"`
	}
	src := "a: moderate\nb: [or, root, fetch]\nc: any\n"
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.A.String() != "moderate" {
		t.Errorf("a = %s", doc.A)
	}
	if doc.B.Op != SpecOr || len(doc.B.Perms) != 2 {
		t.Errorf("b = %+v", doc.B)
	}
	if doc.C.Op != SpecAny {
		t.Errorf("c = %+v", doc.C)
	}
	if err := doc.B.Validate(DefaultCatalog().Permissions()); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := Require("teleport").Validate(DefaultCatalog().Permissions()); err == nil {
		t.Error("expected unknown permission error")
	}
}

func TestCapability_Tiers(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	p, _ := a.Resolve(ctx, Identity{UserID: "caller", GroupID: "g"})
	target := mustUser(t, a, "target")

	t.Run("no role", func(t *testing.T) {
		c, err := a.CapabilityFor(ctx, p)
		if err != nil {
			t.Fatalf("CapabilityFor: %v", err)
		}
		if c.Tier() != TierNone {
			t.Errorf("tier = %s, want none", c.Tier())
		}
		if _, err := c.RoleOf(ctx, target.ID); !errors.Is(err, ErrForbidden) {
			t.Errorf("RoleOf err = %v, want ErrForbidden", err)
		}
	})

	t.Run("moderator", func(t *testing.T) {
		_ = a.Assign(ctx, p.User.ID, p.Scope.ID, RoleModerator)
		c, err := a.CapabilityFor(ctx, p)
		if err != nil {
			t.Fatalf("CapabilityFor: %v", err)
		}
		if c.Tier() != TierModerator {
			t.Fatalf("tier = %s, want moderator", c.Tier())
		}
		if err := c.Assign(ctx, target.ID, RoleTrusted); err != nil {
			t.Errorf("Assign trusted: %v", err)
		}
		if err := c.Assign(ctx, target.ID, RoleModerator); !errors.Is(err, ErrForbidden) {
			t.Errorf("Assign moderator err = %v, want ErrForbidden", err)
		}
		if err := c.Grant(ctx, RoleUser, PermFetch); !errors.Is(err, ErrForbidden) {
			t.Errorf("Grant err = %v, want ErrForbidden", err)
		}
	})

	t.Run("admin", func(t *testing.T) {
		_ = a.Assign(ctx, p.User.ID, p.Scope.ID, RoleAdmin)
		c, _ := a.CapabilityFor(ctx, p)
		if c.Tier() != TierAdmin {
			t.Fatalf("tier = %s, want admin", c.Tier())
		}
		if err := c.Assign(ctx, target.ID, RoleModerator); err != nil {
			t.Errorf("Assign moderator: %v", err)
		}
	})
}

func TestCapability_UserWideGuard(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	mod, _ := a.Resolve(ctx, Identity{UserID: "mod", GroupID: "g1"})
	_ = a.Assign(ctx, mod.User.ID, mod.Scope.ID, RoleModerator)
	c, err := a.CapabilityFor(ctx, mod)
	if err != nil || c.Tier() != TierModerator {
		t.Fatalf("CapabilityFor = %s, %v", c.Tier(), err)
	}

	plain := mustUser(t, a, "plain")
	otherMod, _ := a.Resolve(ctx, Identity{UserID: "othermod", GroupID: "g2"})
	_ = a.Assign(ctx, otherMod.User.ID, otherMod.Scope.ID, RoleModerator)
	admin := mustUser(t, a, "admin")
	if ok, err := a.ClaimAdmin(ctx, admin.ID); err != nil || !ok {
		t.Fatalf("ClaimAdmin = %v, %v", ok, err)
	}

	tests := []struct {
		name      string
		target    int64
		forbidden bool
	}{
		{"plain user", plain.ID, false},
		{"moderator of another group", otherMod.User.ID, true},
		{"global admin", admin.ID, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Ban(ctx, tt.target, until); errors.Is(err, ErrForbidden) != tt.forbidden {
				t.Errorf("Ban err = %v, forbidden %v", err, tt.forbidden)
			}
			if err := a.Ban(ctx, tt.target, until); err != nil {
				t.Fatalf("Ban: %v", err)
			}
			if err := c.Unban(ctx, tt.target); errors.Is(err, ErrForbidden) != tt.forbidden {
				t.Errorf("Unban err = %v, forbidden %v", err, tt.forbidden)
			}
			u, _ := a.User(ctx, tt.target)
			if banned := u.BannedUntil.After(time.Now()); banned != tt.forbidden {
				t.Errorf("still banned = %v, want %v", banned, tt.forbidden)
			}
			_ = a.Unban(ctx, tt.target)
		})
	}

	adminCap, _ := a.CapabilityFor(ctx, &Principal{User: admin, Scope: mod.Scope})
	if err := adminCap.Ban(ctx, otherMod.User.ID, until); err != nil {
		t.Errorf("admin Ban moderator: %v", err)
	}
	if err := c.Unban(ctx, otherMod.User.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("moderator Unban of admin-banned moderator = %v, want ErrForbidden", err)
	}
	if err := adminCap.Unban(ctx, otherMod.User.ID); err != nil {
		t.Errorf("admin Unban: %v", err)
	}
}

func TestCapability_Registration(t *testing.T) {
	base := newTestAuth(t)
	a := New(base.db, nil, WithDefaultRole(RoleUser), WithClosedRegistration())
	ctx := context.Background()

	p, err := a.Resolve(ctx, Identity{UserID: "newbie", GroupID: "lobby"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.User.Registered || p.Group.Registered {
		t.Fatalf("closed registration created registered rows: user %v group %v", p.User.Registered, p.Group.Registered)
	}
	c, _ := a.CapabilityFor(ctx, p)
	if c.Tier() != TierNone {
		t.Fatalf("tier = %s, want none", c.Tier())
	}
	if _, err := c.Register(ctx); !errors.Is(err, ErrForbidden) {
		t.Errorf("Register in a closed group = %v, want ErrForbidden", err)
	}
	if _, err := c.SetGroupRegistered(ctx, "lobby", true); !errors.Is(err, ErrForbidden) {
		t.Errorf("SetGroupRegistered by none tier = %v, want ErrForbidden", err)
	}

	boss, _ := a.Resolve(ctx, Identity{UserID: "boss"})
	if ok, err := a.ClaimAdmin(ctx, boss.User.ID); err != nil || !ok {
		t.Fatalf("ClaimAdmin = %v, %v", ok, err)
	}
	if u, _ := a.User(ctx, boss.User.ID); !u.Registered {
		t.Error("claiming admin should register the claimant")
	}
	bossCap, _ := a.CapabilityFor(ctx, boss)
	if bossCap.Tier() != TierAdmin {
		t.Fatalf("boss tier = %s, want admin", bossCap.Tier())
	}
	g, err := bossCap.SetGroupRegistered(ctx, "lobby", true)
	if err != nil || !g.Registered {
		t.Fatalf("SetGroupRegistered = %+v, %v", g, err)
	}

	ok, err := c.Register(ctx)
	if err != nil || !ok {
		t.Fatalf("Register = %v, %v", ok, err)
	}
	if ok, _ := c.Register(ctx); ok {
		t.Error("second Register should report already registered")
	}
	if !mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
		t.Error("registered user in allowed group should chat")
	}

	if err := bossCap.SetRegistered(ctx, p.User.ID, false); err != nil {
		t.Fatalf("SetRegistered: %v", err)
	}
	if mustCan(t, a, p.User.ID, p.Scope.ID, PermChat) {
		t.Error("denied user should not chat")
	}

	priv, _ := a.Resolve(ctx, Identity{UserID: "newbie"})
	privCap, _ := a.CapabilityFor(ctx, priv)
	if _, err := privCap.Register(ctx); !errors.Is(err, ErrForbidden) {
		t.Errorf("Register outside a group = %v, want ErrForbidden", err)
	}
}

func TestWithDefaultRole_OnlyOnCreation(t *testing.T) {
	base := newTestAuth(t)
	a := New(base.db, nil, WithDefaultRole(RoleUser))
	ctx := context.Background()

	global, err := a.GlobalScope(ctx)
	if err != nil {
		t.Fatalf("GlobalScope: %v", err)
	}
	u := mustUser(t, a, "newcomer")
	if !mustCan(t, a, u.ID, global.ID, PermChat) {
		t.Fatal("default role should grant chat")
	}
	if mustCan(t, a, u.ID, global.ID, PermModerate) {
		t.Error("default role should not grant moderate")
	}

	if _, err := a.Revoke(ctx, u.ID, global.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	mustUser(t, a, "newcomer")
	if role, _ := a.RoleOf(ctx, u.ID, global.ID); role != "" {
		t.Errorf("existing user got role %q again", role)
	}
}
