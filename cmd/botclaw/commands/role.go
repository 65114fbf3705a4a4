package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
)

// newRoleCmd creates `botclaw role`, operator access to role assignments
// that bypasses chat permissions.
func newRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage role assignments",
		Long: `Assign and revoke roles from the command line. Without --group or
--private the global scope is used.

Examples:
  botclaw role assign 1234 admin
  botclaw role assign 1234 moderator --group 5678
  botclaw role revoke 1234 --group 5678
  botclaw role show 1234
  botclaw role list`,
	}
	cmd.PersistentFlags().String("group", "", "use the scope of this group")
	cmd.PersistentFlags().Bool("private", false, "use the user's private scope")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "assign <user> <role>",
			Short: "Assign a role",
			Args:  cobra.ExactArgs(2),
			RunE: withAuth(func(ctx context.Context, cmd *cobra.Command, a *auth.Auth, args []string) error {
				user, scope, err := roleTarget(ctx, cmd, a, args[0])
				if err != nil {
					return err
				}
				if err := a.Assign(ctx, user.ID, scope.ID, args[1]); err != nil {
					return err
				}
				fmt.Printf("%s is now %s in %s\n", args[0], args[1], scopeLabel(scope))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "revoke <user>",
			Short: "Revoke the role held in a scope",
			Args:  cobra.ExactArgs(1),
			RunE: withAuth(func(ctx context.Context, cmd *cobra.Command, a *auth.Auth, args []string) error {
				user, scope, err := roleTarget(ctx, cmd, a, args[0])
				if err != nil {
					return err
				}
				removed, err := a.Revoke(ctx, user.ID, scope.ID)
				if err != nil {
					return err
				}
				if !removed {
					fmt.Printf("%s has no role in %s\n", args[0], scopeLabel(scope))
					return nil
				}
				fmt.Printf("role of %s revoked in %s\n", args[0], scopeLabel(scope))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "show <user>",
			Short: "Show a user's role in a scope and the permissions it grants",
			Args:  cobra.ExactArgs(1),
			RunE: withAuth(func(ctx context.Context, cmd *cobra.Command, a *auth.Auth, args []string) error {
				user, scope, err := roleTarget(ctx, cmd, a, args[0])
				if err != nil {
					return err
				}
				role, err := a.RoleOf(ctx, user.ID, scope.ID)
				if err != nil {
					return err
				}
				if role == "" {
					fmt.Printf("%s has no role in %s\n", args[0], scopeLabel(scope))
					return nil
				}
				perms, err := a.Permissions(ctx, role)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s in %s (%s)\n", args[0], color.CyanString(role), scopeLabel(scope), strings.Join(perms, ", "))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List roles and their permissions",
			Args:  cobra.NoArgs,
			RunE: withAuth(func(ctx context.Context, _ *cobra.Command, a *auth.Auth, _ []string) error {
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				for _, role := range auth.DefaultCatalog().Roles() {
					perms, err := a.Permissions(ctx, role)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\n", role, strings.Join(perms, ", "))
				}
				return tw.Flush()
			}),
		},
	)
	return cmd
}

// withAuth opens the database and passes an Auth to fn.
func withAuth(fn func(ctx context.Context, cmd *cobra.Command, a *auth.Auth, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, _, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		logger, _, err := newLogger(cmd, cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := openDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		a := auth.New(db, logger)
		if err := a.Seed(ctx, nil); err != nil {
			return err
		}
		return fn(ctx, cmd, a, args)
	}
}

// roleTarget resolves the user and the scope selected by the flags.
func roleTarget(ctx context.Context, cmd *cobra.Command, a *auth.Auth, externalID string) (*auth.User, *auth.Scope, error) {
	user, err := a.EnsureUser(ctx, externalID)
	if err != nil {
		return nil, nil, err
	}
	group, _ := cmd.Flags().GetString("group")
	private, _ := cmd.Flags().GetBool("private")

	var scope *auth.Scope
	switch {
	case group != "" && private:
		return nil, nil, fmt.Errorf("--group and --private are exclusive")
	case group != "":
		g, err := a.EnsureGroup(ctx, group)
		if err != nil {
			return nil, nil, err
		}
		scope, err = a.EnsureScope(ctx, auth.ScopeGroup, g.ID)
		if err != nil {
			return nil, nil, err
		}
	case private:
		scope, err = a.EnsureScope(ctx, auth.ScopePrivate, user.ID)
	default:
		scope, err = a.GlobalScope(ctx)
	}
	if err != nil {
		return nil, nil, err
	}
	return user, scope, nil
}

func scopeLabel(s *auth.Scope) string {
	if s.Type == auth.ScopeGlobal {
		return "global scope"
	}
	return fmt.Sprintf("%s scope #%d", s.Type, s.ID)
}
