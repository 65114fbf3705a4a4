package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

// newMigrateCmd creates `botclaw migrate`.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply every pending schema migration. Applied versions are skipped, so
running it again is a no-op.

Examples:
  botclaw migrate
  botclaw migrate --seed
  botclaw migrate --status`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger, _, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			db, err := database.Open(cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			m := database.NewMigrator(db, logger)

			if status, _ := cmd.Flags().GetBool("status"); status {
				version, err := m.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				pending, err := m.Pending(ctx, migrations())
				if err != nil {
					return err
				}
				fmt.Printf("schema version: %d\n", version)
				for _, p := range pending {
					fmt.Printf("pending: v%d %s\n", p.Version, p.Name)
				}
				return nil
			}

			applied, err := m.Migrate(ctx, migrations())
			if err != nil {
				return err
			}
			fmt.Printf("%d migration(s) applied\n", applied)

			if seed, _ := cmd.Flags().GetBool("seed"); seed {
				if err := auth.New(db, logger).Seed(ctx, nil); err != nil {
					return err
				}
				fmt.Println("roles and permissions seeded")
			}
			return nil
		},
	}
	cmd.Flags().Bool("seed", false, "also seed roles and permissions")
	cmd.Flags().Bool("status", false, "show the schema version and pending migrations")
	return cmd
}

// newSeedCmd creates `botclaw seed`.
func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed the built-in roles, permissions and global scope",
		Long: `Insert the built-in roles and their permissions. Existing rows, including
permissions granted at runtime, are left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger, _, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := auth.New(db, logger).Seed(cmd.Context(), nil); err != nil {
				return err
			}
			fmt.Println("roles and permissions seeded")
			return nil
		},
	}
}
