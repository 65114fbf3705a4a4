// Package commands implements the botclaw CLI with cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "botclaw",
		Short: "BotClaw - chat command runtime",
		Long: `BotClaw turns chat messages from Discord, WhatsApp or the terminal into
authorized command runs, with per-scope roles and short-lived sessions.

Examples:
  botclaw init
  botclaw migrate --seed
  botclaw serve --channel discord
  botclaw console
  botclaw role assign 1234 admin`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConsoleCmd(),
		newMigrateCmd(),
		newSeedCmd(),
		newRoleCmd(),
		newSecretCmd(),
		newInitCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
