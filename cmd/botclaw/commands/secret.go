package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jholhewres/botclaw/pkg/botclaw/config"
)

// newSecretCmd creates `botclaw secret`.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
		Long: `Store tokens in the OS keyring instead of the config file. At startup a
keyring value wins over the environment, which wins over the config file.

Examples:
  botclaw secret set discord_token
  botclaw secret list
  botclaw secret delete gateway_token`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name>",
			Short: "Store a secret, read without echo",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				value, err := config.ReadSecret(args[0] + ": ")
				if err != nil {
					return err
				}
				if value == "" {
					return fmt.Errorf("empty value, nothing stored")
				}
				if err := config.StoreSecret(args[0], value); err != nil {
					return fmt.Errorf("storing %s: %w", args[0], err)
				}
				fmt.Printf("%s stored in the OS keyring\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := config.DeleteSecret(args[0]); err != nil {
					return fmt.Errorf("deleting %s: %w", args[0], err)
				}
				fmt.Printf("%s removed\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List known secrets and whether the keyring holds them",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				names := make([]string, 0, len(config.Secrets))
				for name := range config.Secrets {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					state := "not set"
					if config.GetSecret(name) != "" {
						state = "stored"
					}
					fmt.Printf("%-14s %-8s (env %s)\n", name, state, config.Secrets[name])
				}
				return nil
			},
		},
	)
	return cmd
}
