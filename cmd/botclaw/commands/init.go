package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/config"
)

// newInitCmd creates `botclaw init`.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		Long: `Ask a few questions and write botclaw.yaml. A Discord token entered here is
stored in the OS keyring, not in the file.`,
		RunE: runInit,
	}
	cmd.Flags().StringP("output", "o", "botclaw.yaml", "where to write the config")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	cfg := config.Default()
	var (
		discordToken string
		roles        = auth.DefaultCatalog().Roles()
		roleOptions  = append([]huh.Option[string]{huh.NewOption("none", "")}, huh.NewOptions(roles...)...)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot name").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Database file").
				Value(&cfg.Database.Path).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Role given to new users").
				Options(roleOptions...).
				Value(&cfg.Auth.DefaultRole),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Discord?").
				Value(&cfg.Channels.Discord.Enabled),
			huh.NewConfirm().
				Title("Enable WhatsApp?").
				Description("You will scan a QR code on the first serve.").
				Value(&cfg.Channels.WhatsApp.Enabled),
			huh.NewConfirm().
				Title("Enable the HTTP gateway?").
				Value(&cfg.Gateway.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Description("Stored in the OS keyring. Leave empty to set it later.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
		).WithHideFunc(func() bool { return !cfg.Channels.Discord.Enabled }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log format").
				Options(huh.NewOptions("text", "json")...).
				Value(&cfg.Logging.Format),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if discordToken != "" {
		if err := config.StoreSecret(config.SecretDiscordToken, discordToken); err != nil {
			fmt.Fprintf(os.Stderr, "keyring unavailable (%v), set BOTCLAW_DISCORD_TOKEN instead\n", err)
		}
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("config written to %s\n", path)
	fmt.Println("next: botclaw migrate --seed && botclaw serve")
	return nil
}
