package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels/console"
)

// newConsoleCmd creates `botclaw console`.
func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the bot from the terminal",
		Long: `Run the commands against lines typed in the terminal. Lines are sent as
the configured console user, or as --user.

Examples:
  botclaw console
  botclaw console --user alice --group dev`,
		RunE: runConsole,
	}
	cmd.Flags().String("user", "", "user id the lines are sent as")
	cmd.Flags().String("group", "", "send lines as group messages in this group")
	return cmd
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger, level, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ccfg := cfg.Channels.Console
	if user, _ := cmd.Flags().GetString("user"); user != "" {
		ccfg.UserID = user
		ccfg.Nickname = user
	}
	if group, _ := cmd.Flags().GetString("group"); group != "" {
		ccfg.GroupID = group
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chans := channels.NewManager(logger)
	con := console.New(ccfg, logger)
	if err := chans.Register(con); err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, logger, level, chans)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.watchModules(ctx)

	if err := chans.Start(ctx); err != nil {
		return err
	}
	defer chans.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.agent.Run(ctx, chans.Events())
	}()

	select {
	case <-con.Done():
	case <-ctx.Done():
	}
	stop()
	<-done
	return nil
}
