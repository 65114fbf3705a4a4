package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels/discord"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels/whatsapp"
	"github.com/jholhewres/botclaw/pkg/botclaw/config"
	"github.com/jholhewres/botclaw/pkg/botclaw/gateway"
	"github.com/jholhewres/botclaw/pkg/botclaw/scheduler"
)

// newServeCmd creates `botclaw serve`.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect the enabled channels and dispatch commands",
		Long: `Start BotClaw as a daemon: connect the enabled channels, dispatch their
messages to commands, run the session sweep and, when enabled, the HTTP
gateway.

Examples:
  botclaw serve
  botclaw serve --channel discord
  botclaw serve --config ./botclaw.yaml`,
		RunE: runServe,
	}
	cmd.Flags().StringSlice("channel", nil, "channels to enable (discord, whatsapp)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger, level, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	config.ResolveSecrets(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chans := channels.NewManager(logger)
	filter, _ := cmd.Flags().GetStringSlice("channel")
	if shouldEnable("discord", filter, cfg.Channels.Discord.Enabled) {
		if err := chans.Register(discord.New(cfg.Channels.Discord, logger)); err != nil {
			return err
		}
	}
	if shouldEnable("whatsapp", filter, cfg.Channels.WhatsApp.Enabled) {
		if err := chans.Register(whatsapp.New(cfg.Channels.WhatsApp, logger)); err != nil {
			return err
		}
	}

	rt, err := newRuntime(ctx, cfg, logger, level, chans)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.watchModules(ctx)

	if err := chans.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	sched := scheduler.New(logger)
	if err := sched.Add("session-sweep", cfg.Agent.SweepSchedule, scheduler.SessionSweep(rt.sessions, logger)); err != nil {
		chans.Stop()
		return err
	}
	sched.Start()

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(rt.agent, chans, rt.db, cfg.Gateway, logger)
		if err := gw.Start(ctx); err != nil {
			sched.Stop()
			chans.Stop()
			return fmt.Errorf("starting gateway: %w", err)
		}
	}

	if configPath != "" {
		w := config.NewWatcher(configPath, 5*time.Second, func(next *config.Config) {
			applyConfigUpdate(next, level, logger)
		}, logger)
		go w.Start(ctx)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.agent.Run(ctx, chans.Events())
	}()

	logger.Info("botclaw running, press Ctrl+C to stop",
		"name", cfg.Name,
		"channels", chans.Names(),
		"commands", len(rt.agent.Registry().List()),
	)
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sched.Stop()
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown failed", "error", err)
		}
	}
	chans.Stop()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("dispatch did not finish before shutdown timeout")
	}
	logger.Info("botclaw stopped")
	return nil
}

// applyConfigUpdate applies the settings that can change without a
// restart. Everything else is picked up on the next start.
func applyConfigUpdate(cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) {
	lvl, err := cfg.Logging.SlogLevel()
	if err != nil {
		return
	}
	if lvl != level.Level() {
		level.Set(lvl)
		logger.Info("log level changed", "level", lvl)
	}
}

// shouldEnable reports whether a channel runs. An explicit --channel list
// wins over the config.
func shouldEnable(name string, filter []string, enabled bool) bool {
	if len(filter) > 0 {
		return slices.Contains(filter, name)
	}
	return enabled
}
