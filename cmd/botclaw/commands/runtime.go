package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/config"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
	"github.com/jholhewres/botclaw/pkg/botclaw/modules"
	"github.com/jholhewres/botclaw/pkg/botclaw/session"
)

// resolveConfig loads --config, or the discovered config file, or the
// defaults when there is none. The returned path is "" for defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.Find()
	}
	if path == "" {
		config.LoadEnvFiles()
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger. The returned level var is shared
// with !loglevel and the config watcher.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, *slog.LevelVar, error) {
	lvl, err := cfg.Logging.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		lvl = slog.LevelDebug
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, level, nil
}

// migrations is the full schema in version order.
func migrations() []database.Migration {
	var all []database.Migration
	all = append(all, auth.Migrations()...)
	all = append(all, session.Migrations()...)
	all = append(all, agent.Migrations()...)
	return all
}

// openDatabase opens the store and brings the schema up to date.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.DB, error) {
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if _, err := database.NewMigrator(db, logger).Migrate(ctx, migrations()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// runtime is the wired core shared by serve and console.
type runtime struct {
	db           *database.DB
	auth         *auth.Auth
	sessions     *session.Manager
	userCommands *agent.UserCommands
	builtins     *modules.Builtins
	agent        *agent.Agent
	modules      []*agent.FileSource
}

// newRuntime opens and seeds the database and loads every module source.
// Replies go to out.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, level *slog.LevelVar, out channels.Outbound) (*runtime, error) {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var authOpts []auth.Option
	if cfg.Auth.DefaultRole != "" {
		authOpts = append(authOpts, auth.WithDefaultRole(cfg.Auth.DefaultRole))
	}
	if cfg.Auth.ClosedRegistration {
		authOpts = append(authOpts, auth.WithClosedRegistration())
	}
	rt := &runtime{
		db:           db,
		auth:         auth.New(db, logger, authOpts...),
		sessions:     session.NewManager(db, logger),
		userCommands: agent.NewUserCommands(db),
	}
	if err := rt.auth.Seed(ctx, nil); err != nil {
		db.Close()
		return nil, err
	}

	rt.agent = agent.New(rt.auth, rt.sessions, out, logger,
		agent.WithConfig(cfg.Agent),
		agent.WithPermissionCatalog(auth.DefaultCatalog().Permissions()),
	)
	rt.builtins = modules.New(modules.Deps{UserCommands: rt.userCommands, Level: level})

	if _, err := rt.agent.Reload(ctx, rt.builtins.Source()); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := rt.agent.Reload(ctx, &agent.StoreSource{Store: rt.userCommands, Taken: rt.agent.TakenByOtherSource}); err != nil {
		db.Close()
		return nil, err
	}
	rt.modules = rt.agent.LoadModules(ctx, rt.builtins.Catalog())

	if has, err := rt.auth.HasAdmin(ctx); err != nil {
		logger.Warn("admin check failed", "error", err)
	} else if !has {
		logger.Warn("no admin yet; send !admin from a chat to claim it")
	}
	return rt, nil
}

// watchModules reloads module files on change until ctx is done.
func (rt *runtime) watchModules(ctx context.Context) {
	for _, src := range rt.modules {
		go rt.agent.WatchModule(ctx, src)
	}
}

func (rt *runtime) Close() error {
	return rt.db.Close()
}
