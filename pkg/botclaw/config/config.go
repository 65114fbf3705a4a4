// Package config loads botclaw.yaml: defaults first, then the file with
// environment references expanded, then secrets from the OS keyring.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels/console"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels/discord"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels/whatsapp"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
	"github.com/jholhewres/botclaw/pkg/botclaw/gateway"
)

// Config is the whole botclaw configuration.
type Config struct {
	// Name is the bot's display name, used in logs.
	Name string `yaml:"name"`

	Logging  LoggingConfig   `yaml:"logging"`
	Database database.Config `yaml:"database"`
	Auth     AuthConfig      `yaml:"auth"`
	Agent    agent.Config    `yaml:"agent"`
	Channels ChannelsConfig  `yaml:"channels"`
	Gateway  gateway.Config  `yaml:"gateway"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// AuthConfig configures authorization.
type AuthConfig struct {
	// DefaultRole is assigned at global scope to users on first contact.
	// Empty leaves new users without a role.
	DefaultRole string `yaml:"default_role"`

	// ClosedRegistration starts users and groups unregistered. An admin
	// allows groups with !allow, and users join with !register from one.
	ClosedRegistration bool `yaml:"closed_registration"`
}

// ChannelsConfig holds the channel adapters.
type ChannelsConfig struct {
	Discord  discord.Config  `yaml:"discord"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Console  console.Config  `yaml:"console"`
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		Name:     "botclaw",
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: database.DefaultConfig(),
		Auth:     AuthConfig{DefaultRole: auth.RoleUser},
		Agent:    agent.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
			Console:  console.DefaultConfig(),
		},
		Gateway: gateway.DefaultConfig(),
	}
}

// Validate reports values that cannot work.
func (c *Config) Validate() error {
	var problems []string
	if _, err := c.Logging.SlogLevel(); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not text or json", c.Logging.Format))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is empty")
	}
	if c.Agent.MaxConcurrent < 1 {
		problems = append(problems, "agent.max_concurrent must be at least 1")
	}
	if c.Agent.WatchInterval <= 0 {
		problems = append(problems, "agent.watch_interval must be positive")
	}
	if c.Auth.DefaultRole != "" && !isRole(c.Auth.DefaultRole) {
		problems = append(problems, fmt.Sprintf("auth.default_role %q is not a seeded role", c.Auth.DefaultRole))
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		problems = append(problems, "channels.discord is enabled without a token")
	}
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		problems = append(problems, "gateway.address is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SlogLevel parses Level. An empty level is info.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level %q: %w", l.Level, err)
	}
	return level, nil
}

func isRole(name string) bool {
	_, ok := auth.DefaultCatalog()[name]
	return ok
}
