package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// KeyringService is the service name secrets are stored under.
const KeyringService = "botclaw"

// Secret names, shared by the keyring and the secret command.
const (
	SecretDiscordToken = "discord_token"
	SecretGatewayToken = "gateway_token"
)

// Secrets lists the secret names and the environment variable each one
// falls back to.
var Secrets = map[string]string{
	SecretDiscordToken: "BOTCLAW_DISCORD_TOKEN",
	SecretGatewayToken: "BOTCLAW_GATEWAY_TOKEN",
}

// ErrUnknownSecret is returned for names outside Secrets.
var ErrUnknownSecret = errors.New("unknown secret")

// StoreSecret saves a secret in the OS keyring.
func StoreSecret(name, value string) error {
	if _, ok := Secrets[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownSecret)
	}
	return keyring.Set(KeyringService, name, value)
}

// GetSecret reads a secret from the OS keyring, "" when absent.
func GetSecret(name string) string {
	v, err := keyring.Get(KeyringService, name)
	if err != nil {
		return ""
	}
	return v
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(name string) error {
	if err := keyring.Delete(KeyringService, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// ResolveSecrets fills the secret fields from the keyring, then the
// environment, and keeps the configured value otherwise.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	resolve(&cfg.Channels.Discord.Token, SecretDiscordToken, logger)
	resolve(&cfg.Gateway.AuthToken, SecretGatewayToken, logger)
}

func resolve(field *string, name string, logger *slog.Logger) {
	if v := GetSecret(name); v != "" {
		*field = v
		logger.Debug("secret loaded from OS keyring", "secret", name)
		return
	}
	if v := os.Getenv(Secrets[name]); v != "" {
		*field = v
		logger.Debug("secret loaded from environment", "secret", name)
		return
	}
	if strings.HasPrefix(*field, "${") {
		*field = ""
	}
}

// ReadSecret prompts on stderr and reads a line without echo. Piped input
// is read as is.
func ReadSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	var buf [4096]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}
