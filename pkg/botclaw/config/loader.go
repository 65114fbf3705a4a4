package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// candidates are the locations Find checks, in order.
var candidates = []string{
	"botclaw.yaml",
	"botclaw.yml",
	"config.yaml",
	"configs/botclaw.yaml",
}

// Find returns the first config file found in the working directory or
// ~/.botclaw, or "" when there is none.
func Find() string {
	paths := append([]string(nil), candidates...)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".botclaw", "botclaw.yaml"))
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads path. .env and .env.local are loaded first without
// overriding the environment, so the file can reference their values.
func Load(path string) (*Config, error) {
	LoadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}
	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, filepath.Dir(path))
	checkFilePermissions(path)
	return cfg, nil
}

// Parse overlays YAML onto Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path with owner-only permissions. An existing file is
// kept as path.bak.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// LoadEnvFiles loads .env and .env.local from the working directory.
// Variables already set win.
func LoadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// ExpandEnv replaces environment references in s. An unset ${VAR} is left
// as written; an unset ${VAR:?message} is an error.
func ExpandEnv(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

func resolveRelativePaths(cfg *Config, dir string) {
	if cfg.Database.Path != ":memory:" {
		cfg.Database.Path = resolvePath(cfg.Database.Path, dir)
	}
	for i, m := range cfg.Agent.Modules {
		cfg.Agent.Modules[i] = resolvePath(m, dir)
	}
	cfg.Channels.WhatsApp.SessionDir = resolvePath(cfg.Channels.WhatsApp.SessionDir, dir)
	cfg.Channels.WhatsApp.DatabasePath = resolvePath(cfg.Channels.WhatsApp.DatabasePath, dir)
	cfg.Channels.Console.HistoryFile = resolvePath(cfg.Channels.Console.HistoryFile, dir)
}

// resolvePath makes path absolute against dir and expands a leading ~/.
func resolvePath(path, dir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
