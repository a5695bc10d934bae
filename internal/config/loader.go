package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Loader resolves the startup configuration: built-in defaults, then an
// optional YAML file, then the process environment. The result is read once
// at boot; the tier registry built from it is never rebuilt afterward.
type Loader struct {
	path   string
	logger *slog.Logger
}

// NewLoader returns a loader for the given config file path. An empty path
// means environment-only configuration.
func NewLoader(path string, logger *slog.Logger) *Loader {
	return &Loader{path: path, logger: logger}
}

func (l *Loader) Load() (*Config, error) {
	// .env is optional; missing file is not an error.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if l.path != "" {
		if err := LoadFile(l.path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("configuration loaded", "file", l.path, "port", cfg.Server.Port)
	return cfg, nil
}

// applyEnv overlays the well-known environment surface onto cfg. Variables
// that are unset leave the existing value alone.
func applyEnv(cfg *Config) {
	setEnvInt(&cfg.Server.Port, "PORT")
	setEnv(&cfg.Upstream.BaseURL, "ANTHROPIC_BASE_URL")

	setEnv(&cfg.Tiers.Haiku.Model, "ANTHROPIC_DEFAULT_HAIKU_MODEL")
	setEnv(&cfg.Tiers.Haiku.BaseURL, "HAIKU_PROVIDER_BASE_URL")
	setEnv(&cfg.Tiers.Haiku.APIKey, "HAIKU_PROVIDER_API_KEY")

	setEnv(&cfg.Tiers.Sonnet.Model, "ANTHROPIC_DEFAULT_SONNET_MODEL")
	setEnv(&cfg.Tiers.Sonnet.BaseURL, "SONNET_PROVIDER_BASE_URL")
	setEnv(&cfg.Tiers.Sonnet.APIKey, "SONNET_PROVIDER_API_KEY")

	setEnv(&cfg.Tiers.Opus.Model, "ANTHROPIC_DEFAULT_OPUS_MODEL")
	setEnv(&cfg.Tiers.Opus.BaseURL, "OPUS_PROVIDER_BASE_URL")
	setEnv(&cfg.Tiers.Opus.APIKey, "OPUS_PROVIDER_API_KEY")
}

func setEnv(dest *string, key string) {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		*dest = val
	}
}

func setEnvInt(dest *int, key string) {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dest = n
		}
	}
}

// Watch reports on-disk changes to the config file. Tier routing is fixed at
// startup, so a change is only advisory: it is logged, never applied. The
// returned stop function releases the watcher; it is safe to call more than
// once.
func (l *Loader) Watch() (func(), error) {
	if l.path == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir %s: %w", filepath.Dir(l.path), err)
	}

	done := make(chan struct{})
	target := filepath.Clean(l.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					l.logger.Warn("config file changed on disk; tier routing is fixed at startup, restart to apply",
						"file", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
