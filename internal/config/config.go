package config

import (
	"fmt"
	"net/url"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tiers     TiersConfig     `yaml:"tiers"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// UpstreamConfig controls the default upstream and outbound call limits.
// The default upstream receives every request whose model does not map to
// a tier with a dedicated provider; client credentials pass through to it
// unchanged.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`

	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
}

type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type TiersConfig struct {
	Haiku  TierConfig `yaml:"haiku"`
	Sonnet TierConfig `yaml:"sonnet"`
	Opus   TierConfig `yaml:"opus"`
}

// TierConfig is one tier's expected model plus an optional dedicated
// provider. An empty BaseURL means the tier has no provider of its own and
// falls through to the default upstream with the caller's credentials.
type TierConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8082,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     10 * time.Minute,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:               "https://api.anthropic.com",
			DialTimeout:           10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			TLSHandshakeTimeout:   10 * time.Second,
			MaxIdleConns:          32,
			IdleConnTimeout:       90 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Tiers: TiersConfig{
			Haiku:  TierConfig{Model: "claude-3-haiku"},
			Sonnet: TierConfig{Model: "claude-sonnet"},
			Opus:   TierConfig{Model: "claude-3-opus"},
		},
	}
}

// Validate rejects configurations the proxy cannot serve with. Duplicate
// tier models are checked separately when the registry is built.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if err := checkBaseURL("upstream", c.Upstream.BaseURL); err != nil {
		return err
	}
	for name, tc := range map[string]TierConfig{
		"haiku":  c.Tiers.Haiku,
		"sonnet": c.Tiers.Sonnet,
		"opus":   c.Tiers.Opus,
	} {
		if tc.Model == "" {
			return fmt.Errorf("tier %s: model must not be empty", name)
		}
		if tc.BaseURL != "" {
			if err := checkBaseURL("tier "+name, tc.BaseURL); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkBaseURL(scope, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid base_url %q: %w", scope, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: base_url %q must be http or https", scope, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: base_url %q has no host", scope, raw)
	}
	return nil
}
