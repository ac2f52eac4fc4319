// Package config loads the bridge configuration from config.yaml and
// VIZBRIDGE_* environment variables, env taking precedence.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Environment string         `koanf:"environment"`
	Server      ServerConfig   `koanf:"server"`
	Upstream    UpstreamConfig `koanf:"upstream"`
	Store       StoreConfig    `koanf:"store"`
	Proxy       ProxyConfig    `koanf:"proxy"`
	Bridge      BridgeConfig   `koanf:"bridge"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// AllowedOrigins is the host-origin allow-list embedded in frame
	// responses. The first entry is the canonical host origin.
	AllowedOrigins []string        `koanf:"allowed_origins"`
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	// RPS of 0 disables limiting.
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type UpstreamConfig struct {
	BaseURL string `koanf:"base_url"`
	// Credential supports ${VAR} substitution from the environment.
	Credential string `koanf:"credential"`
	Identity   string `koanf:"identity"`
}

type StoreConfig struct {
	Type   string       `koanf:"type"` // memory, redis, sqlite
	Redis  RedisConfig  `koanf:"redis"`
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ProxyConfig struct {
	// Outer deadlines per endpoint family, duration strings like "9s".
	FastDeadline   string `koanf:"fast_deadline"`
	StreamDeadline string `koanf:"stream_deadline"`
	BeaconDeadline string `koanf:"beacon_deadline"`
	// ContextTokenBudget caps the token footprint of the data context
	// digest posted upstream.
	ContextTokenBudget int `koanf:"context_token_budget"`
}

// BridgeConfig is the widget half: where the proxy lives and which origin
// this host page claims when verifying frame responses.
type BridgeConfig struct {
	ProxyURL   string `koanf:"proxy_url"`
	HostOrigin string `koanf:"host_origin"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the config file at path (default config.yaml; a missing file is
// fine) and overlays VIZBRIDGE_* environment variables, mapping "__" to ".".
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("VIZBRIDGE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "VIZBRIDGE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("environment") {
		k.Set("environment", "development")
	}
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("store.type") {
		k.Set("store.type", "memory")
	}
	if !k.Exists("upstream.identity") {
		k.Set("upstream.identity", "vizbridge")
	}
	if !k.Exists("proxy.context_token_budget") {
		k.Set("proxy.context_token_budget", 600)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Upstream.Credential = substituteEnvVars(cfg.Upstream.Credential)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Duration parses a duration string, falling back to def when the value is
// empty or unparseable.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
