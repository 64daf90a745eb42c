// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the paygate configuration: defaults, then an optional
// YAML file, then PAYGATE_-prefixed environment variables, each layer
// overriding the last.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// Host and Port form the listen address.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// AdminKey authenticates the admin surface. Empty disables admin routes.
	AdminKey string `mapstructure:"admin_key"`

	// StatePath is the persisted JSON state document. Empty disables
	// persistence.
	StatePath string `mapstructure:"state_path"`

	// Upstream selects the tool server the proxy forwards to.
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// DefaultPrice is charged for tools with no explicit pricing.
	DefaultPrice uint64 `mapstructure:"default_price"`
	// RefundOnFailure refunds the charge when the upstream returns an error.
	RefundOnFailure bool `mapstructure:"refund_on_failure"`
	// ShadowMode runs every admission check without denying or debiting.
	ShadowMode bool `mapstructure:"shadow_mode"`

	// GlobalRateLimit bounds calls per key across all tools. 0 = unlimited.
	GlobalRateLimit  int           `mapstructure:"global_rate_limit"`
	GlobalRateWindow time.Duration `mapstructure:"global_rate_window"`

	// RedisURL, when set, backs the rate limiter with a shared Redis counter.
	RedisURL string `mapstructure:"redis_url"`

	// SessionTimeout expires idle MCP sessions.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// MaxSessions caps live sessions; the oldest is evicted at the cap.
	MaxSessions int `mapstructure:"max_sessions"`
	// SessionRatePerMinute bounds session creation per client IP.
	SessionRatePerMinute int `mapstructure:"session_rate_per_minute"`

	// Server timeouts.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UpstreamTimeout   time.Duration `mapstructure:"upstream_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`

	// Webhook delivery settings.
	Webhook WebhookConfig `mapstructure:"webhook"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`
}

// UpstreamConfig selects and parameterizes the upstream transport.
type UpstreamConfig struct {
	// Type is "http" or "stdio".
	Type string `mapstructure:"type"`
	// URL is the endpoint for the http transport.
	URL string `mapstructure:"url"`
	// Command and Args describe the subprocess for the stdio transport.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// WebhookConfig parameterizes the webhook router.
type WebhookConfig struct {
	DefaultURL      string        `mapstructure:"default_url"`
	DefaultSecret   string        `mapstructure:"default_secret"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Timeout         time.Duration `mapstructure:"timeout"`
	QueueSize       int           `mapstructure:"queue_size"`
	DeadLetterSize  int           `mapstructure:"dead_letter_size"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	AllowPrivateIPs bool          `mapstructure:"allow_private_ips"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8090)
	v.SetDefault("default_price", 1)
	v.SetDefault("refund_on_failure", true)
	v.SetDefault("debug", false)
	v.SetDefault("global_rate_window", time.Minute)
	v.SetDefault("session_timeout", 30*time.Minute)
	v.SetDefault("max_sessions", 10000)
	v.SetDefault("session_rate_per_minute", 30)
	v.SetDefault("read_header_timeout", 10*time.Second)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("upstream_timeout", 30*time.Second)
	v.SetDefault("idle_timeout", 120*time.Second)
	v.SetDefault("upstream.type", "http")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_retries", 5)
	v.SetDefault("webhook.queue_size", 1024)
	v.SetDefault("webhook.dead_letter_size", 100)
	v.SetDefault("webhook.rate_per_second", 10)
}

// Load reads configuration from the optional file at path plus the
// environment. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	switch c.Upstream.Type {
	case "http":
		if c.Upstream.URL == "" {
			return fmt.Errorf("upstream.url is required for the http transport")
		}
	case "stdio":
		if c.Upstream.Command == "" {
			return fmt.Errorf("upstream.command is required for the stdio transport")
		}
	case "":
		return fmt.Errorf("upstream.type is required")
	default:
		return fmt.Errorf("unknown upstream.type %q", c.Upstream.Type)
	}
	if c.GlobalRateLimit < 0 {
		return fmt.Errorf("global_rate_limit cannot be negative")
	}
	return nil
}

// ListenAddr returns the host:port listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
