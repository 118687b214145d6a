package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so server.port is
// read from CONJURE_SERVER_PORT.
const EnvPrefix = "CONJURE"

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key. Keys need a default, even an empty one,
// for AutomaticEnv to see them during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "conjure")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)
	v.SetDefault("auth.callback_token", "")

	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.size", 1024)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.dispatch_timeout", 2*time.Minute)
	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("queue.poll_timeout", 10*time.Minute)
	v.SetDefault("queue.refund_on_poll_timeout", false)
	v.SetDefault("queue.reconcile_deadline", 24*time.Hour)
	v.SetDefault("queue.stale_check_interval", 5*time.Minute)
	v.SetDefault("queue.park_ttl", 10*time.Minute)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.backoff_max", time.Minute)
	v.SetDefault("queue.backoff_jitter_percent", 20)

	v.SetDefault("cache.image_ttl", time.Hour)
	v.SetDefault("cache.video_ttl", 2*time.Hour)
	v.SetDefault("cache.chat_ttl", 30*time.Minute)
	v.SetDefault("cache.sweep_interval", time.Minute)

	v.SetDefault("session.ttl", 15*time.Minute)

	v.SetDefault("ledger.initial_grant", 100)

	v.SetDefault("pricing.image", 8)
	v.SetDefault("pricing.video", 20)
	v.SetDefault("pricing.chat", 1)

	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ark.image_model", "doubao-seedream-3-0-t2i-250415")
	v.SetDefault("ark.video_model", "doubao-seedance-1-0-lite-i2v-250428")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.0-flash")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "conjure.notifications")

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.public_base_url", "")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "conjure-api")
	v.SetDefault("tracing.sample_ratio", 1.0)
}
