package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Session  SessionConfig  `mapstructure:"session"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Ark      ArkConfig      `mapstructure:"ark"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects the durable store. An empty URL runs the service
// on in-memory stores.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// RedisConfig enables the Redis result cache and session store when Addr
// is set.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"gt=0"`
	// CallbackToken is the shared secret providers send in X-Callback-Token.
	CallbackToken string `mapstructure:"callback_token" validate:"required,min=16"`
}

// QueueConfig tunes the scheduler.
type QueueConfig struct {
	Concurrency          int           `mapstructure:"concurrency" validate:"gt=0"`
	Size                 int           `mapstructure:"size" validate:"gt=0"`
	MaxAttempts          int           `mapstructure:"max_attempts" validate:"gt=0"`
	DispatchTimeout      time.Duration `mapstructure:"dispatch_timeout" validate:"gt=0"`
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PollTimeout          time.Duration `mapstructure:"poll_timeout" validate:"gtfield=PollInterval"`
	RefundOnPollTimeout  bool          `mapstructure:"refund_on_poll_timeout"`
	ReconcileDeadline    time.Duration `mapstructure:"reconcile_deadline" validate:"gt=0"`
	StaleCheckInterval   time.Duration `mapstructure:"stale_check_interval" validate:"gt=0"`
	ParkTTL              time.Duration `mapstructure:"park_ttl" validate:"gt=0"`
	BackoffBase          time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax           time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	BackoffJitterPercent uint64        `mapstructure:"backoff_jitter_percent" validate:"lte=100"`
}

// CacheConfig sets the result cache lifetimes per kind.
type CacheConfig struct {
	ImageTTL      time.Duration `mapstructure:"image_ttl" validate:"gt=0"`
	VideoTTL      time.Duration `mapstructure:"video_ttl" validate:"gt=0"`
	ChatTTL       time.Duration `mapstructure:"chat_ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// SessionConfig sets the conversational session lifetime.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// LedgerConfig holds token ledger settings.
type LedgerConfig struct {
	InitialGrant int64 `mapstructure:"initial_grant" validate:"gte=0"`
}

// PricingConfig holds the token cost per kind. Overrides are keyed by
// "provider/model".
type PricingConfig struct {
	Image     int64            `mapstructure:"image" validate:"gte=0"`
	Video     int64            `mapstructure:"video" validate:"gte=0"`
	Chat      int64            `mapstructure:"chat" validate:"gte=0"`
	Overrides map[string]int64 `mapstructure:"overrides"`
}

// ArkConfig configures the image and video provider. The adapter is
// registered only when APIKey is set.
type ArkConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url" validate:"omitempty,url"`
	ImageModel string `mapstructure:"image_model"`
	VideoModel string `mapstructure:"video_model"`
}

// GeminiConfig configures the chat provider. The adapter is registered
// only when APIKey is set.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// AMQPConfig enables publishing notifications to a broker when URL is set.
type AMQPConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Exchange string `mapstructure:"exchange"`
}

// StorageConfig enables mirroring result artifacts into an S3-compatible
// bucket when Endpoint is set.
type StorageConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key" validate:"required_with=Endpoint"`
	SecretKey     string `mapstructure:"secret_key" validate:"required_with=Endpoint"`
	Bucket        string `mapstructure:"bucket" validate:"required_with=Endpoint"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	PublicBaseURL string `mapstructure:"public_base_url" validate:"omitempty,url"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter" validate:"oneof=none stdout otlphttp"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}
