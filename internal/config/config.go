package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Billing      BillingConfig
	RateLimit    RateLimitConfig
	Generation   GenerationConfig
	Upstream     UpstreamConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string `env:"APP_NAME" envDefault:"persona-service"`
	Env                   string `env:"APP_ENV" envDefault:"development"`
	Host                  string `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port                  string `env:"APP_PORT" envDefault:"8080"`
	Version               string `env:"APP_VERSION" envDefault:"dev"`
	RequestTimeoutSeconds int    `env:"HTTP_REQUEST_TIMEOUT_SECONDS" envDefault:"30"`
	// PublicBaseURL is used to build provider redirect targets.
	PublicBaseURL string `env:"APP_PUBLIC_BASE_URL" envDefault:"http://localhost:3000"`
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string `env:"POSTGRES_DSN"`
	MaxConns       int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	MinConns       int32  `env:"POSTGRES_MIN_CONNS" envDefault:"2"`
	RunMigrations  bool   `env:"POSTGRES_RUN_MIGRATIONS" envDefault:"true"`
	MigrationsDir  string `env:"POSTGRES_MIGRATIONS_DIR" envDefault:"migrations"`
	ConnMaxIdleSec int32  `env:"POSTGRES_CONN_MAX_IDLE_SECONDS" envDefault:"30"`
	ConnMaxLifeSec int32  `env:"POSTGRES_CONN_MAX_LIFE_SECONDS" envDefault:"300"`
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	Addr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string `env:"AUTH_JWT_SECRET" envDefault:"dev-secret"`
	AccessTokenTTLMinutes int    `env:"AUTH_ACCESS_TOKEN_TTL_MINUTES" envDefault:"60"`
	BcryptCost            int    `env:"AUTH_BCRYPT_COST" envDefault:"12"`
	AdminToken            string `env:"AUTH_ADMIN_TOKEN"`
}

// BillingConfig holds billing provider credentials and reconciler tuning.
type BillingConfig struct {
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret       string `env:"STRIPE_WEBHOOK_SECRET"`
	PriceID             string `env:"STRIPE_PRICE_ID"`
	ProcessedEventLimit int    `env:"BILLING_PROCESSED_EVENT_LIMIT" envDefault:"1000"`
	ProcessedEventEvict int    `env:"BILLING_PROCESSED_EVENT_EVICT" envDefault:"500"`
	OrderingGuard       bool   `env:"BILLING_ORDERING_GUARD" envDefault:"true"`
	// InFlightLockSeconds bounds how long a crashed instance can hold an event claim.
	InFlightLockSeconds int `env:"BILLING_INFLIGHT_LOCK_SECONDS" envDefault:"60"`
	WebhookBodyLimit    int    `env:"BILLING_WEBHOOK_BODY_LIMIT" envDefault:"1048576"`
}

// RouteLimit is a per-route request budget.
type RouteLimit struct {
	Limit    int   `env:"LIMIT"`
	WindowMS int64 `env:"WINDOW_MS"`
}

// Window returns the limit window as a duration.
func (r RouteLimit) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// RateLimitConfig selects the bucket backend and the per-route limits.
type RateLimitConfig struct {
	Backend           string     `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	SweepIntervalSecs int        `env:"RATE_LIMIT_SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	Avatar            RouteLimit `envPrefix:"RATE_LIMIT_AVATAR_"`
	Story             RouteLimit `envPrefix:"RATE_LIMIT_STORY_"`
	Billing           RouteLimit `envPrefix:"RATE_LIMIT_BILLING_"`
}

// SweepInterval returns how often expired in-memory buckets are removed.
func (r RateLimitConfig) SweepInterval() time.Duration {
	if r.SweepIntervalSecs <= 0 {
		return 0
	}
	return time.Duration(r.SweepIntervalSecs) * time.Second
}

// GenerationConfig holds content-generation provider settings.
type GenerationConfig struct {
	OpenAIAPIKey   string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string  `env:"OPENAI_BASE_URL"`
	ImageModel     string  `env:"GENERATION_IMAGE_MODEL" envDefault:"dall-e-3"`
	ImageSize      string  `env:"GENERATION_IMAGE_SIZE" envDefault:"1024x1024"`
	StoryModel     string  `env:"GENERATION_STORY_MODEL" envDefault:"gpt-4o"`
	StoryMaxTokens int     `env:"GENERATION_STORY_MAX_TOKENS" envDefault:"1200"`
	ProviderRPS    float64 `env:"GENERATION_PROVIDER_RPS" envDefault:"5"`
	ProviderBurst  int     `env:"GENERATION_PROVIDER_BURST" envDefault:"10"`
}

// UpstreamConfig bounds every call to an external collaborator.
type UpstreamConfig struct {
	TimeoutSeconds           int `env:"UPSTREAM_TIMEOUT_SECONDS" envDefault:"10"`
	GenerationTimeoutSeconds int `env:"UPSTREAM_GENERATION_TIMEOUT_SECONDS" envDefault:"60"`
}

// Timeout returns the bound for identity, datastore and billing calls.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// GenerationTimeout returns the bound for image and text generation calls.
func (u UpstreamConfig) GenerationTimeout() time.Duration {
	if u.GenerationTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(u.GenerationTimeoutSeconds) * time.Second
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	EmailFrom  string `env:"NOTIFY_EMAIL_FROM" envDefault:"noreply@example.com"`
	WebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	applyRouteDefaults(&cfg.RateLimit)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyRouteDefaults fills per-route budgets left unset by the environment.
func applyRouteDefaults(rl *RateLimitConfig) {
	defaults := []struct {
		target *RouteLimit
		limit  int
		window int64
	}{
		{&rl.Avatar, 5, 60_000},
		{&rl.Story, 10, 60_000},
		{&rl.Billing, 20, 60_000},
	}
	for _, d := range defaults {
		if d.target.Limit <= 0 {
			d.target.Limit = d.limit
		}
		if d.target.WindowMS <= 0 {
			d.target.WindowMS = d.window
		}
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.RateLimit.Backend) {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND %q", c.RateLimit.Backend)
	}
	if c.Billing.ProcessedEventLimit <= 0 {
		return fmt.Errorf("BILLING_PROCESSED_EVENT_LIMIT must be positive")
	}
	if c.Billing.ProcessedEventEvict <= 0 || c.Billing.ProcessedEventEvict > c.Billing.ProcessedEventLimit {
		return fmt.Errorf("BILLING_PROCESSED_EVENT_EVICT must be in (0, limit]")
	}
	return nil
}

// InFlightLockTTL returns the shared-store claim lifetime.
func (b BillingConfig) InFlightLockTTL() time.Duration {
	if b.InFlightLockSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(b.InFlightLockSeconds) * time.Second
}

// UsesRedis reports whether shared-store backends were requested.
func (c *Config) UsesRedis() bool {
	return strings.EqualFold(c.RateLimit.Backend, "redis") || c.Redis.Enabled
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}
