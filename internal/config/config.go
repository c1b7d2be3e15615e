package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the doudian service
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Doudian   DoudianConfig   `mapstructure:"doudian"`
	Token     TokenConfig     `mapstructure:"token"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// AppConfig holds application configuration
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Port string `mapstructure:"port"`

	// AdminToken guards the admin API when set.
	AdminToken string `mapstructure:"admin_token"`
}

// IsProduction reports whether the service runs in production.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production"
}

// DoudianConfig holds the default client profile and named overrides.
type DoudianConfig struct {
	Default DoudianProfile            `mapstructure:"default"`
	Shops   map[string]DoudianProfile `mapstructure:"shops"`
}

// DoudianProfile holds one set of app credentials and endpoints.
type DoudianProfile struct {
	AppKey             string        `mapstructure:"app_key"`
	AppSecret          string        `mapstructure:"app_secret"`
	OpenRequestURL     string        `mapstructure:"open_request_url"`
	AuthorizeURL       string        `mapstructure:"authorize_url"`
	HTTPConnectTimeout time.Duration `mapstructure:"http_connect_timeout"`
	HTTPReadTimeout    time.Duration `mapstructure:"http_read_timeout"`
}

// TokenConfig holds token storage and refresh configuration
type TokenConfig struct {
	Store              string        `mapstructure:"store"` // memory, redis or database
	RefreshBuffer      time.Duration `mapstructure:"refresh_buffer"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	RefreshConcurrency int           `mapstructure:"refresh_concurrency"`
	RedisPrefix        string        `mapstructure:"redis_prefix"`
	RedisBuffer        time.Duration `mapstructure:"redis_buffer"`
}

// RetryConfig holds the dispatcher retry policy
type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	Interval         time.Duration `mapstructure:"interval"`
	Multiplier       float64       `mapstructure:"multiplier"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Codes            []int         `mapstructure:"codes"`
	TokenCodes       []int         `mapstructure:"token_codes"`
	OnTransportError bool          `mapstructure:"on_transport_error"`
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// RateLimitConfig toggles the client side rate limiter
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// CacheConfig holds the Redis product list cache configuration
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ProductTTL time.Duration `mapstructure:"product_ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres or sqlite
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	Path     string `mapstructure:"path"` // sqlite file
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// RedisConfig holds Redis cache configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// Load loads configuration from environment variables and, when
// CONFIG_FILE is set, from that file. Named profiles live in the file.
func Load() (*Config, error) {
	v := viper.New()

	// Automatically load environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = v.BindEnv("config_file", "CONFIG_FILE")
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	_ = v.BindEnv("app.name", "APP_NAME")
	_ = v.BindEnv("app.env", "APP_ENV")
	_ = v.BindEnv("app.port", "APP_PORT")
	_ = v.BindEnv("app.admin_token", "APP_ADMIN_TOKEN")

	// Default profile
	_ = v.BindEnv("doudian.default.app_key", "DOUDIAN_APP_KEY")
	_ = v.BindEnv("doudian.default.app_secret", "DOUDIAN_APP_SECRET")
	_ = v.BindEnv("doudian.default.open_request_url", "DOUDIAN_OPEN_REQUEST_URL")
	_ = v.BindEnv("doudian.default.authorize_url", "DOUDIAN_AUTHORIZE_URL")
	_ = v.BindEnv("doudian.default.http_connect_timeout", "DOUDIAN_HTTP_CONNECT_TIMEOUT")
	_ = v.BindEnv("doudian.default.http_read_timeout", "DOUDIAN_HTTP_READ_TIMEOUT")

	// Token lifecycle
	_ = v.BindEnv("token.store", "TOKEN_STORE")
	_ = v.BindEnv("token.refresh_buffer", "TOKEN_REFRESH_BUFFER")
	_ = v.BindEnv("token.check_interval", "TOKEN_CHECK_INTERVAL")
	_ = v.BindEnv("token.refresh_concurrency", "TOKEN_REFRESH_CONCURRENCY")
	_ = v.BindEnv("token.redis_prefix", "TOKEN_REDIS_PREFIX")
	_ = v.BindEnv("token.redis_buffer", "TOKEN_REDIS_BUFFER")

	// Retry
	_ = v.BindEnv("retry.max_attempts", "RETRY_MAX_ATTEMPTS")
	_ = v.BindEnv("retry.interval", "RETRY_INTERVAL")
	_ = v.BindEnv("retry.multiplier", "RETRY_MULTIPLIER")
	_ = v.BindEnv("retry.max_delay", "RETRY_MAX_DELAY")
	_ = v.BindEnv("retry.codes", "RETRY_CODES")
	_ = v.BindEnv("retry.token_codes", "RETRY_TOKEN_CODES")
	_ = v.BindEnv("retry.on_transport_error", "RETRY_ON_TRANSPORT_ERROR")

	// Circuit breaker
	_ = v.BindEnv("breaker.enabled", "BREAKER_ENABLED")
	_ = v.BindEnv("breaker.max_requests", "BREAKER_MAX_REQUESTS")
	_ = v.BindEnv("breaker.interval", "BREAKER_INTERVAL")
	_ = v.BindEnv("breaker.timeout", "BREAKER_TIMEOUT")
	_ = v.BindEnv("breaker.failure_ratio", "BREAKER_FAILURE_RATIO")
	_ = v.BindEnv("breaker.min_requests", "BREAKER_MIN_REQUESTS")

	_ = v.BindEnv("rate_limit.enabled", "RATE_LIMIT_ENABLED")

	_ = v.BindEnv("cache.enabled", "CACHE_ENABLED")
	_ = v.BindEnv("cache.product_ttl", "CACHE_PRODUCT_TTL")

	_ = v.BindEnv("database.driver", "DB_DRIVER")
	_ = v.BindEnv("database.host", "DB_HOST")
	_ = v.BindEnv("database.port", "DB_PORT")
	_ = v.BindEnv("database.user", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("database.name", "DB_NAME")
	_ = v.BindEnv("database.ssl_mode", "DB_SSLMODE")
	_ = v.BindEnv("database.path", "DB_PATH")

	_ = v.BindEnv("nats.url", "NATS_URL")

	// Redis
	_ = v.BindEnv("redis.host", "REDIS_HOST")
	_ = v.BindEnv("redis.port", "REDIS_PORT")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")

	// Set defaults
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "service-doudian")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8010")

	// Doudian
	v.SetDefault("doudian.default.open_request_url", "https://openapi-fxg.jinritemai.com")
	v.SetDefault("doudian.default.authorize_url", "https://openapi-fxg.jinritemai.com/oauth/authorize")
	v.SetDefault("doudian.default.http_connect_timeout", "3s")
	v.SetDefault("doudian.default.http_read_timeout", "10s")

	// Token
	v.SetDefault("token.store", "memory")
	v.SetDefault("token.refresh_buffer", "5m")
	v.SetDefault("token.check_interval", "5m")
	v.SetDefault("token.refresh_concurrency", 4)
	v.SetDefault("token.redis_prefix", "doudian:token:")
	v.SetDefault("token.redis_buffer", "336h")

	// Retry
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.interval", "500ms")
	v.SetDefault("retry.multiplier", 1.0)
	v.SetDefault("retry.codes", []int{20000, 30001, 30002, 40006})
	v.SetDefault("retry.token_codes", []int{30001, 30002, 40006})
	v.SetDefault("retry.on_transport_error", true)

	// Circuit breaker
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_requests", 1)
	v.SetDefault("breaker.interval", "60s")
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("breaker.failure_ratio", 0.5)
	v.SetDefault("breaker.min_requests", 5)

	v.SetDefault("rate_limit.enabled", false)

	// Cache
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.product_ttl", "1m")

	// Database
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "doudian.db")

	// NATS
	v.SetDefault("nats.url", "")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// Profile resolves a named profile. Unknown names resolve to the default
// profile; fields a named profile leaves empty inherit from it.
func (c *Config) Profile(name string) DoudianProfile {
	base := c.Doudian.Default
	if name == "" || name == doudian.DefaultProfile {
		return base
	}
	p, ok := c.Doudian.Shops[name]
	if !ok {
		return base
	}
	if p.AppKey == "" {
		p.AppKey = base.AppKey
	}
	if p.AppSecret == "" {
		p.AppSecret = base.AppSecret
	}
	if p.OpenRequestURL == "" {
		p.OpenRequestURL = base.OpenRequestURL
	}
	if p.AuthorizeURL == "" {
		p.AuthorizeURL = base.AuthorizeURL
	}
	if p.HTTPConnectTimeout == 0 {
		p.HTTPConnectTimeout = base.HTTPConnectTimeout
	}
	if p.HTTPReadTimeout == 0 {
		p.HTTPReadTimeout = base.HTTPReadTimeout
	}
	return p
}

// ProfileNames lists the default profile followed by the named ones.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Doudian.Shops))
	for name := range c.Doudian.Shops {
		if name != doudian.DefaultProfile {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return append([]string{doudian.DefaultProfile}, names...)
}

// Validate checks that every profile is usable and the selected backends exist.
func (c *Config) Validate() error {
	for _, name := range c.ProfileNames() {
		p := c.Profile(name)
		if p.AppKey == "" || p.AppSecret == "" {
			return fmt.Errorf("%w: doudian profile %q: app_key and app_secret are required", ErrInvalidConfig, name)
		}
	}

	switch c.Token.Store {
	case "memory", "redis":
	case "database":
		if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
			return fmt.Errorf("%w: unsupported database driver %q", ErrInvalidConfig, c.Database.Driver)
		}
	default:
		return fmt.Errorf("%w: unsupported token store %q", ErrInvalidConfig, c.Token.Store)
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// RetryPolicy builds the dispatcher policy from the retry section.
func (c *Config) RetryPolicy() *doudian.RetryPolicy {
	return doudian.NewRetryPolicy(c.Retry.MaxAttempts, c.Retry.Interval).
		WithBackoff(c.Retry.Multiplier, c.Retry.MaxDelay).
		WithRetryableCodes(toCodes(c.Retry.Codes)...).
		WithTokenCodes(toCodes(c.Retry.TokenCodes)...).
		WithRetryOnTransportError(c.Retry.OnTransportError)
}

func toCodes(in []int) []doudian.ErrorCode {
	out := make([]doudian.ErrorCode, len(in))
	for i, c := range in {
		out[i] = doudian.ErrorCode(c)
	}
	return out
}
