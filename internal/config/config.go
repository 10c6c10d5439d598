package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	neturl "net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Rate limit drivers.
const (
	RateLimitOff    = "off"
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// Config centralises runtime configuration.
type Config struct {
	HTTPPort       string   `env:"HTTP_PORT"`
	Port           string   `env:"PORT" envDefault:"8080"`
	BaseURL        string   `env:"BASE_URL" envDefault:"http://localhost:8080"`
	APIPrefix      string   `env:"API_PREFIX"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// friends. Only enable it behind a proxy that overwrites those headers.
	TrustProxyHeaders bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	SecretKey                     string `env:"SECRET_KEY"`
	JWTAlgorithm                  string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	JWTIssuer                     string `env:"JWT_ISSUER" envDefault:"accounts"`
	AccessTokenExpireMinutes      int    `env:"ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"30"`
	ConfirmationTokenLifetimeDays int    `env:"CONFIRMATION_TOKEN_LIFETIME_DAYS" envDefault:"7"`
	ResetTokenExpireMinutes       int    `env:"RESET_TOKEN_EXPIRE_MINUTES" envDefault:"15"`
	BcryptCost                    int    `env:"BCRYPT_COST" envDefault:"10"`
	RequireActiveLogin            bool   `env:"AUTH_REQUIRE_ACTIVE_LOGIN" envDefault:"false"`

	StorageDriver    string        `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	DBMaxConns       int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBConnectRetries int           `env:"DB_CONNECT_RETRIES" envDefault:"3"`
	DBRetryInterval  time.Duration `env:"DB_RETRY_INTERVAL" envDefault:"2s"`
	DBAutoMigrate    bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`

	RateLimitDriver         string        `env:"RATE_LIMIT_DRIVER" envDefault:"memory"`
	RateLimitCapacity       int           `env:"RATE_LIMIT_CAPACITY" envDefault:"10"`
	RateLimitRefillRate     int           `env:"RATE_LIMIT_REFILL_RATE" envDefault:"1"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"6s"`
	RedisURL                string        `env:"REDIS_URL"`

	MailDriver           string        `env:"MAIL_DRIVER" envDefault:"log"`
	MailSender           string        `env:"MAIL_SENDER" envDefault:"noreply@example.com"`
	MailTimeout          time.Duration `env:"MAIL_TIMEOUT" envDefault:"10s"`
	SMTPServer           string        `env:"SMTP_SERVER"`
	SMTPUsername         string        `env:"SMTP_USERNAME"`
	SMTPPassword         string        `env:"SMTP_PASSWORD"`
	PostmarkServerToken  string        `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string        `env:"POSTMARK_ACCOUNT_TOKEN"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the process
// environment. Variables already set in the environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return FromEnvironment(envMap(os.Environ()))
}

// FromEnvironment builds a validated Config from the given variables.
func FromEnvironment(environ map[string]string) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environ})
	if err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = cfg.Port
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = resolveDatabaseURL(func(key string) string { return environ[key] })
	} else {
		cfg.DatabaseURL = normalisePostgresScheme(strings.TrimSpace(cfg.DatabaseURL))
	}
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	cfg.MailDriver = strings.ToLower(cfg.MailDriver)
	cfg.RateLimitDriver = strings.ToLower(cfg.RateLimitDriver)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required settings and allowed values.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.SecretKey, validation.Required.Error("SECRET_KEY is required")),
		validation.Field(&c.JWTAlgorithm, validation.In("HS256", "HS384", "HS512")),
		validation.Field(&c.AccessTokenExpireMinutes, validation.Required, validation.Min(1)),
		validation.Field(&c.ConfirmationTokenLifetimeDays, validation.Required, validation.Min(1)),
		validation.Field(&c.ResetTokenExpireMinutes, validation.Required, validation.Min(1)),
		validation.Field(&c.StorageDriver, validation.In(StoragePostgres, StorageMemory)),
		validation.Field(&c.MailDriver, validation.In("log", "smtp", "postmark")),
		validation.Field(&c.RateLimitDriver, validation.In(RateLimitOff, RateLimitMemory, RateLimitRedis)),
		validation.Field(&c.LogFormat, validation.In("json", "text")),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.StorageDriver == StoragePostgres && c.DatabaseURL == "" {
		return errors.New("database configuration missing: provide DATABASE_URL or PG* env vars")
	}
	if c.RateLimitDriver != RateLimitOff {
		err := validation.ValidateStruct(&c,
			validation.Field(&c.RateLimitCapacity, validation.Required, validation.Min(1)),
			validation.Field(&c.RateLimitRefillRate, validation.Required, validation.Min(1)),
			validation.Field(&c.RateLimitRefillInterval, validation.Required),
		)
		if err != nil {
			return fmt.Errorf("invalid rate limit configuration: %w", err)
		}
	}
	if c.RateLimitDriver == RateLimitRedis && c.RedisURL == "" {
		return errors.New("REDIS_URL is required for the redis rate limit driver")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return ":" + c.HTTPPort
}

// SessionTTL is the lifetime of access tokens.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

// ConfirmationTTL is the lifetime of email confirmation tokens.
func (c Config) ConfirmationTTL() time.Duration {
	return time.Duration(c.ConfirmationTokenLifetimeDays) * 24 * time.Hour
}

// ResetTTL is the lifetime of password reset tokens.
func (c Config) ResetTTL() time.Duration {
	return time.Duration(c.ResetTokenExpireMinutes) * time.Minute
}

// LogValue implements slog.LogValuer and keeps secrets out of logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.Addr()),
		slog.String("base_url", c.BaseURL),
		slog.String("api_prefix", c.APIPrefix),
		slog.String("storage_driver", c.StorageDriver),
		slog.String("database_url", redactURL(c.DatabaseURL)),
		slog.String("mail_driver", c.MailDriver),
		slog.String("rate_limit_driver", c.RateLimitDriver),
		slog.Bool("trust_proxy_headers", c.TrustProxyHeaders),
		slog.String("redis_url", redactURL(c.RedisURL)),
		slog.String("jwt_algorithm", c.JWTAlgorithm),
		slog.String("jwt_issuer", c.JWTIssuer),
		slog.Bool("require_active_login", c.RequireActiveLogin),
		slog.String("log_level", c.LogLevel),
		slog.String("log_format", c.LogFormat),
	)
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := neturl.Parse(raw)
	if err != nil {
		return "[invalid]"
	}
	return u.Redacted()
}

func resolveDatabaseURL(getenv func(string) string) string {
	for _, key := range []string{"POSTGRES_URL", "PGURL"} {
		if coerced := coerceDatabaseURL(getenv(key)); coerced != "" {
			return coerced
		}
	}

	for _, key := range []string{"DATABASE_URL_FILE", "PGURL_FILE"} {
		if coerced := coerceDatabaseURL(readEnvFile(getenv(key))); coerced != "" {
			return coerced
		}
	}

	host := firstNonEmpty(getenv("PGHOST"), getenv("POSTGRES_HOST"), getenv("DATABASE_HOST"))
	user := firstNonEmpty(getenv("PGUSER"), getenv("POSTGRES_USER"), getenv("DATABASE_USER"))
	if host == "" || user == "" {
		return ""
	}
	password := firstNonEmpty(getenv("PGPASSWORD"), getenv("POSTGRES_PASSWORD"), getenv("DATABASE_PASSWORD"))
	database := firstNonEmpty(getenv("PGDATABASE"), getenv("POSTGRES_DB"), getenv("DATABASE_NAME"), user)
	port := firstNonEmpty(getenv("PGPORT"), getenv("POSTGRES_PORT"), getenv("DATABASE_PORT"), "5432")
	sslMode := firstNonEmpty(getenv("PGSSLMODE"), getenv("POSTGRES_SSL_MODE"), "require")

	dsn := &neturl.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + database,
		User:   neturl.User(user),
	}
	if password != "" {
		dsn.User = neturl.UserPassword(user, password)
	}

	query := dsn.Query()
	query.Set("sslmode", sslMode)
	dsn.RawQuery = query.Encode()

	return dsn.String()
}

func normalisePostgresScheme(url string) string {
	if strings.HasPrefix(url, "postgresql://") {
		return "postgres://" + strings.TrimPrefix(url, "postgresql://")
	}
	return url
}

func coerceDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://") {
		return normalisePostgresScheme(raw)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func readEnvFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
