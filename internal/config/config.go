// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env             string        `env:"APP_ENV,default=production"`
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	DatabaseURL string `env:"DATABASE_URL"`
	DB          DBPool

	AccessTokenSecret           string        `env:"ACCESS_TOKEN_SECRET"`
	RefreshTokenSecret          string        `env:"REFRESH_TOKEN_SECRET"`
	AccessTokenTTL              time.Duration `env:"ACCESS_TOKEN_TTL,default=15m"`
	RefreshTokenTTL             time.Duration `env:"REFRESH_TOKEN_TTL,default=168h"`
	TokenIssuer                 string        `env:"TOKEN_ISSUER,default=blueroots"`
	RefreshRequiresStoredMarker bool          `env:"REFRESH_REQUIRES_STORED_MARKER,default=false"`

	SMTP SMTP

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE,default=blueroots.events"`

	CORSOrigins    string  `env:"CORS_ORIGINS,default=http://localhost:5173"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=20"`
	MaxBodyBytes   int64   `env:"MAX_BODY_BYTES,default=1048576"`

	ClientURL    string `env:"CLIENT_URL,default=http://localhost:5173"`
	CookieSecure bool   `env:"COOKIE_SECURE,default=false"`
}

type DBPool struct {
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=50"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=25"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=15m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME,default=5m"`
}

type SMTP struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT,default=587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM,default=BlueRoots <noreply@blueroots.org>"`
}

// Load reads the given .env files (".env" when none are given; missing files
// are ignored), decodes the environment and validates the result.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		errs = append(errs, fmt.Errorf("APP_ENV must be %q or %q", EnvDevelopment, EnvProduction))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if strings.TrimSpace(c.AccessTokenSecret) == "" {
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET is required"))
	}
	if strings.TrimSpace(c.RefreshTokenSecret) == "" {
		errs = append(errs, errors.New("REFRESH_TOKEN_SECRET is required"))
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit settings must not be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

// SecureCookies reports whether auth cookies carry the Secure attribute.
func (c Config) SecureCookies() bool { return c.CookieSecure || c.Env == EnvProduction }

// AllowedOrigins splits CORS_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}
