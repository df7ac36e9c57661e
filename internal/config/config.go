package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string   `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL          string   `env:"DATABASE_URL,required"`
	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a reverse proxy that overwrites them.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	JWTSecret  string        `env:"JWT_SECRET,required"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"168h"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	// CookieSecure marks the session cookie Secure; enable behind HTTPS.
	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"false"`

	RateLimit RateLimitConfig
	Jobs      JobsConfig
	Redis     RedisConfig `envPrefix:"REDIS_"`
	Log       LogConfig   `envPrefix:"LOG_"`

	// TautulliRatePerSec throttles outbound Tautulli API calls.
	TautulliRatePerSec float64 `env:"TAUTULLI_RATE_PER_SEC" envDefault:"5"`
}

type RateLimitConfig struct {
	Requests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

type JobsConfig struct {
	// StaleAfter is how long a job may stay generating before the sweep fails it.
	StaleAfter      time.Duration `env:"JOBS_STALE_AFTER" envDefault:"30m"`
	SweepSchedule   string        `env:"JOBS_SWEEP_SCHEDULE" envDefault:"@every 1m"`
	ShutdownTimeout time.Duration `env:"JOBS_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// RedisConfig is optional; an empty Addr disables cookie sessions.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize applies guardrails to values loaded from env.
func (c *Config) Sanitize() {
	origins := c.CORSAllowedOrigins[:0]
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSAllowedOrigins = origins

	if c.RateLimit.Requests < 1 {
		c.RateLimit.Requests = 1
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Jobs.StaleAfter <= 0 {
		c.Jobs.StaleAfter = 30 * time.Minute
	}
	if strings.TrimSpace(c.Jobs.SweepSchedule) == "" {
		c.Jobs.SweepSchedule = "@every 1m"
	}
	if c.Jobs.ShutdownTimeout <= 0 {
		c.Jobs.ShutdownTimeout = 30 * time.Second
	}
	if c.TautulliRatePerSec <= 0 {
		c.TautulliRatePerSec = 5
	}
}

func (c Config) Validate() error {
	if len(c.JWTSecret) < 16 {
		return errors.New("JWT_SECRET must be at least 16 characters")
	}
	return nil
}
