package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"booru-service/internal/db"
	"booru-service/internal/domain/auth"
	"booru-service/internal/pkg/jwt"
	"booru-service/internal/pkg/session"
	"booru-service/internal/pkg/telemetry"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type AppConfig struct {
	// Server
	HTTPAddr       string
	Env            string
	AllowedOrigins []string
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For is
	// believed. Empty trusts nobody and the peer address is the client.
	TrustedProxies []string

	// Storage
	DatabaseURL string
	StoreDriver string
	Redis       db.RedisConfig

	// JWT
	JWT jwt.Config

	// Sessions
	Rotation     auth.RotationPolicy
	StoreTimeout time.Duration
	Breaker      session.BreakerConfig

	// Tracing
	Telemetry telemetry.Config

	// Accounts
	AllowRegistration bool
	BcryptCost        int
	LoginMaxAttempts  int64
	LoginWindow       time.Duration
	AdminName         string
	AdminPassword     string
}

// IsDevelopment reports whether APP_ENV selects the development profile.
func (c AppConfig) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// Load reads the environment into AppConfig. It only parses; call Validate
// before serving.
func Load() (AppConfig, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	d := &durations{v: v}

	cfg := AppConfig{
		HTTPAddr:       v.GetString("HTTP_ADDR"),
		Env:            v.GetString("APP_ENV"),
		AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		TrustedProxies: splitList(v.GetString("TRUSTED_PROXIES")),

		DatabaseURL: v.GetString("DATABASE_URL"),
		StoreDriver: strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		Redis: db.RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASS"),
			DB:       v.GetInt("REDIS_DB"),
			PoolSize: v.GetInt("REDIS_POOL_SIZE"),
		},

		JWT: jwt.Config{
			Secret:    v.GetString("JWT_SECRET"),
			PrivPath:  v.GetString("JWT_PRIVATE_KEY_PATH"),
			PubPath:   v.GetString("JWT_PUBLIC_KEY_PATH"),
			Issuer:    v.GetString("JWT_ISSUER"),
			Audience:  v.GetString("JWT_AUDIENCE"),
			KID:       v.GetString("JWT_KID"),
			AccessTTL: d.get("JWT_ACCESS_TTL"),
			Leeway:    d.get("JWT_LEEWAY"),
		},

		Rotation: auth.RotationPolicy{
			RefreshTTL:       d.get("SESSION_REFRESH_TTL"),
			RevokeOnReuse:    v.GetBool("SESSION_REVOKE_ON_REUSE"),
			EnforceIPBinding: v.GetBool("SESSION_ENFORCE_IP"),
		},
		StoreTimeout: d.get("SESSION_STORE_TIMEOUT"),
		Breaker: session.BreakerConfig{
			Failures: v.GetUint32("SESSION_BREAKER_FAILURES"),
			Cooldown: d.get("SESSION_BREAKER_COOLDOWN"),
		},

		Telemetry: telemetry.Config{
			Enabled:       v.GetBool("OTEL_ENABLED"),
			ServiceName:   v.GetString("OTEL_SERVICE_NAME"),
			Environment:   v.GetString("APP_ENV"),
			CollectorAddr: v.GetString("OTEL_COLLECTOR_ADDR"),
		},

		AllowRegistration: v.GetBool("ALLOW_REGISTRATION"),
		BcryptCost:        v.GetInt("BCRYPT_COST"),
		LoginMaxAttempts:  v.GetInt64("LOGIN_MAX_ATTEMPTS"),
		LoginWindow:       d.get("LOGIN_WINDOW"),
		AdminName:         v.GetString("ADMIN_NAME"),
		AdminPassword:     v.GetString("ADMIN_PASSWORD"),
	}

	if d.err != nil {
		return AppConfig{}, d.err
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaultDriver(cfg)
	}

	return cfg, nil
}

// Validate checks the settings the API server needs.
func (c AppConfig) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is empty"))
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("STORE_DRIVER=redis requires REDIS_ADDR"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("STORE_DRIVER=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.JWT.Secret == "" && c.JWT.PrivPath == "" {
		errs = append(errs, errors.New("set JWT_SECRET or JWT_PRIVATE_KEY_PATH"))
	}
	if c.JWT.AccessTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must be positive"))
	}
	if c.Rotation.RefreshTTL < 0 {
		errs = append(errs, errors.New("SESSION_REFRESH_TTL must not be negative"))
	}
	if c.Telemetry.Enabled && c.Telemetry.CollectorAddr == "" {
		errs = append(errs, errors.New("OTEL_ENABLED requires OTEL_COLLECTOR_ADDR"))
	}
	if (c.AdminName == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_NAME and ADMIN_PASSWORD must be set together"))
	}
	if c.StoreTimeout < 0 {
		errs = append(errs, errors.New("SESSION_STORE_TIMEOUT must not be negative"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %q is not an address or CIDR", p))
		}
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("TRUSTED_PROXIES", "")

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("STORE_DRIVER", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASS", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 10)

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_PRIVATE_KEY_PATH", "")
	v.SetDefault("JWT_PUBLIC_KEY_PATH", "")
	v.SetDefault("JWT_ISSUER", "booru")
	v.SetDefault("JWT_AUDIENCE", "booru-clients")
	v.SetDefault("JWT_KID", "")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_LEEWAY", "0s")

	v.SetDefault("SESSION_REFRESH_TTL", "720h")
	v.SetDefault("SESSION_REVOKE_ON_REUSE", true)
	v.SetDefault("SESSION_ENFORCE_IP", false)
	v.SetDefault("SESSION_STORE_TIMEOUT", "3s")
	v.SetDefault("SESSION_BREAKER_FAILURES", 5)
	v.SetDefault("SESSION_BREAKER_COOLDOWN", "10s")

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "booru-service")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")

	v.SetDefault("ALLOW_REGISTRATION", true)
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_WINDOW", "15m")
	v.SetDefault("ADMIN_NAME", "")
	v.SetDefault("ADMIN_PASSWORD", "")
}

// defaultDriver picks the most durable backend that is configured.
func defaultDriver(c AppConfig) string {
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.Redis.Addr != "":
		return StoreRedis
	default:
		return StoreMemory
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// durations parses duration keys strictly; viper's getter yields zero on a typo.
type durations struct {
	v   *viper.Viper
	err error
}

func (d *durations) get(key string) time.Duration {
	raw := strings.TrimSpace(d.v.GetString(key))
	if raw == "" {
		return 0
	}
	dur, err := time.ParseDuration(raw)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("%s: %w", key, err)
	}
	return dur
}
