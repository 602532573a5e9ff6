// Package config loads service configuration from the environment,
// with a .env file honored in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/brasa/corebank/ledger"
)

type Config struct {
	Port        int
	DatabaseURL string // postgres DSN; empty selects SQLite
	SQLitePath  string
	RedisAddr   string // empty selects the in-memory caches
	AMQPURL     string // empty selects the log-backed alert router
	LogLevel    string

	JWTSecret     string
	EncryptionKey string
	TOTPIssuer    string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	MFAThreshold ledger.Money
	KYCThreshold ledger.Money
	AMLThreshold ledger.Money

	IdempotencyTTL    time.Duration
	BalanceTTL        time.Duration
	IntegrityInterval time.Duration

	LoginRateLimit   int
	LoginRateWindow  time.Duration
	GlobalRateLimit  int
	GlobalRateWindow time.Duration

	CORSOrigins []string
}

// Load reads the environment. A missing .env is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:        envInt("PORT", 8080),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envStr("SQLITE_PATH", "corebank.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		AMQPURL:     os.Getenv("AMQP_URL"),
		LogLevel:    envStr("LOG_LEVEL", "info"),

		JWTSecret:     envStr("JWT_SECRET", "dev-jwt-secret"),
		EncryptionKey: envStr("ENCRYPTION_KEY", "dev-encryption-key"),
		TOTPIssuer:    envStr("TOTP_ISSUER", "corebank"),

		AccessTokenTTL:  envDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTokenTTL: envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),

		IdempotencyTTL:    envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		BalanceTTL:        envDuration("BALANCE_CACHE_TTL", 60*time.Second),
		IntegrityInterval: envDuration("INTEGRITY_INTERVAL", 300*time.Second),

		LoginRateLimit:   envInt("LOGIN_RATE_LIMIT", 5),
		LoginRateWindow:  envDuration("LOGIN_RATE_WINDOW", 60*time.Second),
		GlobalRateLimit:  envInt("GLOBAL_RATE_LIMIT", 100),
		GlobalRateWindow: envDuration("GLOBAL_RATE_WINDOW", 60*time.Second),

		CORSOrigins: envList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
	}

	var err error
	if cfg.MFAThreshold, err = envMoney("MFA_THRESHOLD", "1000.00"); err != nil {
		return cfg, err
	}
	if cfg.KYCThreshold, err = envMoney("KYC_THRESHOLD", "5000.00"); err != nil {
		return cfg, err
	}
	if cfg.AMLThreshold, err = envMoney("AML_THRESHOLD", "10000.00"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envMoney(key, def string) (ledger.Money, error) {
	raw := envStr(key, def)
	m, err := ledger.MoneyFromString(raw)
	if err != nil {
		return ledger.Money{}, fmt.Errorf("config: %s=%q: %w", key, raw, err)
	}
	return m, nil
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
