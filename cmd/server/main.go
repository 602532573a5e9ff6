/*
main.go - Application entry point

PURPOSE:
  Wires the service: configuration, datastore, caches, security
  services, fraud engine, alert router, metrics, the ledger engine,
  the integrity monitor and the HTTP server. Handles graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env honored in development)
  2. Open the datastore (PostgreSQL when DATABASE_URL is set,
     SQLite otherwise)
  3. Connect the optional backends (Redis caches, AMQP alerts);
     absent backends degrade to in-memory / log implementations
  4. Build the engine, start the integrity monitor and the balance
     gauge updater
  5. Serve HTTP until SIGINT/SIGTERM, then drain (30s timeout)

SEE ALSO:
  - api/server.go: route table
  - ledger/engine.go: the transaction pipeline
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brasa/corebank/alerts"
	"github.com/brasa/corebank/api"
	"github.com/brasa/corebank/cache"
	"github.com/brasa/corebank/config"
	"github.com/brasa/corebank/fraud"
	"github.com/brasa/corebank/ledger"
	"github.com/brasa/corebank/metrics"
	"github.com/brasa/corebank/security"
	"github.com/brasa/corebank/store/postgres"
	"github.com/brasa/corebank/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	// Datastore. Both implementations also back the CPF token vault.
	var (
		store      ledger.Store
		tokenStore security.TokenStore
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		store, tokenStore = pg, pg
		log.Info("datastore ready", zap.String("backend", "postgres"))
	} else {
		sq, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		defer sq.Close()
		store, tokenStore = sq, sq
		log.Info("datastore ready", zap.String("backend", "sqlite"), zap.String("path", cfg.SQLitePath))
	}

	// Caches: Redis when configured, in-memory otherwise.
	var (
		idem          ledger.IdempotencyCache
		balances      ledger.BalanceCache
		dayTotals     ledger.DayTotalCache
		revocations   cache.RevocationList
		loginLimiter  cache.RateLimiter
		globalLimiter cache.RateLimiter
		cachePing     cache.Pinger
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cachePing = cache.NewRedisPinger(rdb)
		idem = cache.NewRedisIdempotency(rdb, cfg.IdempotencyTTL)
		balances = cache.NewRedisBalances(rdb)
		dayTotals = cache.NewRedisDayTotals(rdb)
		revocations = cache.NewRedisRevocations(rdb)
		loginLimiter = cache.NewRedisRateLimiter(rdb, "login", int64(cfg.LoginRateLimit), cfg.LoginRateWindow)
		globalLimiter = cache.NewRedisRateLimiter(rdb, "global", int64(cfg.GlobalRateLimit), cfg.GlobalRateWindow)
		log.Info("cache ready", zap.String("backend", "redis"), zap.String("addr", cfg.RedisAddr))
	} else {
		idem = cache.NewMemoryIdempotency(cfg.IdempotencyTTL)
		balances = cache.NewMemoryBalances()
		dayTotals = cache.NewMemoryDayTotals()
		revocations = cache.NewMemoryRevocations()
		loginLimiter = cache.NewMemoryRateLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow)
		globalLimiter = cache.NewMemoryRateLimiter(cfg.GlobalRateLimit, cfg.GlobalRateWindow)
		log.Info("cache ready", zap.String("backend", "memory"))
	}

	// Alerts: AMQP when configured, structured log otherwise.
	var alertRouter ledger.AlertRouter = alerts.NewLogRouter(log)
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer conn.Close()
		router, err := alerts.NewAMQPRouter(conn, "corebank.alerts", log)
		if err != nil {
			return fmt.Errorf("amqp exchange: %w", err)
		}
		defer router.Close()
		alertRouter = router
		log.Info("alert router ready", zap.String("backend", "amqp"))
	}

	// Security services.
	crypto, err := security.NewCrypto(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}
	vault := security.NewVault(tokenStore, crypto)
	identity := security.NewIdentity(crypto, vault, cfg.TOTPIssuer)
	tokens := security.NewTokenIssuer(cfg.JWTSecret, cfg.TOTPIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	mtr := metrics.New()

	engine := ledger.NewEngine(ledger.Deps{
		Store:       store,
		Idempotency: idem,
		Balances:    balances,
		DayTotals:   dayTotals,
		Fraud:       fraud.NewEngine(),
		Alerts:      alertRouter,
		OTP:         security.NewTOTP(),
		Identity:    identity,
		Log:         log,
		Config: ledger.Config{
			MFAThreshold: cfg.MFAThreshold,
			KYCThreshold: cfg.KYCThreshold,
			AMLThreshold: cfg.AMLThreshold,
			BalanceTTL:   cfg.BalanceTTL,
			PixDayTTL:    24 * time.Hour,
		},
		Hooks: ledger.Hooks{
			TransactionCommitted: mtr.ObserveTransaction,
			FraudEvaluated:       mtr.ObserveFraud,
		},
	})

	integrityState := &ledger.IntegrityState{}
	monitor := &ledger.Monitor{
		Store:    store,
		Alerts:   alertRouter,
		Log:      log,
		Interval: cfg.IntegrityInterval,
		OnResult: func(report ledger.IntegrityReport) {
			integrityState.Record(report)
			mtr.ObserveIntegrity(report)
		},
	}
	go monitor.Run(ctx)
	go updateBalanceGauge(ctx, store, mtr, log)

	server := api.NewServer(api.Deps{
		Engine:        engine,
		Store:         store,
		Tokens:        tokens,
		Revocations:   revocations,
		LoginLimiter:  loginLimiter,
		GlobalLimiter: globalLimiter,
		CachePing:     cachePing,
		Integrity:     integrityState,
		Metrics:       mtr,
		Log:           log,
		TOTPIssuer:    cfg.TOTPIssuer,
		CORSOrigins:   cfg.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// updateBalanceGauge refreshes the customer-balance gauge once a
// minute. Observability only; the ledger is the source of truth.
func updateBalanceGauge(ctx context.Context, store ledger.Store, mtr *metrics.Metrics, log *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, err := store.TotalBalance(ctx)
			if err != nil {
				log.Warn("total balance refresh failed", zap.Error(err))
				continue
			}
			f, _ := total.Decimal().Float64()
			mtr.TotalBalance.Set(f)
		}
	}
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}
