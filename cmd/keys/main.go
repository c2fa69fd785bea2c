package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/parlor-chat/parlor/internal/authz"
	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/keyring"
	"github.com/parlor-chat/parlor/internal/observability/logging"
	"github.com/parlor-chat/parlor/internal/observability/metrics"
	"github.com/parlor-chat/parlor/internal/store"
	transport "github.com/parlor-chat/parlor/internal/transport/http"
)

func main() {
	cfg := config.LoadKeys()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "keys",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("keys")

	logger.Info("starting service")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	if err := store.AutoMigrate(db); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}
	st := store.New(db)

	svc := keyring.New(st, keyring.Options{
		PreKeyTTL:          cfg.PreKeyTTL,
		UsedKeyRetention:   cfg.UsedKeyRetention,
		MaxPreKeysPerBatch: cfg.MaxPreKeysPerBatch,
	})

	verifier, err := newVerifier(cfg.HS256Secret, cfg.JWKSURL, cfg.Issuer, logger)
	if err != nil {
		logger.Error("init verifier", "error", err)
		os.Exit(1)
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	svc.StartSweeper(sweepCtx, cfg.SweepInterval, logger)

	router := transport.NewKeysRouter(transport.KeysRouterConfig{
		Keyring:     svc,
		Store:       st,
		Verifier:    verifier,
		CORSOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("keys service listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	stopSweeper()
	logger.Info("shutdown complete")
}

// newVerifier picks HS256 when a shared secret is configured and falls
// back to the issuer's JWKS endpoint otherwise.
func newVerifier(secret, jwksURL, issuer string, logger *slog.Logger) (authz.Verifier, error) {
	if secret != "" {
		logger.Info("token verification via shared HS256 secret")
		return authz.NewHMACVerifier(secret, issuer), nil
	}
	logger.Info("token verification via JWKS", "url", jwksURL)
	v, err := authz.NewJWKSVerifier(context.Background(), jwksURL, issuer)
	if err != nil {
		return nil, err
	}
	return v, nil
}
