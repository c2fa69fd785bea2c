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
	"github.com/parlor-chat/parlor/internal/bus"
	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/delivery"
	"github.com/parlor-chat/parlor/internal/ephemeral"
	"github.com/parlor-chat/parlor/internal/gateway"
	"github.com/parlor-chat/parlor/internal/observability/logging"
	"github.com/parlor-chat/parlor/internal/observability/metrics"
	"github.com/parlor-chat/parlor/internal/presence"
	"github.com/parlor-chat/parlor/internal/store"
	transport "github.com/parlor-chat/parlor/internal/transport/http"
)

const ephemeralBucket = "parlor-ephemeral"

func main() {
	cfg := config.LoadGateway()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "gateway",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("gateway")

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

	// Fan-out plane and presence markers ride NATS when configured so
	// every gateway instance of the deployment sees every event. The
	// in-process fallback is for single-instance and local runs.
	var (
		fanout bus.Bus
		eph    ephemeral.Store
	)
	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL, "parlor-gateway")
		if err != nil {
			logger.Error("nats connect", "error", err)
			os.Exit(1)
		}
		fanout = bus.NewNATS(nc)

		js, err := nc.JetStream()
		if err != nil {
			logger.Error("jetstream init", "error", err)
			os.Exit(1)
		}
		// Bucket TTL is the server-side backstop for markers from dead
		// gateways; reads already honor the per-key deadline.
		kv, err := ephemeral.OpenBucket(js, ephemeralBucket, 2*cfg.PresenceTTL)
		if err != nil {
			logger.Error("open ephemeral bucket", "error", err)
			os.Exit(1)
		}
		eph = kv
		logger.Info("fan-out via nats", "url", cfg.NATSURL)
	} else {
		mem := bus.NewMemory(cfg.SendBuffer)
		fanout = mem
		eph = ephemeral.NewMemory(30 * time.Second)
		logger.Warn("fan-out is in-process only, set GATEWAY_NATS_URL for multi-instance deployments")
	}

	del := delivery.New(st, fanout, logger, delivery.Options{
		DefaultTTL:      cfg.MessageTTL,
		OfflinePageSize: cfg.OfflinePageSize,
		ScrubOnDelete:   cfg.ScrubOnDelete,
	})
	pres := presence.New(eph, fanout, logger, cfg.PresenceTTL, cfg.TypingTTL)

	verifier, err := newVerifier(cfg.HS256Secret, cfg.JWKSURL, cfg.Issuer, logger)
	if err != nil {
		logger.Error("init verifier", "error", err)
		os.Exit(1)
	}

	gw := gateway.New(gateway.NewRegistry(), del, pres, st, verifier, fanout, logger, gateway.Config{
		SendBuffer: cfg.SendBuffer,
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		ReadLimit:  cfg.ReadLimit,
	})
	if err := gw.Start(); err != nil {
		logger.Error("subscribe fan-out", "error", err)
		os.Exit(1)
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	del.StartSweeper(sweepCtx, cfg.SweepInterval, logger)

	router := transport.NewGatewayRouter(transport.GatewayRouterConfig{
		Gateway:     gw,
		Delivery:    del,
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
		logger.Info("gateway listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	logger.Info("shutting down", "signal", sig.String())

	// Tell connected sockets to move before the listener goes away.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	gw.Drain(drainCtx)
	cancelDrain()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	stopSweeper()
	gw.Close()
	fanout.Close()
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
