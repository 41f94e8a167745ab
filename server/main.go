package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"collabcanvas/internal/analytics"
	"collabcanvas/internal/bridge"
	"collabcanvas/internal/collab"
	"collabcanvas/internal/config"
	"collabcanvas/internal/discovery"
	"collabcanvas/internal/httpapi"
	"collabcanvas/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logrus.Fatalf("Could not load configuration: %v", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("Could not configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []collab.Option{
		collab.WithLogger(log),
		collab.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	}
	checks := map[string]httpapi.Check{}

	// --- Connect to Redis ---
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("Connected to Redis, fan-out across instances enabled")
		opts = append(opts, collab.WithBridge(bridge.NewRedis(rdb, cfg.RedisPrefix, log)))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// --- Connect to PostgreSQL ---
	var recorder *analytics.Recorder
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("Unable to reach database: %v", err)
		}
		log.Info("Connected to PostgreSQL, recording collaboration activity")
		recorder = analytics.NewRecorder(pool, cfg.AnalyticsBuffer, log)
		opts = append(opts, collab.WithRecorder(recorder))
		checks["postgres"] = pool.Ping
	}

	m := collab.NewManager(opts...)
	go m.RunSweeper(ctx, cfg.SweepInterval)

	router := httpapi.NewRouter(httpapi.Deps{
		Manager: m,
		Collab:  collab.NewHandler(m, cfg.WS(), cfg.AllowedOrigins, log),
		Checks:  checks,
		Log:     log,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNSService != "" {
		port, err := discovery.PortFromAddr(cfg.Addr)
		if err != nil {
			log.Fatalf("Could not advertise relay: %v", err)
		}
		adv, err := discovery.Advertise(cfg.MDNSService, port)
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement disabled")
		} else {
			defer adv.Shutdown()
			log.WithField("service", cfg.MDNSService).Info("Advertising relay over mDNS")
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Canvas relay starting on %s...", cfg.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	// Hijacked WebSocket connections are not tracked by Shutdown.
	m.Close()
	if recorder != nil {
		recorder.Close()
	}
}
