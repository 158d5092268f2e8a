package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-realtime/internal/auth"
	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/eta"
	"github.com/example/ride-realtime/internal/events"
	"github.com/example/ride-realtime/internal/geo"
	httpapi "github.com/example/ride-realtime/internal/http"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/matcher"
	"github.com/example/ride-realtime/internal/relay"
	"github.com/example/ride-realtime/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadRelayConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		index   geo.Index       = geo.NewMemory()
		arbiter matcher.Arbiter = matcher.NewMemoryArbiter()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		arbiter = matcher.NewRedisArbiter(rc, cfg.ClaimTTL)
		logger.Info("using redis geo index and claims", "addr", cfg.RedisAddr)
	}

	var store storage.Store = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("schema migrated")
		}
		store = ps
	}

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaLocationTopic)
		defer kp.Close()
		pub = kp
		logger.Info("publishing events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var push dispatch.Pusher
	if cfg.PushEndpoint != "" {
		push = dispatch.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)
	}
	hub := dispatch.NewHub(cfg.WriteTimeout, push, logger)

	estimator := &eta.Chain{Fallback: eta.Straight{SpeedMps: cfg.DriverSpeedMps}, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		estimator.Primary = eta.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.Cache = eta.NewCache(cfg.ETACacheTTL)
	}

	svc := relay.NewService(relay.Config{NoDriverReason: cfg.NoDriverReply}, relay.Deps{
		Hub:       hub,
		Store:     store,
		Arbiter:   arbiter,
		Selector:  &matcher.Selector{Geo: index, RadiusM: cfg.OfferRadiusM, TopN: cfg.OfferTopN, Logger: logger, ETA: estimator},
		Geo:       index,
		Publisher: pub,
		Logger:    logger,
	})
	jwt := auth.NewJWTService(cfg.JWTSecret, cfg.JWTExpiry)
	if !jwt.Enabled() {
		logger.Warn("JWT_SECRET not set, connections are not authenticated")
	}

	api := httpapi.NewServer(ctx, svc, hub, jwt, logger)
	srv := httpapi.NewHTTPServer(cfg.HTTPAddr, api, cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout)

	go func() {
		logger.Info("ride relay listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	hub.CloseAll()
}
