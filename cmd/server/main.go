package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matching"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger("dispatch-server", cfg.LogLevel)
	slog.SetDefault(logger)

	accounts := ledger.NewMemory()
	drivers := pool.New()

	coord := dispatch.New(drivers, accounts, pricingPolicy(cfg), matchingPolicy(cfg))
	coord.Logger = logger
	coord.DriverShare = cfg.DriverShare
	coord.DefaultSpeedMps = cfg.DefaultSpeedMps
	coord.ETACache = eta.NewCache(5 * time.Minute)
	if endpoint := os.Getenv("OSRM_ENDPOINT"); endpoint != "" {
		coord.ETAClient = eta.NewOSRMClient(endpoint)
	}

	var index geo.LocationIndex = geo.NewIndex()
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	hub := events.NewHub()
	sinks := events.Fanout{&events.LogSink{Logger: logger}, hub}
	var kafkaSink *events.KafkaSink
	var heartbeats *ingest.HeartbeatProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink = events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		sinks = append(sinks, kafkaSink)
		heartbeats = ingest.NewHeartbeatProducer(cfg.KafkaBrokers, cfg.KafkaHeartbeatTopic)
		logger.Info("kafka wired", "brokers", cfg.KafkaBrokers,
			"events_topic", cfg.KafkaEventsTopic, "heartbeat_topic", cfg.KafkaHeartbeatTopic)
	}
	coord.Sink = sinks

	coord.Archive = storage.NewMemoryArchive()
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		archive, err := storage.NewPostgresArchive(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres archive unavailable", "error", err)
			os.Exit(1)
		}
		coord.Archive = archive
		logger.Info("ride archive wired")
	}

	if cfg.StripeEnabled {
		coord.Processor = payments.NewStripeProcessor(cfg.Currency)
		logger.Info("stripe processor wired", "currency", cfg.Currency)
	}

	api := httpapi.NewServer(logger, coord, drivers, accounts, index, heartbeats, hub)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if kafkaSink != nil {
		_ = kafkaSink.Close()
	}
	if heartbeats != nil {
		_ = heartbeats.Close()
	}
}

func pricingPolicy(cfg config.ServerConfig) pricing.Policy {
	switch cfg.PricingPolicy {
	case "demand":
		return pricing.DemandScaled{BaseFare: cfg.BaseFare, PerKm: cfg.PerKmRate}
	case "time_of_day":
		return pricing.TimeOfDayScaled{
			BaseFare:       cfg.BaseFare,
			PerKm:          cfg.PerKmRate,
			PeakMultiplier: cfg.PeakMultiplier,
			Windows:        cfg.PeakWindows,
		}
	default:
		return pricing.Flat{BaseFare: cfg.BaseFare, PerKm: cfg.PerKmRate}
	}
}

func matchingPolicy(cfg config.ServerConfig) matching.Policy {
	if cfg.MatchingPolicy == "highest_rated" {
		return matching.HighestRated{MaxRadiusKm: cfg.MatchRadiusKm}
	}
	return matching.Nearest{}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
