package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/rider-core/internal/config"
	httpapi "github.com/example/rider-core/internal/http"
	"github.com/example/rider-core/internal/logging"
	"github.com/example/rider-core/internal/pricing"
	"github.com/example/rider-core/internal/realtime"
	"github.com/example/rider-core/internal/ride"
	"github.com/example/rider-core/internal/routing"
	"github.com/example/rider-core/internal/storage"
	"github.com/example/rider-core/internal/store"
	"github.com/example/rider-core/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// session persistence: redis when configured, in-process otherwise
	var kv store.KV
	if cfg.RedisAddr != "" {
		rkv := store.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RideKeyPrefix)
		defer rkv.Close()
		kv = rkv
		logger.Info("session store: redis", "addr", cfg.RedisAddr)
	} else {
		kv = store.NewMemoryKV()
		logger.Info("session store: memory")
	}
	sessions := store.NewSessionStore(kv, logging.ForComponent(logger, "store"))

	var router routing.Router
	if cfg.RoutingBackend == "google" && cfg.GoogleMapsAPIKey != "" {
		gr, err := routing.NewGoogleRouter(cfg.GoogleMapsAPIKey)
		if err != nil {
			logger.Error("google maps client", "error", err)
			os.Exit(1)
		}
		router = gr
		logger.Info("routing backend: google")
	} else {
		router = routing.NewOSRMClient(cfg.OSRMEndpoint)
		logger.Info("routing backend: osrm", "endpoint", cfg.OSRMEndpoint)
	}

	var places *routing.PlacesClient
	if cfg.GoogleMapsAPIKey != "" {
		if places, err = routing.NewPlacesClient(cfg.GoogleMapsAPIKey); err != nil {
			logger.Warn("place search disabled", "error", err)
		}
	}

	var archive storage.Archive
	if cfg.PGDSN != "" {
		maybeMigrate(cfg.PGDSN, logger)
		pa, err := storage.NewPostgresArchive(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres archive", "error", err)
			os.Exit(1)
		}
		defer pa.Close()
		archive = pa
		logger.Info("ride archive: postgres")
	} else {
		archive = storage.NewMemoryArchive()
	}

	var telem ride.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := telemetry.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		telem = kp
		logger.Info("location telemetry: kafka", "topic", cfg.KafkaTopic)
	}

	channel := realtime.NewChannel(cfg.DispatchWSURL, cfg.ReconnectDelay, cfg.AckTimeout, logging.ForComponent(logger, "realtime"))
	oracle := pricing.NewOracle(logging.ForComponent(logger, "pricing"))
	pool := ride.NewNearbyDriverPool(cfg.NearbyMaxDrivers)
	refresher := routing.NewRefresher(router, cfg.RouteRefreshMinMeters, cfg.RouteRefreshInterval,
		cfg.RouteRetryAttempts, cfg.RouteRetryDelay, logging.ForComponent(logger, "routing"))

	machine := ride.NewMachine(cfg, ride.Deps{
		Channel:   channel,
		Store:     sessions,
		Oracle:    oracle,
		Pool:      pool,
		Refresher: refresher,
		Archive:   archive,
		Telemetry: telem,
		Notify: func(a ride.Alert) {
			logger.Info("user alert", "kind", a.Kind, "message", a.Message)
		},
		Logger: logging.ForComponent(logger, "ride"),
	})
	defer machine.Close()

	machine.Bind(channel)
	channel.Connect()
	defer channel.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := machine.Rehydrate(ctx); err != nil {
		logger.Warn("session rehydration failed, starting clean", "error", err)
	}

	go nearbyLoop(ctx, machine, cfg.NearbyRefreshInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(machine, pool, router, places, logging.ForComponent(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}

// nearbyLoop keeps the pre-booking driver roster fresh. The machine itself
// gates refreshes by status, so ticking unconditionally is fine.
func nearbyLoop(ctx context.Context, m *ride.Machine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.RefreshNearby()
		}
	}
}

// maybeMigrate applies the archive schema when MIGRATE=true, matching the
// deploy flow where the binary owns its table.
func maybeMigrate(dsn string, logger *slog.Logger) {
	if os.Getenv("MIGRATE") != "true" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Warn("migration db open", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_ride_archive.sql"))
	if err != nil {
		logger.Warn("migration read", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Warn("migration exec", "error", err)
	}
}
