package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/planner"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/ranking"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/routelock"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatcher", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Dispatch.LocationsFile != "" {
		if err := loadLocations(ctx, store, cfg.Dispatch.LocationsFile); err != nil {
			return err
		}
		logger.Info("locations loaded", "file", cfg.Dispatch.LocationsFile)
	}

	var (
		vehicles  geo.Directory
		cooldowns storage.Cooldowns
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		vehicles = geo.NewRedisDirectory(rc, cfg.RedisPrefix)
		cooldowns = storage.NewRedisCooldowns(rc, cfg.RedisPrefix, cfg.Dispatch.FixedStopCooldown)
	} else {
		vehicles = geo.NewIndex()
		cooldowns = storage.NewMemoryCooldowns(cfg.Dispatch.FixedStopCooldown)
	}

	est := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		est.Backend = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	wsreg := notify.NewWSRegistry(logging.Component(logger, "ws"))
	sinks := notify.Multi{wsreg, notify.LogSink{Logger: logger}}
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaVehicleTopic)
		defer producer.Close()
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}
	notifier := notify.NewNotifier(sinks, logging.Component(logger, "notify"))

	tieBreak, err := ranking.ParseTieBreak(cfg.Dispatch.TieBreak)
	if err != nil {
		return err
	}
	plan := planner.New(est, cooldowns, logging.Component(logger, "planner"))
	plan.FixedStopRadius = cfg.Dispatch.FixedStopRadius

	locks := routelock.New(store, logging.Component(logger, "routelock"))
	locks.Poll = cfg.Dispatch.LockPoll
	locks.StaleAfter = cfg.Dispatch.LockStale
	locks.MaxWait = cfg.Dispatch.LockMaxWait

	queues := queue.New(store, est, notifier, logging.Component(logger, "queue"))

	loop := &matcher.Loop{
		Store:        store,
		Vehicles:     vehicles,
		Ranker:       ranking.Ranker{TieBreak: tieBreak},
		Planner:      plan,
		Locks:        locks,
		Queue:        queues,
		Notifier:     notifier,
		Cost:         est,
		Logger:       logging.Component(logger, "matcher"),
		Locations:    cfg.Dispatch.Locations,
		Interval:     cfg.Dispatch.Interval,
		IdleInterval: cfg.Dispatch.IdleInterval,
		FastPass:     cfg.Dispatch.FastPass,
		Expiry:       cfg.Dispatch.Expiry,
		ClaimStale:   cfg.Dispatch.ClaimStale,
		MatchRadius:  cfg.Dispatch.MatchRadiusMeters,
		Diagnostic:   cfg.Dispatch.Diagnostic,
	}
	rebroadcast := &matcher.ReBroadcaster{
		Store:    store,
		Notifier: notifier,
		Logger:   logging.Component(logger, "rebroadcast"),
		Interval: cfg.Dispatch.RebroadcastInterval,
		After:    cfg.Dispatch.RebroadcastAfter,
	}
	svc := &rides.Service{
		Store:     store,
		Vehicles:  vehicles,
		Locks:     locks,
		Planner:   plan,
		Queue:     queues,
		Notifier:  notifier,
		Cooldowns: cooldowns,
		Logger:    logging.Component(logger, "rides"),
	}

	var pub httpapi.VehiclePublisher
	if producer != nil {
		pub = producer
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, vehicles, pub, wsreg, loop, logging.Component(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = rebroadcast.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatcher listening", "addr", cfg.HTTPAddr, "locations", cfg.Dispatch.Locations)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}

func openStore(cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
		if err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("read migration: %w", err)
		}
		if _, err := ps.DB().Exec(string(b)); err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("apply migration: %w", err)
		}
		logger.Info("migration applied", "file", "001_init.sql")
	}
	return ps, func() { _ = ps.Close() }, nil
}

// loadLocations upserts the service areas listed in a JSON file.
func loadLocations(ctx context.Context, store storage.Store, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read locations: %w", err)
	}
	var locs []models.Location
	if err := json.Unmarshal(b, &locs); err != nil {
		return fmt.Errorf("decode locations: %w", err)
	}
	for i := range locs {
		if locs[i].ID == "" {
			return fmt.Errorf("location %d has no id", i)
		}
		if err := store.PutLocation(ctx, &locs[i]); err != nil {
			return fmt.Errorf("store location %s: %w", locs[i].ID, err)
		}
	}
	return nil
}
