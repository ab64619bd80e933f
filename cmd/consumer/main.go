package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var consumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consumer_messages_total",
	Help: "Vehicle update messages read from kafka by outcome",
}, []string{"outcome"})

const (
	outcomeStored  = "stored"
	outcomeInvalid = "invalid"
	outcomeFailed  = "failed"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":2112", "listen address for /metrics, /healthz and /ready")
	group := flag.String("group", "ride-dispatch-consumer", "kafka consumer group")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if v := os.Getenv("KAFKA_GROUP"); v != "" {
		*group = v
	}
	if err := run(cfg, *metricsAddr, *group, logger); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, metricsAddr, group string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
	defer rc.Close()

	ops := http.NewServeMux()
	ops.Handle("/metrics", promhttp.Handler())
	ops.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ops.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	opsSrv := &http.Server{Addr: metricsAddr, Handler: ops, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server stopped", "addr", metricsAddr, "error", err)
		}
	}()
	defer opsSrv.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaVehicleTopic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	c := &consumer{dir: geo.NewRedisDirectory(rc, cfg.RedisPrefix), logger: logger, attempts: 3, delay: 200 * time.Millisecond}
	logger.Info("consuming vehicle updates", "topic", cfg.KafkaVehicleTopic, "brokers", brokers, "group", group)

	wait := time.Second
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("kafka read failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			wait = min(wait*2, 30*time.Second)
			continue
		}
		wait = time.Second
		c.handle(ctx, m.Offset, m.Value)
	}
}

// VehicleUpserter is the part of the vehicle directory the consumer writes to.
type VehicleUpserter interface {
	Upsert(ctx context.Context, v models.Vehicle) error
}

type consumer struct {
	dir      VehicleUpserter
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

// handle stores one message and returns the outcome label it counted.
func (c *consumer) handle(ctx context.Context, offset int64, payload []byte) string {
	v, err := decodeVehicle(payload)
	if err != nil {
		consumed.WithLabelValues(outcomeInvalid).Inc()
		c.logger.Warn("dropping malformed vehicle update", "offset", offset, "error", err)
		return outcomeInvalid
	}
	if err := upsertWithRetry(ctx, c.dir, v, c.attempts, c.delay); err != nil {
		consumed.WithLabelValues(outcomeFailed).Inc()
		c.logger.Error("vehicle update not stored", "offset", offset, "driver_id", v.DriverID, "error", err)
		return outcomeFailed
	}
	consumed.WithLabelValues(outcomeStored).Inc()
	observability.VehicleUpdates.WithLabelValues("kafka").Inc()
	return outcomeStored
}

func decodeVehicle(b []byte) (models.Vehicle, error) {
	var v models.Vehicle
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decode vehicle: %w", err)
	}
	if v.DriverID == "" || v.LocationID == "" {
		return v, errors.New("driver_id and location_id are required")
	}
	if v.Updated.IsZero() {
		v.Updated = time.Now()
	}
	return v, nil
}

// upsertWithRetry writes v with doubling delays between attempts.
func upsertWithRetry(ctx context.Context, dir VehicleUpserter, v models.Vehicle, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = dir.Upsert(ctx, v); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
