package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatcher process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	KafkaBrokers      []string
	KafkaVehicleTopic string
	KafkaNotifyTopic  string

	PGDSN string

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	NotifyWebhookURL string
	NotifyWebhookKey string

	LogLevel      string
	RunMigrations bool

	Dispatch DispatchConfig
}

// DispatchConfig tunes the dispatch loop, the route lock and the rebroadcast sweep.
type DispatchConfig struct {
	Interval     time.Duration
	IdleInterval time.Duration
	FastPass     time.Duration
	Expiry       time.Duration
	// ClaimStale is how long a request claim survives a crashed pass.
	ClaimStale   time.Duration

	LockPoll    time.Duration
	LockStale   time.Duration
	LockMaxWait time.Duration

	RebroadcastInterval time.Duration
	RebroadcastAfter    time.Duration

	// Locations is the working set of this process. Empty means all.
	Locations         []string
	TieBreak          string
	MatchRadiusMeters float64
	FixedStopRadius   float64
	FixedStopCooldown time.Duration
	Diagnostic        bool
	LocationsFile     string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisPrefix:       "dispatch",
		KafkaVehicleTopic: "vehicle-updates",
		KafkaNotifyTopic:  "dispatch-events",
		ETACacheTTL:       30 * time.Second,
		DefaultSpeedMps:   10,
		LogLevel:          "info",
		Dispatch: DispatchConfig{
			Interval:            5 * time.Second,
			IdleInterval:        10 * time.Second,
			FastPass:            time.Second,
			Expiry:              3 * time.Minute,
			ClaimStale:          time.Minute,
			LockPoll:            100 * time.Millisecond,
			LockStale:           10 * time.Second,
			LockMaxWait:         30 * time.Second,
			RebroadcastInterval: 15 * time.Second,
			RebroadcastAfter:    20 * time.Second,
			TieBreak:            "priority_first",
			FixedStopCooldown:   2 * time.Minute,
		},
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaVehicleTopic, "KAFKA_VEHICLE_TOPIC")
	setStringFromEnv(&cfg.KafkaNotifyTopic, "KAFKA_NOTIFY_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	d := &cfg.Dispatch
	setDurationFromEnv(&d.Interval, "DISPATCH_INTERVAL", &errs)
	setDurationFromEnv(&d.IdleInterval, "DISPATCH_IDLE_INTERVAL", &errs)
	setDurationFromEnv(&d.FastPass, "DISPATCH_FAST_PASS", &errs)
	setDurationFromEnv(&d.Expiry, "REQUEST_EXPIRY", &errs)
	setDurationFromEnv(&d.ClaimStale, "DISPATCH_CLAIM_STALE", &errs)
	setDurationFromEnv(&d.LockPoll, "ROUTE_LOCK_POLL", &errs)
	setDurationFromEnv(&d.LockStale, "ROUTE_LOCK_STALE", &errs)
	setDurationFromEnv(&d.LockMaxWait, "ROUTE_LOCK_MAX_WAIT", &errs)
	setDurationFromEnv(&d.RebroadcastInterval, "REBROADCAST_INTERVAL", &errs)
	setDurationFromEnv(&d.RebroadcastAfter, "REBROADCAST_AFTER", &errs)
	if v := os.Getenv("DISPATCH_LOCATIONS"); v != "" {
		d.Locations = splitAndTrim(v)
	}
	setStringFromEnv(&d.TieBreak, "DISPATCH_TIE_BREAK")
	setFloatFromEnv(&d.MatchRadiusMeters, "MATCH_RADIUS_METERS", &errs)
	setFloatFromEnv(&d.FixedStopRadius, "FIXED_STOP_RADIUS_METERS", &errs)
	setDurationFromEnv(&d.FixedStopCooldown, "FIXED_STOP_COOLDOWN", &errs)
	d.Diagnostic = strings.EqualFold(os.Getenv("DISPATCH_DIAGNOSTIC"), "true")
	setStringFromEnv(&d.LocationsFile, "LOCATIONS_FILE")

	errs = append(errs, d.validate()...)
	return cfg, errors.Join(errs...)
}

func (d DispatchConfig) validate() []error {
	var errs []error
	positive := []struct {
		key string
		v   time.Duration
	}{
		{"DISPATCH_INTERVAL", d.Interval},
		{"DISPATCH_IDLE_INTERVAL", d.IdleInterval},
		{"DISPATCH_FAST_PASS", d.FastPass},
		{"REQUEST_EXPIRY", d.Expiry},
		{"DISPATCH_CLAIM_STALE", d.ClaimStale},
		{"ROUTE_LOCK_POLL", d.LockPoll},
		{"ROUTE_LOCK_STALE", d.LockStale},
		{"ROUTE_LOCK_MAX_WAIT", d.LockMaxWait},
		{"REBROADCAST_INTERVAL", d.RebroadcastInterval},
		{"REBROADCAST_AFTER", d.RebroadcastAfter},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.key))
		}
	}
	if d.ClaimStale <= d.LockMaxWait {
		errs = append(errs, fmt.Errorf("DISPATCH_CLAIM_STALE must exceed ROUTE_LOCK_MAX_WAIT (%s)", d.LockMaxWait))
	}
	switch d.TieBreak {
	case "priority_first", "exclusive_first":
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_TIE_BREAK must be priority_first or exclusive_first, got %q", d.TieBreak))
	}
	if d.MatchRadiusMeters < 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_METERS must be >= 0"))
	}
	if d.FixedStopRadius < 0 {
		errs = append(errs, fmt.Errorf("FIXED_STOP_RADIUS_METERS must be >= 0"))
	}
	if d.FixedStopCooldown < 0 {
		errs = append(errs, fmt.Errorf("FIXED_STOP_COOLDOWN must be >= 0"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
