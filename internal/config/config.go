package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/pricing"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
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
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaHeartbeatTopic string
	KafkaEventsTopic    string

	PGDSN string

	PricingPolicy  string // flat, demand, time_of_day
	BaseFare       float64
	PerKmRate      float64
	PeakMultiplier float64
	PeakWindows    []pricing.PeakWindow

	MatchingPolicy string // nearest, highest_rated
	MatchRadiusKm  float64

	DriverShare     float64
	DefaultSpeedMps float64
	StripeEnabled   bool
	Currency        string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaHeartbeatTopic: "driver-locations",
		KafkaEventsTopic:    "ride-events",
		PricingPolicy:       "flat",
		BaseFare:            2.0,
		PerKmRate:           1.5,
		PeakMultiplier:      1.25,
		PeakWindows:         []pricing.PeakWindow{{Start: 7, End: 9}, {Start: 17, End: 19}},
		MatchingPolicy:      "nearest",
		MatchRadiusKm:       5.0,
		DriverShare:         0.75,
		DefaultSpeedMps:     10,
		Currency:            "usd",
		LogLevel:            "info",
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
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaHeartbeatTopic, "KAFKA_HEARTBEAT_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.PricingPolicy, "PRICING_POLICY")
	setFloatFromEnv(&cfg.BaseFare, "PRICING_BASE_FARE", &errs)
	setFloatFromEnv(&cfg.PerKmRate, "PRICING_PER_KM", &errs)
	setFloatFromEnv(&cfg.PeakMultiplier, "PRICING_PEAK_MULTIPLIER", &errs)
	if v := os.Getenv("PRICING_PEAK_WINDOWS"); v != "" {
		windows, err := ParsePeakWindows(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid PRICING_PEAK_WINDOWS: %w", err))
		} else {
			cfg.PeakWindows = windows
		}
	}

	setStringFromEnv(&cfg.MatchingPolicy, "MATCHING_POLICY")
	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCHING_RADIUS_KM", &errs)

	setFloatFromEnv(&cfg.DriverShare, "DRIVER_SHARE", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	cfg.StripeEnabled = strings.EqualFold(os.Getenv("STRIPE_ENABLED"), "true")
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	switch cfg.PricingPolicy {
	case "flat", "demand", "time_of_day":
	default:
		errs = append(errs, fmt.Errorf("PRICING_POLICY must be flat, demand or time_of_day"))
	}
	switch cfg.MatchingPolicy {
	case "nearest", "highest_rated":
	default:
		errs = append(errs, fmt.Errorf("MATCHING_POLICY must be nearest or highest_rated"))
	}
	if cfg.DriverShare <= 0 || cfg.DriverShare > 1 {
		errs = append(errs, fmt.Errorf("DRIVER_SHARE must be in (0,1]"))
	}
	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHING_RADIUS_KM must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ParsePeakWindows parses "7-9,17-19" into hour windows.
func ParsePeakWindows(v string) ([]pricing.PeakWindow, error) {
	parts := splitAndTrim(v)
	out := make([]pricing.PeakWindow, 0, len(parts))
	for _, p := range parts {
		bounds := strings.SplitN(p, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("window %q: want start-end", p)
		}
		start, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", p, err)
		}
		end, err := strconv.Atoi(strings.TrimSpace(bounds[1]))
		if err != nil {
			return nil, fmt.Errorf("window %q: %w", p, err)
		}
		if start < 0 || start > 23 || end < 1 || end > 24 || start >= end {
			return nil, fmt.Errorf("window %q: hours out of range", p)
		}
		out = append(out, pricing.PeakWindow{Start: start, End: end})
	}
	return out, nil
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
