package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAirQualityURL = "https://air-quality-api.open-meteo.com/v1/air-quality"
	defaultForecastURL   = "https://api.open-meteo.com/v1/forecast"
	defaultTimezone      = "America/La_Paz"
)

// Config holds environment-driven settings for the REST API and the watcher.
type Config struct {
	DatabaseURL     string
	Port            int
	BearerToken     string
	DefaultLimit    int
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	OpenMeteo OpenMeteoConfig
	Sync      SyncConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
}

// OpenMeteoConfig controls the outbound Open-Meteo clients.
type OpenMeteoConfig struct {
	AirQualityURL     string
	ForecastURL       string
	Timezone          string
	ForecastDays      int
	AirQualityTimeout time.Duration
	ForecastTimeout   time.Duration
	RetryBackoff      time.Duration
	RequestsPerSecond float64
	Burst             int
}

// SyncConfig controls the ingestion run.
type SyncConfig struct {
	MatchWindow time.Duration
	Interval    time.Duration // 0 disables the in-process scheduler
	Timeout     time.Duration // 0 means no deadline for a run
}

// RedisConfig is optional; an empty Addr disables the realtime cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// KafkaConfig is optional; no brokers disables sync event publishing.
type KafkaConfig struct {
	Brokers   []string
	SyncTopic string
}

// Enabled reports whether sync events should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load() // ignore missing file

	cfg := Config{
		Port:            8080,
		DefaultLimit:    200,
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: 10 * time.Second,
		OpenMeteo: OpenMeteoConfig{
			AirQualityURL:     envOrDefault("OPEN_METEO_AIR_QUALITY_URL", defaultAirQualityURL),
			ForecastURL:       envOrDefault("OPEN_METEO_FORECAST_URL", defaultForecastURL),
			Timezone:          envOrDefault("OPEN_METEO_TIMEZONE", defaultTimezone),
			AirQualityTimeout: 180 * time.Second,
			ForecastTimeout:   60 * time.Second,
			RetryBackoff:      3 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Sync: SyncConfig{
			MatchWindow: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Password: os.Getenv("REDIS_PASSWORD"),
			CacheTTL: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:   parseList(os.Getenv("KAFKA_BROKERS")),
			SyncTopic: envOrDefault("KAFKA_SYNC_TOPIC", "open-meteo.sync"),
		},
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid PORT: %s", portStr)
		}
	} else if portStr := os.Getenv("API_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid API_PORT: %s", portStr)
		}
	}

	if limitStr := os.Getenv("API_DEFAULT_LIMIT"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			cfg.DefaultLimit = limit
		} else {
			return cfg, fmt.Errorf("invalid API_DEFAULT_LIMIT: %s", limitStr)
		}
	}

	cfg.BearerToken = os.Getenv("API_BEARER_TOKEN")

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return cfg, fmt.Errorf("invalid LOG_FORMAT: %s", cfg.LogFormat)
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, false},
		{"OPEN_METEO_AIR_QUALITY_TIMEOUT", &cfg.OpenMeteo.AirQualityTimeout, false},
		{"OPEN_METEO_FORECAST_TIMEOUT", &cfg.OpenMeteo.ForecastTimeout, false},
		{"OPEN_METEO_RETRY_BACKOFF", &cfg.OpenMeteo.RetryBackoff, true},
		{"SYNC_MATCH_WINDOW", &cfg.Sync.MatchWindow, false},
		{"SYNC_INTERVAL", &cfg.Sync.Interval, true},
		{"SYNC_TIMEOUT", &cfg.Sync.Timeout, true},
		{"REALTIME_CACHE_TTL", &cfg.Redis.CacheTTL, false},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst, d.allowZero); err != nil {
			return cfg, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("OPEN_METEO_FORECAST_DAYS")); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 || days > 16 {
			return cfg, fmt.Errorf("invalid OPEN_METEO_FORECAST_DAYS: %s", v)
		}
		cfg.OpenMeteo.ForecastDays = days
	}

	if v := strings.TrimSpace(os.Getenv("OPEN_METEO_RPS")); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return cfg, fmt.Errorf("invalid OPEN_METEO_RPS: %s", v)
		}
		cfg.OpenMeteo.RequestsPerSecond = rps
	}

	if v := strings.TrimSpace(os.Getenv("OPEN_METEO_BURST")); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil || burst <= 0 {
			return cfg, fmt.Errorf("invalid OPEN_METEO_BURST: %s", v)
		}
		cfg.OpenMeteo.Burst = burst
	}

	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil || db < 0 {
			return cfg, fmt.Errorf("invalid REDIS_DB: %s", v)
		}
		cfg.Redis.DB = db
	}

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseDuration(key string, dst *time.Duration, allowZero bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("invalid %s: must be positive", key)
	}
	*dst = d
	return nil
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
