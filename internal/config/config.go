package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds process configuration read from the environment.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	Log     LogConfig
	Trace   TraceConfig
	Discord DiscordConfig
	Redis   RedisConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// TraceConfig controls span export. Spans are recorded either way.
type TraceConfig struct {
	Export        bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

type DiscordConfig struct {
	Token string
}

// RedisConfig enables the sweep lease and the direct-message throttle.
// Both are skipped when Addr is empty.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DMRate              float64
	DMBurst             int
	SweepLeaseTTLSecond int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "gatekeeper"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Log: LogConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "json"),
		},
		Trace: TraceConfig{
			Export:        getenvBool("OTEL_ENABLED", false),
			Endpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
			Protocol:      getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 1),
		},
		Discord: DiscordConfig{
			Token: strings.TrimSpace(getenv("DISCORD_TOKEN", "")),
		},
		Redis: RedisConfig{
			Addr:                strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:            strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:                  getenvInt("REDIS_DB", 0),
			DMRate:              getenvFloat("DM_RATE_PER_SECOND", 0.5),
			DMBurst:             getenvInt("DM_BURST", 5),
			SweepLeaseTTLSecond: getenvInt("SWEEP_LEASE_TTL_SECONDS", 900),
		},
	}
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
