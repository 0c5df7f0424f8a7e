package observability

import (
	"strings"

	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
)

// Apps sharing one deployment. Both report under the same service name and
// are told apart by the app field on logs and spans.
const (
	AppGateway = "gateway"
	AppSweeper = "sweeper"
)

// Config is the observability view of the process configuration.
type Config struct {
	ServiceName string
	App         string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	TraceExport   bool
	TraceEndpoint string
	TraceProtocol string
	TraceSampling float64

	// OpsRoutes are polled by health checks and scrapers. They get no spans
	// and log at debug level.
	OpsRoutes []string
}

func LoadConfig(cfg config.Config) Config {
	return Config{
		ServiceName:   orDefault(cfg.AppName, "gatekeeper"),
		App:           AppGateway,
		Environment:   strings.TrimSpace(cfg.Environment),
		Version:       strings.TrimSpace(cfg.AppVersion),
		LogLevel:      strings.ToLower(orDefault(cfg.Log.Level, "info")),
		LogFormat:     strings.ToLower(orDefault(cfg.Log.Format, "json")),
		TraceExport:   cfg.Trace.Export,
		TraceEndpoint: strings.TrimSpace(cfg.Trace.Endpoint),
		TraceProtocol: strings.ToLower(orDefault(cfg.Trace.Protocol, "grpc")),
		TraceSampling: cfg.Trace.SamplingRatio,
		OpsRoutes:     []string{"/health", "/metrics"},
	}
}

// WithApp names the running app on every log line and span.
func WithApp(name string) fx.Option {
	return fx.Decorate(func(cfg Config) Config {
		cfg.App = name
		return cfg
	})
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func orDefault(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}
