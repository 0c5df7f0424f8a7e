package observability

import (
	"github.com/smallbiznis/gatekeeper/internal/observability/logger"
	"github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	"github.com/smallbiznis/gatekeeper/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires logging, tracing and metrics for either app. The sweep and
// ingress collectors are registered eagerly so /metrics exposes them before
// the first event.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		loggerConfig,
		logger.New,
		tracingConfig,
		tracing.NewProvider,
		metricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(registerReconcileMetrics),
)

func loggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		App:                 cfg.App,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func tracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.TraceExport,
		ServiceName:      cfg.ServiceName,
		App:              cfg.App,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.TraceEndpoint,
		ExporterProtocol: cfg.TraceProtocol,
		SamplingRatio:    cfg.TraceSampling,
	}
}

func metricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.TraceExport,
		ExporterEndpoint: cfg.TraceEndpoint,
		ExporterProtocol: cfg.TraceProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

func registerReconcileMetrics(cfg metrics.Config) {
	metrics.SchedulerWithConfig(cfg)
}
