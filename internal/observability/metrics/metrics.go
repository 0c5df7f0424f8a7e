package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes onboarding action instruments.
type Metrics struct {
	actions     metric.Int64Counter
	dmThrottled metric.Int64Counter
	resolutions metric.Int64Counter
}

// Action names recorded by the executor.
const (
	ActionWelcome    = "welcome"
	ActionPrompt     = "prompt"
	ActionRoleGrant  = "role_grant"
	ActionRoleRemove = "role_remove"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the onboarding instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "gatekeeper"
	}
	meter := provider.Meter(name)

	actions, err := meter.Int64Counter("gatekeeper_onboarding_actions_total")
	if err != nil {
		return nil, err
	}
	dmThrottled, err := meter.Int64Counter("gatekeeper_dm_throttled_total")
	if err != nil {
		return nil, err
	}
	resolutions, err := meter.Int64Counter("gatekeeper_member_resolutions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		actions:     actions,
		dmThrottled: dmThrottled,
		resolutions: resolutions,
	}, nil
}

// RecordAction counts one executor side effect.
func (m *Metrics) RecordAction(ctx context.Context, action string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	attrs := FilterAttributes(
		attribute.String("action", strings.TrimSpace(action)),
		attribute.String("outcome", outcome),
	)
	m.actions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDMThrottled counts direct messages refused by the rate limiter.
func (m *Metrics) RecordDMThrottled(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.dmThrottled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordResolution counts resolved member states.
func (m *Metrics) RecordResolution(ctx context.Context, state string, inconsistent bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("state", strings.TrimSpace(state)),
		attribute.Bool("inconsistent", inconsistent),
	)
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"action":       {},
	"outcome":      {},
	"reason":       {},
	"state":        {},
	"inconsistent": {},
	"event_type":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
