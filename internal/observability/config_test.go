package observability

import (
	"testing"

	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(config.Config{Environment: "production", AppVersion: "1.2.3"})
	if cfg.ServiceName != "gatekeeper" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.App != AppGateway {
		t.Fatalf("expected gateway app by default, got %q", cfg.App)
	}
	if cfg.TraceExport {
		t.Fatalf("span export should be opt-in")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" || cfg.TraceProtocol != "grpc" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Debug() {
		t.Fatalf("production at info level should not be debug")
	}
	if cfg.Version != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %q", cfg.Version)
	}
	if len(cfg.OpsRoutes) != 2 {
		t.Fatalf("expected health and metrics as ops routes, got %v", cfg.OpsRoutes)
	}
}

func TestLoadConfigNormalizesProcessSettings(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppName:     " gatekeeper-staging ",
		Environment: "staging",
		Log:         config.LogConfig{Level: " DEBUG ", Format: "Console"},
		Trace:       config.TraceConfig{Export: true, Endpoint: " otel:4318 ", Protocol: "HTTP", SamplingRatio: 0.5},
	})
	if cfg.ServiceName != "gatekeeper-staging" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "console" {
		t.Fatalf("log settings = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if !cfg.TraceExport || cfg.TraceEndpoint != "otel:4318" || cfg.TraceProtocol != "http" || cfg.TraceSampling != 0.5 {
		t.Fatalf("trace settings = %+v", cfg)
	}
	if !cfg.Debug() {
		t.Fatalf("debug level should enable debug")
	}
}

func TestDebugInDevelopment(t *testing.T) {
	cfg := Config{Environment: "development", LogLevel: "info"}
	if !cfg.Debug() {
		t.Fatalf("development should enable debug")
	}
}

func TestWithAppNamesSweeper(t *testing.T) {
	var got Config
	app := fxtest.New(t,
		fx.Supply(config.Config{Environment: "production"}),
		fx.Provide(LoadConfig),
		WithApp(AppSweeper),
		fx.Populate(&got),
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx app: %v", err)
	}

	if got.App != AppSweeper {
		t.Fatalf("expected sweeper app, got %q", got.App)
	}
	if lc := loggerConfig(got); lc.App != AppSweeper {
		t.Fatalf("logger config app = %q", lc.App)
	}
	if tc := tracingConfig(got); tc.App != AppSweeper {
		t.Fatalf("tracing config app = %q", tc.App)
	}
}
