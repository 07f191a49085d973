package observability

import (
	"github.com/smallbiznis/cascade/internal/observability/logger"
	"github.com/smallbiznis/cascade/internal/observability/metrics"
	"github.com/smallbiznis/cascade/internal/observability/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
		provideTracingConfig,
		tracing.NewTracerProvider,
		providePushConfig,
		metrics.NewPusher,
	),
	fx.Invoke(ensureSchedulerMetrics),
	fx.Invoke(func(trace.TracerProvider) {}),
)

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

func ensureSchedulerMetrics(cfg metrics.Config) {
	metrics.SchedulerWithConfig(cfg)
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.OtelExporterEndpoint,
		Protocol:    cfg.OtelExporterProtocol,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	}
}

func providePushConfig(cfg Config) metrics.PushConfig {
	return metrics.PushConfig{
		Exporter:    cfg.MetricsPushExporter,
		Endpoint:    cfg.MetricsPushEndpoint,
		AuthToken:   cfg.MetricsPushToken,
		Job:         cfg.ServiceName,
		Environment: cfg.Environment,
	}
}
