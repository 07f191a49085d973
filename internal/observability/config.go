package observability

import (
	"strings"

	"github.com/smallbiznis/cascade/internal/config"
)

// Config is the normalized telemetry setup shared by the logger, the OTLP
// meter and tracer providers, and the metrics pusher.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	TracingEnabled       bool

	MetricsPushExporter string
	MetricsPushEndpoint string
	MetricsPushToken    string
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "cascade"
	}
	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             lower(obs.LogLevel, "info"),
		LogFormat:            lower(obs.LogFormat, "json"),
		OtelEnabled:          obs.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: normalizeProtocol(obs.OTLPProtocol),
		TracingEnabled:       obs.TracesEnabled,
		MetricsPushExporter:  lower(obs.MetricsPushExporter, ""),
		MetricsPushEndpoint:  strings.TrimSpace(obs.MetricsPushEndpoint),
		MetricsPushToken:     strings.TrimSpace(obs.MetricsPushToken),
	}
}

// Debug turns on development logging: debug level, or a non-production environment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func normalizeProtocol(protocol string) string {
	switch lower(protocol, "grpc") {
	case "http", "http/protobuf":
		return "http"
	default:
		return "grpc"
	}
}

func lower(value, def string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return def
	}
	return value
}
