package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for one converge process.
type Config struct {
	// ServiceName is the name reported on spans.
	ServiceName string

	// ServiceVersion is the version reported on spans.
	ServiceVersion string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Tracing contains span export configuration.
	Tracing TracingConfig

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// JSON selects JSON lines instead of console output.
	JSON bool

	// Output is stdout, stderr or a file path.
	Output string
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is none, stdout or otlp.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// Insecure disables TLS for the OTLP connection.
	Insecure bool

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64

	// ExportTimeout bounds a single batch export.
	ExportTimeout time.Duration
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Addr is the listen address for the metrics endpoint. Empty disables
	// the HTTP server; metrics are still collected.
	Addr string

	// Path is the HTTP path for metrics (default: /metrics).
	Path string

	// Namespace is the metrics namespace prefix.
	Namespace string
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "converge",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "converge",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("unsupported trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0.0 and 1.0")
	}

	if c.Metrics.Addr != "" && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when metrics are served")
	}

	return nil
}
