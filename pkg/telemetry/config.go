package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration of a deployment run.
type Config struct {
	// ServiceName identifies the deployment tool in traces and metrics.
	ServiceName string `validate:"required"`

	// ServiceVersion is the build version.
	ServiceVersion string `validate:"required"`

	// Environment names the site or stage the run belongs to.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level.
	Level string `validate:"oneof=trace debug info warn error fatal"`

	// Format is console for people at the station or json for log collection.
	Format string `validate:"oneof=console json"`

	// Writer receives log output. Nil means stderr.
	Writer io.Writer
}

// TracingConfig configures trace export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the fraction of runs traced, between 0 and 1.
	SamplingRate float64 `validate:"gte=0,lte=1"`

	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers are sent with every OTLP export.
	Headers map[string]string

	// Insecure disables TLS to the collector.
	Insecure bool
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path over HTTP while the run is active. Empty
	// disables the endpoint.
	ListenAddress string

	// TextfilePath is where metrics are written on shutdown, for a node
	// exporter textfile collector. Empty disables the file.
	TextfilePath string

	Path      string `validate:"required_with=ListenAddress"`
	Namespace string

	// DefaultHistogramBuckets are the duration buckets in seconds. Image
	// application takes minutes, so they reach an hour.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the asynchronous queue.
	BufferSize int

	// EnableAsync delivers events from a background goroutine. Synchronous
	// delivery keeps the run journal ordered with the log.
	EnableAsync bool
}

// DefaultConfig returns the configuration of an interactive run.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "osdeploy",
		ServiceVersion: "dev",
		Environment:    "station",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "osdeploy",
			DefaultHistogramBuckets: []float64{
				0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// UnattendedConfig returns the configuration of a run nobody watches: JSON
// logs for collection and metrics left behind in a textfile.
func UnattendedConfig(textfile string) *Config {
	cfg := DefaultConfig()
	cfg.Environment = "unattended"
	cfg.Logging.Format = "json"
	cfg.Metrics.TextfilePath = textfile
	cfg.Events.EnableAsync = false
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
