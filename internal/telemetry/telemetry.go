package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "arcline"

// LogOptions configures NewLogger.
type LogOptions struct {
	Format string // "console" (default) or "json"
	Level  string // zerolog level name, default "info"
	Out    io.Writer
}

// NewLogger builds the process logger.
func NewLogger(opts LogOptions) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	if !strings.EqualFold(opts.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Counter returns an int64 counter from the global meter provider. Until an
// SDK provider is installed the counter is a no-op.
func Counter(name, description string) metric.Int64Counter {
	c, err := otel.Meter(meterName).Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter(name)
	}
	return c
}

// UpDownCounter returns an int64 up/down counter from the global meter provider.
func UpDownCounter(name, description string) metric.Int64UpDownCounter {
	c, err := otel.Meter(meterName).Int64UpDownCounter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(meterName).Int64UpDownCounter(name)
	}
	return c
}
