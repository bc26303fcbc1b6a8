package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsOptions configures the OTLP metrics pipeline.
type MetricsOptions struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Interval    time.Duration
	Version     string
}

// InitMetrics installs a global meter provider exporting over OTLP gRPC. It
// returns a shutdown function that flushes pending points. When disabled the
// instruments stay no-ops and shutdown does nothing.
func InitMetrics(ctx context.Context, opts MetricsOptions, log zerolog.Logger) (func(context.Context) error, error) {
	if !opts.Enabled || opts.Endpoint == "" {
		log.Info().Msg("otel metrics disabled")
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(opts.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	res, err := newResource(ctx, opts)
	if err != nil {
		return nil, err
	}
	mp := NewMeterProvider(res, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)))
	otel.SetMeterProvider(mp)

	log.Info().
		Str("endpoint", opts.Endpoint).
		Str("service", opts.ServiceName).
		Dur("interval", interval).
		Msg("otel metrics initialized")
	return mp.Shutdown, nil
}

// NewMeterProvider builds an SDK meter provider over the given readers.
func NewMeterProvider(res *resource.Resource, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	mopts := make([]sdkmetric.Option, 0, len(readers)+1)
	if res != nil {
		mopts = append(mopts, sdkmetric.WithResource(res))
	}
	for _, r := range readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(mopts...)
}

func newResource(ctx context.Context, opts MetricsOptions) (*resource.Resource, error) {
	name := opts.ServiceName
	if name == "" {
		name = meterName
	}
	version := opts.Version
	if version == "" {
		version = "0.1.0"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}
