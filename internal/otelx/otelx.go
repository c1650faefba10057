// Package otelx installs the global OpenTelemetry tracer provider and
// propagators.
package otelx

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/user-service/internal/xerrors"
)

const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

type Options struct {
	Enabled bool
	// Exporter is ExporterOTLP (default) or ExporterStdout.
	Exporter   string
	Endpoint   string
	Insecure   bool
	Sample     float64
	Service    string
	Version    string
	LaunchMode string
	// Writer receives stdout exporter output; defaults to os.Stdout.
	Writer io.Writer
}

// Init installs a tracer provider and returns its shutdown. When disabled the
// provider samples nothing, so spans are cheap but ids still propagate.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}

	exp, err := newExporter(ctx, o)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.Service),
			semconv.ServiceVersionKey.String(o.Version),
			attribute.String("app.launch_mode", o.LaunchMode),
		),
	)
	if err != nil && res == nil {
		// partial detector failures still return a usable resource
		return nil, xerrors.Wrap(err, "build trace resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	switch o.Exporter {
	case ExporterStdout:
		w := o.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, xerrors.Wrap(err, "create stdout trace exporter")
		}
		return exp, nil
	case "", ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
		if o.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		// the collector is local; do not let startup hang on it
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		exp, err := otlptracegrpc.New(dialCtx, opts...)
		if err != nil {
			return nil, xerrors.Wrapf(err, "create otlp trace exporter for %s", o.Endpoint)
		}
		return exp, nil
	default:
		return nil, xerrors.Newf("unknown trace exporter %q", o.Exporter)
	}
}
