// Package telemetry wires logging and tracing for a service process. The
// logger rides the context (clue/log); spans use the global OTel tracer
// provider so deployments can point OTEL_EXPORTER_OTLP_ENDPOINT at a
// collector without code changes.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const tracerName = "github.com/a-afanasyev/Infrasafe-bot-sub006"

// NewLogContext returns the root context for a service: structured logger
// with service identity fields, JSON format in non-terminal environments
// and debug logging when enabled.
func NewLogContext(service, version string, debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return log.With(ctx,
		log.KV{K: "service", V: service},
		log.KV{K: "version", V: version},
	)
}

// Span runs fn inside a span and records its duration and outcome. Use it
// around substrate scripts, store calls and outbound HTTP.
func Span(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
