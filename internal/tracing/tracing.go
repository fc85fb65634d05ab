// Package tracing wires OpenTelemetry into both binaries and bridges
// span context through the envelope's trace block, since AMQP carries
// no ambient propagation headers of its own.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/arrakis/gateway/internal/envelope"
)

// Init installs the global tracer provider. An empty endpoint keeps
// spans in-process (no exporter), which is what dev and test want.
// The returned shutdown flushes pending spans.
func Init(serviceName, endpoint string) (func(context.Context) error, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	if endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// SpanTrace captures the current span's identity as an envelope trace
// block. Without a recording span it falls back to fresh random ids,
// so correlation survives even when tracing is not installed.
func SpanTrace(ctx context.Context) envelope.Trace {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() || !sc.HasSpanID() {
		return NewTrace()
	}
	return envelope.Trace{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewTrace builds a trace block with random ids.
func NewTrace() envelope.Trace {
	var tid [16]byte
	var sid [8]byte
	_, _ = rand.Read(tid[:])
	_, _ = rand.Read(sid[:])
	return envelope.Trace{
		TraceID: hex.EncodeToString(tid[:]),
		SpanID:  hex.EncodeToString(sid[:]),
	}
}

// WithRemote reconstructs the producer's span context from an envelope
// so worker spans join the trace the ingest side started. Undecodable
// ids leave the context unchanged.
func WithRemote(ctx context.Context, t envelope.Trace) context.Context {
	tid, err := trace.TraceIDFromHex(t.TraceID)
	if err != nil {
		return ctx
	}
	sid, err := trace.SpanIDFromHex(t.SpanID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
