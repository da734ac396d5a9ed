// Package telemetry traces routed requests with OpenTelemetry. One span
// covers a request from alias resolution to usage accounting.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/model-router/internal/cost"
	"github.com/felipepmaragno/model-router/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/felipepmaragno/model-router"

const (
	keyAlias         = attribute.Key("modelrouter.alias")
	keyDialect       = attribute.Key("modelrouter.dialect")
	keyRequestID     = attribute.Key("modelrouter.request_id")
	keyStream        = attribute.Key("modelrouter.stream")
	keyBinding       = attribute.Key("modelrouter.binding")
	keyBindingRole   = attribute.Key("modelrouter.binding.role")
	keyBindingForced = attribute.Key("modelrouter.binding.forced")
	keyProvider      = attribute.Key("modelrouter.provider")
	keyUpstreamModel = attribute.Key("modelrouter.upstream_model")
	keyPromptTokens  = attribute.Key("modelrouter.tokens.prompt")
	keyOutputTokens  = attribute.Key("modelrouter.tokens.completion")
	keyCacheRead     = attribute.Key("modelrouter.tokens.cache_read")
	keyCacheCreation = attribute.Key("modelrouter.tokens.cache_creation")
	keyCostUSD       = attribute.Key("modelrouter.cost_usd")
	keyLossUSD       = attribute.Key("modelrouter.cache_miss.loss_usd")
	keyCacheMiss     = attribute.Key("modelrouter.cache_miss")
)

// Config selects the exporter. An empty Endpoint keeps the global no-op
// provider.
type Config struct {
	ServiceName string
	Version     string
	Instance    string
	Endpoint    string
}

var tracer trace.Tracer = otel.Tracer(instrumentationName)

// Init installs the tracer provider and returns its shutdown.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		tracer = otel.Tracer(instrumentationName)
		slog.Info("tracing disabled", "reason", "no OTLP endpoint")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	}
	if cfg.Instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Instance))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(instrumentationName)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "instance", cfg.Instance)
	return tp.Shutdown, nil
}

// StartRequest opens the span for one routed request.
func StartRequest(ctx context.Context, rc *domain.RequestContext) (context.Context, trace.Span) {
	name := "modelrouter.complete"
	if rc.Stream {
		name = "modelrouter.stream"
	}

	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			keyAlias.String(rc.Alias),
			keyDialect.String(rc.Dialect.String()),
			keyRequestID.String(rc.RequestID),
			keyStream.Bool(rc.Stream),
		),
	)
}

// RecordBinding notes which binding served the alias. role is "primary"
// or "failover".
func RecordBinding(span trace.Span, binding, provider, model, role string, forced bool) {
	span.SetAttributes(
		keyBinding.String(binding),
		keyProvider.String(provider),
		keyUpstreamModel.String(model),
		keyBindingRole.String(role),
		keyBindingForced.Bool(forced),
	)
}

func RecordUsage(span trace.Span, u domain.Usage) {
	span.SetAttributes(
		keyPromptTokens.Int(u.PromptTokens),
		keyOutputTokens.Int(u.CompletionTokens),
		keyCacheRead.Int(u.CacheReadTokens),
		keyCacheCreation.Int(u.CacheCreationTokens),
	)
}

func RecordEstimate(span trace.Span, est cost.Estimate) {
	span.SetAttributes(
		keyCostUSD.Float64(est.IncurredUSD),
		keyLossUSD.Float64(est.LossUSD),
		keyCacheMiss.Bool(est.Qualifies),
	)
	if est.Qualifies {
		span.AddEvent("cache miss", trace.WithAttributes(keyLossUSD.Float64(est.LossUSD)))
	}
}

func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the active trace id, or "" outside a sampled span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
