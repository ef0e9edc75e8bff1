package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrLeaseID    = attribute.Key("lease.id")
	AttrLeaseTo    = attribute.Key("lease.to_state")
	AttrCartridge  = attribute.Key("cartridge.ref")
	AttrStage      = attribute.Key("insertion.stage")
	AttrStageName  = attribute.Key("insertion.stage_name")
	AttrCeremonyID = attribute.Key("ceremony.id")
)

// Tracer starts the governance spans: one per insertion run, one per
// ceremony step and one per committed lease transition.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer. A disabled config yields a provider without an
// exporter, so spans are cheap and never leave the process.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = otlpExporter(cfg, serviceName+"/"+serviceVersion)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func otlpExporter(cfg TracingConfig, userAgent string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// StartInsertionSpan starts the span covering one insertion pipeline run.
func (t *Tracer) StartInsertionSpan(ctx context.Context, cartridgeRef string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "insertion.run", trace.WithAttributes(AttrCartridge.String(cartridgeRef)))
}

// StartCeremonySpan starts the span for one ceremony step.
func (t *Tracer) StartCeremonySpan(ctx context.Context, ceremonyID, leaseID, step string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "ceremony."+step, trace.WithAttributes(
		AttrCeremonyID.String(ceremonyID),
		AttrLeaseID.String(leaseID),
	))
}

// StartTransitionSpan starts the span for a lease state write.
func (t *Tracer) StartTransitionSpan(ctx context.Context, leaseID, to string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "lease.transition", trace.WithAttributes(
		AttrLeaseID.String(leaseID),
		AttrLeaseTo.String(to),
	))
}

// AddStageEvent records the outcome of one insertion stage on the run span.
func AddStageEvent(span trace.Span, stage int, name, outcome string) {
	span.AddEvent("insertion.stage", trace.WithAttributes(
		AttrStage.Int(stage),
		AttrStageName.String(name),
		attribute.String("stage.outcome", outcome),
	))
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span ok.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
