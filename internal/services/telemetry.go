package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/astroshop/api/internal/services"

// Telemetry bundles the tracer and counters the pipeline reports to. The zero value is not
// usable; construct with NewTelemetry or leave Deps.Telemetry nil for the global providers.
type Telemetry struct {
	tracer          trace.Tracer
	ordersCreated   metric.Int64Counter
	priceMismatches metric.Int64Counter
	softFails       metric.Int64Counter
	stockAdjusted   metric.Int64Counter
}

// NewTelemetry builds instruments from the supplied providers, falling back to the globals.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error
	if t.ordersCreated, err = meter.Int64Counter("orders.created",
		metric.WithDescription("Orders persisted by checkout")); err != nil {
		return nil, err
	}
	if t.priceMismatches, err = meter.Int64Counter("orders.price_mismatch",
		metric.WithDescription("Checkouts rejected because a client price disagreed with the catalog")); err != nil {
		return nil, err
	}
	if t.softFails, err = meter.Int64Counter("orders.soft_fail_resolutions",
		metric.WithDescription("Catalog references resolved to the placeholder entry")); err != nil {
		return nil, err
	}
	if t.stockAdjusted, err = meter.Int64Counter("stock.adjustments",
		metric.WithDescription("Units of stock moved by order placement and cancellation")); err != nil {
		return nil, err
	}
	return t, nil
}

func defaultTelemetry() *Telemetry {
	t, err := NewTelemetry(nil, nil)
	if err != nil {
		return nil
	}
	return t
}

func (t *Telemetry) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *Telemetry) orderCreated(ctx context.Context, digital bool) {
	if t == nil {
		return
	}
	t.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.Bool("digital", digital)))
}

func (t *Telemetry) priceMismatch(ctx context.Context, source string) {
	if t == nil {
		return
	}
	t.priceMismatches.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (t *Telemetry) softFail(ctx context.Context) {
	if t == nil {
		return
	}
	t.softFails.Add(ctx, 1)
}

func (t *Telemetry) stockMoved(ctx context.Context, reason string, units int64) {
	if t == nil || units == 0 {
		return
	}
	t.stockAdjusted.Add(ctx, units, metric.WithAttributes(attribute.String("reason", reason)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
