package gateway

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

const tracerName = "github.com/vadiminshakov/rebalancer/gateway"

// SetupTracing installs a global tracer provider exporting spans to w.
// The returned func flushes and shuts the provider down.
func SetupTracing(ctx context.Context, serviceName string, w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "create stdout trace exporter")
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, errors.Wrap(err, "build trace resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Traced wraps every brokerage call in a span and logs failures.
type Traced struct {
	next   Brokerage
	tracer trace.Tracer
	logger *zap.Logger
}

var _ Brokerage = (*Traced)(nil)

// NewTraced uses the global tracer provider, a no-op unless SetupTracing ran.
func NewTraced(next Brokerage, logger *zap.Logger) *Traced {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Traced{next: next, tracer: otel.Tracer(tracerName), logger: logger}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// GetPortfolio traces the portfolio fetch.
func (t *Traced) GetPortfolio(ctx context.Context, accountRef string) (p domain.Portfolio, err error) {
	ctx, span := t.tracer.Start(ctx, "brokerage.GetPortfolio", trace.WithAttributes(attribute.String("account_ref", accountRef)))
	defer func() { endSpan(span, err) }()

	p, err = t.next.GetPortfolio(ctx, accountRef)
	if err != nil {
		t.logger.Error("failed to fetch portfolio", zap.String("account", accountRef), zap.Error(err))
		return p, err
	}
	span.SetAttributes(attribute.Int("positions", len(p.Positions)))
	return p, nil
}

// GetLastPrice traces the price lookup.
func (t *Traced) GetLastPrice(ctx context.Context, symbol string) (price decimal.Decimal, err error) {
	ctx, span := t.tracer.Start(ctx, "brokerage.GetLastPrice", trace.WithAttributes(attribute.String("symbol", symbol)))
	defer func() { endSpan(span, err) }()

	price, err = t.next.GetLastPrice(ctx, symbol)
	if err != nil {
		t.logger.Warn("failed to fetch price", zap.String("symbol", symbol), zap.Error(err))
		return price, err
	}
	span.SetAttributes(attribute.String("price", price.String()))
	return price, nil
}

// PlaceOrder traces the submission.
func (t *Traced) PlaceOrder(ctx context.Context, req OrderRequest) (ack OrderAck, err error) {
	ctx, span := t.tracer.Start(ctx, "brokerage.PlaceOrder", trace.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("action", req.Action.String()),
		attribute.Int64("quantity", req.Quantity),
		attribute.String("client_order_id", req.ClientOrderID),
	))
	defer func() { endSpan(span, err) }()

	t.logger.Info("placing order",
		zap.String("symbol", req.Symbol),
		zap.String("action", req.Action.String()),
		zap.Int64("quantity", req.Quantity),
		zap.String("client_order_id", req.ClientOrderID))

	ack, err = t.next.PlaceOrder(ctx, req)
	if err != nil {
		t.logger.Error("failed to place order", zap.String("symbol", req.Symbol), zap.Error(err))
		return ack, err
	}
	span.SetAttributes(attribute.String("order_id", ack.OrderID))
	return ack, nil
}
